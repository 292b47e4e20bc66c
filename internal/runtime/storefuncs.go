package runtime

import (
	"context"
	"fmt"

	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/sapling/internal/store"
)

// The insert host functions wrap DataStore insert methods. Risor scripts
// cannot construct Go struct pointers, so these functions accept Risor maps
// with primitive values and build the structs on the Go side.

// makeInsertSymbolFn creates "insert_symbol". When the map carries a "node"
// entry, the symbol's span is taken from that node.
func makeInsertSymbolFn(s store.DataStore) *object.Builtin {
	return object.NewBuiltin("insert_symbol", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("insert_symbol", 1, len(args))
		}
		m, err := extractMap(args[0])
		if err != nil {
			return object.Errorf("insert_symbol: %v", err)
		}

		name := getString(m, "name")
		sym := &store.Symbol{
			Name:       name,
			Kind:       getString(m, "kind"),
			Visibility: getStringDefault(m, "visibility", Visibility(name)),
			Modifiers:  getStrings(m, "modifiers"),
			StartLine:  getInt(m, "start_line"),
			StartCol:   getInt(m, "start_col"),
			EndLine:    getInt(m, "end_line"),
			EndCol:     getInt(m, "end_col"),
		}
		if node, ok := getNode(m, "node"); ok {
			sp, ep := node.StartPoint(), node.EndPoint()
			sym.StartLine, sym.StartCol = int(sp.Row), int(sp.Column)
			sym.EndLine, sym.EndCol = int(ep.Row), int(ep.Column)
		}
		if v, ok := getOptionalInt64(m, "file_id"); ok {
			sym.FileID = &v
		}
		if v, ok := getOptionalInt64(m, "parent_symbol_id"); ok {
			sym.ParentSymbolID = &v
		}

		id, insertErr := s.InsertSymbol(sym)
		if insertErr != nil {
			return object.Errorf("insert_symbol: %v", insertErr)
		}
		return object.NewInt(id)
	})
}

func makeInsertImportFn(s store.DataStore) *object.Builtin {
	return object.NewBuiltin("insert_import", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("insert_import", 1, len(args))
		}
		m, err := extractMap(args[0])
		if err != nil {
			return object.Errorf("insert_import: %v", err)
		}

		imp := &store.Import{
			FileID: getInt64(m, "file_id"),
			Source: getString(m, "source"),
			Kind:   getStringDefault(m, "kind", "module"),
			Scope:  getStringDefault(m, "scope", "file"),
		}
		if imp.Source == "" {
			return object.Errorf("insert_import: source is required")
		}
		if v := getString(m, "imported_name"); v != "" {
			imp.ImportedName = &v
		}
		if v := getString(m, "local_alias"); v != "" {
			imp.LocalAlias = &v
		}

		id, insertErr := s.InsertImport(imp)
		if insertErr != nil {
			return object.Errorf("insert_import: %v", insertErr)
		}
		return object.NewInt(id)
	})
}

func makeInsertFunctionParamFn(s store.DataStore) *object.Builtin {
	return object.NewBuiltin("insert_function_param", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("insert_function_param", 1, len(args))
		}
		m, err := extractMap(args[0])
		if err != nil {
			return object.Errorf("insert_function_param: %v", err)
		}

		fp := &store.FunctionParam{
			SymbolID:    getInt64(m, "symbol_id"),
			Name:        getString(m, "name"),
			Ordinal:     getInt(m, "ordinal"),
			TypeExpr:    getString(m, "type_expr"),
			IsReceiver:  getBool(m, "is_receiver"),
			IsReturn:    getBool(m, "is_return"),
			HasDefault:  getBool(m, "has_default"),
			DefaultExpr: getString(m, "default_expr"),
		}

		id, insertErr := s.InsertFunctionParam(fp)
		if insertErr != nil {
			return object.Errorf("insert_function_param: %v", insertErr)
		}
		return object.NewInt(id)
	})
}

// --- Map extraction helpers ---

func extractMap(obj object.Object) (map[string]object.Object, error) {
	m, ok := obj.(*object.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", obj.Type())
	}
	return m.Value(), nil
}

func getString(m map[string]object.Object, key string) string {
	if s, ok := m[key].(*object.String); ok {
		return s.Value()
	}
	return ""
}

func getStringDefault(m map[string]object.Object, key, def string) string {
	v := getString(m, key)
	if v == "" {
		return def
	}
	return v
}

func getStrings(m map[string]object.Object, key string) []string {
	l, ok := m[key].(*object.List)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range l.Value() {
		if s, ok := item.(*object.String); ok {
			out = append(out, s.Value())
		}
	}
	return out
}

func getNode(m map[string]object.Object, key string) (*sitter.Node, bool) {
	p, ok := m[key].(*object.Proxy)
	if !ok {
		return nil, false
	}
	node, ok := p.Interface().(*sitter.Node)
	return node, ok && node != nil
}

func getInt(m map[string]object.Object, key string) int {
	return int(getInt64(m, key))
}

func getInt64(m map[string]object.Object, key string) int64 {
	v, _ := getOptionalInt64(m, key)
	return v
}

func getOptionalInt64(m map[string]object.Object, key string) (int64, bool) {
	switch v := m[key].(type) {
	case *object.Int:
		return v.Value(), true
	case *object.Float:
		return int64(v.Value()), true
	}
	return 0, false
}

func getBool(m map[string]object.Object, key string) bool {
	if b, ok := m[key].(*object.Bool); ok {
		return b.Value()
	}
	return false
}

func toString(obj object.Object) (string, error) {
	if s, ok := obj.(*object.String); ok {
		return s.Value(), nil
	}
	return "", fmt.Errorf("expected string, got %s", obj.Type())
}
