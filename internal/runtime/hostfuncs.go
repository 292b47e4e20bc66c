package runtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unsafe"

	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"
)

// sourceStore tracks source bytes and language for each tree handed to a
// script. smacker/go-tree-sitter doesn't expose Node.Tree(), so mappings are
// keyed by root node pointer and recovered by walking up Parent().
type sourceStore struct {
	mu      sync.RWMutex
	sources map[uintptr][]byte
	langs   map[uintptr]*sitter.Language
}

func newSourceStore() *sourceStore {
	return &sourceStore{
		sources: make(map[uintptr][]byte),
		langs:   make(map[uintptr]*sitter.Language),
	}
}

func treeKey(tree *sitter.Tree) uintptr {
	return uintptr(unsafe.Pointer(tree.RootNode()))
}

func (s *sourceStore) store(tree *sitter.Tree, src []byte, lang *sitter.Language) {
	key := treeKey(tree)
	s.mu.Lock()
	s.sources[key] = src
	s.langs[key] = lang
	s.mu.Unlock()
}

func (s *sourceStore) release(tree *sitter.Tree) {
	key := treeKey(tree)
	s.mu.Lock()
	delete(s.sources, key)
	delete(s.langs, key)
	s.mu.Unlock()
}

// rootOf walks a node up to its root via Parent().
func rootOf(node *sitter.Node) *sitter.Node {
	for node.Parent() != nil {
		node = node.Parent()
	}
	return node
}

func (s *sourceStore) sourceForNode(node *sitter.Node) ([]byte, bool) {
	key := uintptr(unsafe.Pointer(rootOf(node)))
	s.mu.RLock()
	src, ok := s.sources[key]
	s.mu.RUnlock()
	return src, ok
}

func (s *sourceStore) languageForNode(node *sitter.Node) (*sitter.Language, bool) {
	key := uintptr(unsafe.Pointer(rootOf(node)))
	s.mu.RLock()
	lang, ok := s.langs[key]
	s.mu.RUnlock()
	return lang, ok
}

func nodeArg(name string, arg object.Object) (*sitter.Node, *object.Error) {
	proxy, ok := arg.(*object.Proxy)
	if !ok {
		return nil, object.Errorf("%s: expected proxy (Node), got %s", name, arg.Type())
	}
	node, ok := proxy.Interface().(*sitter.Node)
	if !ok {
		return nil, object.Errorf("%s: expected *sitter.Node, got %T", name, proxy.Interface())
	}
	return node, nil
}

// makeNodeTextFn creates the "node_text" host function. Risor's proxy
// system cannot convert strings to []byte for node.Content([]byte).
//
// node_text(node) → string
func makeNodeTextFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("node_text", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("node_text", 1, len(args))
		}
		node, errObj := nodeArg("node_text", args[0])
		if errObj != nil {
			return errObj
		}
		src, found := ss.sourceForNode(node)
		if !found {
			return object.Errorf("node_text: no source found for node's tree")
		}
		return object.NewString(node.Content(src))
	})
}

// makeQueryFn creates the "query" host function.
//
// query(pattern, node) → []map[string]Node
func makeQueryFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("query", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("query", 2, len(args))
		}
		patternStr, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("query: pattern must be a string, got %s", args[0].Type())
		}
		node, errObj := nodeArg("query", args[1])
		if errObj != nil {
			return errObj
		}
		lang, found := ss.languageForNode(node)
		if !found {
			return object.Errorf("query: no language found for node's tree")
		}
		src, found := ss.sourceForNode(node)
		if !found {
			return object.Errorf("query: no source found for node's tree")
		}

		q, err := sitter.NewQuery([]byte(patternStr.Value()), lang)
		if err != nil {
			return object.Errorf("query: invalid pattern: %v", err)
		}
		defer q.Close()

		cursor := sitter.NewQueryCursor()
		defer cursor.Close()
		cursor.Exec(q, node)

		results := []object.Object{}
		for {
			match, ok := cursor.NextMatch()
			if !ok {
				break
			}
			match = cursor.FilterPredicates(match, src)

			matchMap := make(map[string]object.Object)
			for _, capture := range match.Captures {
				name := q.CaptureNameForId(capture.Index)
				nodeP, err := object.NewProxy(capture.Node)
				if err != nil {
					return object.Errorf("query: proxy error for capture %q: %v", name, err)
				}
				matchMap[name] = nodeP
			}
			results = append(results, object.NewMap(matchMap))
		}
		return object.NewList(results)
	})
}

// makeNodeChildFn creates "node_child", a wrapper for ChildByFieldName that
// returns Risor nil instead of a proxied Go nil pointer.
//
// node_child(node, fieldName) → Node or nil
func makeNodeChildFn() *object.Builtin {
	return object.NewBuiltin("node_child", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("node_child", 2, len(args))
		}
		node, errObj := nodeArg("node_child", args[0])
		if errObj != nil {
			return errObj
		}
		fieldStr, ok := args[1].(*object.String)
		if !ok {
			return object.Errorf("node_child: field must be a string, got %s", args[1].Type())
		}

		child := node.ChildByFieldName(fieldStr.Value())
		if child == nil {
			return object.Nil
		}
		p, err := object.NewProxy(child)
		if err != nil {
			return object.Errorf("node_child: proxy error: %v", err)
		}
		return p
	})
}

// Visibility returns "private" for names with a leading underscore, except
// dunder names, and "public" otherwise.
func Visibility(name string) string {
	if strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") && len(name) > 4 {
		return "public"
	}
	if strings.HasPrefix(name, "_") {
		return "private"
	}
	return "public"
}

// ResolveImport turns the module text of an import statement into an
// absolute module name. Relative references (".", "..pkg") are resolved
// against the importing module; isPackage is true when the importer is a
// package's __init__ file. Returns "" when the reference climbs above the
// top-level package.
func ResolveImport(ref, module string, isPackage bool) string {
	dots := len(ref) - len(strings.TrimLeft(ref, "."))
	if dots == 0 {
		return ref
	}
	rest := ref[dots:]

	var parts []string
	if module != "" {
		parts = strings.Split(module, ".")
	}
	if !isPackage {
		if len(parts) == 0 {
			return ""
		}
		parts = parts[:len(parts)-1]
	}
	up := dots - 1
	if up > len(parts) {
		return ""
	}
	parts = parts[:len(parts)-up]
	if rest != "" {
		parts = append(parts, rest)
	}
	return strings.Join(parts, ".")
}

// makeResolveImportFn creates "resolve_import".
//
// resolve_import(ref, module, is_package) → string
func makeResolveImportFn() *object.Builtin {
	return object.NewBuiltin("resolve_import", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 3 {
			return object.NewArgsError("resolve_import", 3, len(args))
		}
		ref, err := toString(args[0])
		if err != nil {
			return object.Errorf("resolve_import: %v", err)
		}
		module, err := toString(args[1])
		if err != nil {
			return object.Errorf("resolve_import: %v", err)
		}
		isPkg, ok := args[2].(*object.Bool)
		if !ok {
			return object.Errorf("resolve_import: is_package must be a bool, got %s", args[2].Type())
		}
		return object.NewString(ResolveImport(ref, module, isPkg.Value()))
	})
}

// logObject provides log.info/warn/error methods for Risor scripts.
type logObject struct {
	logger *slog.Logger
}

func (l *logObject) Info(msg string) {
	l.logger.Info(msg, slog.String("source", "script"))
}

func (l *logObject) Warn(msg string) {
	l.logger.Warn(msg, slog.String("source", "script"))
}

func (l *logObject) Error(msg string) {
	l.logger.Error(msg, slog.String("source", "script"))
}
