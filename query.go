package sapling

import (
	"bytes"
	"cmp"
	"slices"
	"strings"
)

// Position is a zero-based line and byte column.
type Position struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

// Completion is one completion candidate.
type Completion struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Parameter is one parameter of a Signature.
type Parameter struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Default string `json:"default,omitempty"`
}

// Signature describes a callable at a call site.
type Signature struct {
	Name        string      `json:"name"`
	Params      []Parameter `json:"params"`
	Returns     string      `json:"returns,omitempty"`
	ActiveParam int         `json:"active_param"`
}

func (s *Signature) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Name)
		if p.Type != "" {
			b.WriteString(": " + p.Type)
		}
		if p.Default != "" {
			if p.Type != "" {
				b.WriteString(" = " + p.Default)
			} else {
				b.WriteString("=" + p.Default)
			}
		}
	}
	b.WriteByte(')')
	if s.Returns != "" {
		b.WriteString(" -> " + s.Returns)
	}
	return b.String()
}

// ModuleInfo is one importable module name.
type ModuleInfo struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Alias bool   `json:"alias,omitempty"`
}

// CompletionOptions filter completion results.
type CompletionOptions struct {
	IncludePrivate bool `json:"include_private"`
	Limit          int  `json:"limit"`
}

// ModuleOptions filter module listings.
type ModuleOptions struct {
	Prefix         string `json:"prefix"`
	IncludeAliases bool   `json:"include_aliases"`
}

// Completions returns the candidates for the dotted expression ending at
// pos. Results come from the entry's latest analysis, which may be older
// than its text; an entry never analyzed yields no results.
func (e *Engine) Completions(h Handle, pos Position, opts CompletionOptions) ([]Completion, error) {
	ent, err := e.entries.EntryFor(h)
	if err != nil {
		return nil, err
	}
	a := ent.Analysis()
	if a == nil {
		return []Completion{}, nil
	}
	expr := expressionBefore(currentSource(ent), pos)
	qualifier, prefix := "", expr
	if i := strings.LastIndexByte(expr, '.'); i >= 0 {
		qualifier, prefix = expr[:i], expr[i+1:]
	}
	items, err := e.analyzer.Members(a, qualifier)
	if err != nil {
		return nil, err
	}
	return filterCompletions(items, prefix, opts), nil
}

// TopLevelCompletions returns the file's top-level names, the names its
// imports bind and the top-level module names of the project.
func (e *Engine) TopLevelCompletions(h Handle, pos Position) ([]Completion, error) {
	ent, err := e.entries.EntryFor(h)
	if err != nil {
		return nil, err
	}
	a := ent.Analysis()
	if a == nil {
		return []Completion{}, nil
	}
	prefix := expressionBefore(currentSource(ent), pos)
	if strings.Contains(prefix, ".") {
		prefix = ""
	}
	items, err := e.analyzer.Members(a, "")
	if err != nil {
		return nil, err
	}
	modules, err := e.analyzer.Modules()
	if err != nil {
		return nil, err
	}
	for _, m := range modules {
		top, _, _ := strings.Cut(m.Name, ".")
		items = append(items, Completion{Name: top, Kind: "module", Detail: m.Path})
	}
	return filterCompletions(items, prefix, CompletionOptions{}), nil
}

// Signatures returns the signature of the call enclosing pos, with
// ActiveParam set to the argument the cursor is in.
func (e *Engine) Signatures(h Handle, pos Position) ([]Signature, error) {
	ent, err := e.entries.EntryFor(h)
	if err != nil {
		return nil, err
	}
	a := ent.Analysis()
	if a == nil {
		return []Signature{}, nil
	}
	callee, active, ok := calleeBefore(currentSource(ent), pos)
	if !ok {
		return []Signature{}, nil
	}
	sig, err := e.analyzer.Signature(a, callee)
	if err != nil {
		return nil, err
	}
	if sig == nil {
		return []Signature{}, nil
	}
	sig.ActiveParam = active
	return []Signature{*sig}, nil
}

// Modules lists the project's importable modules.
func (e *Engine) Modules(opts ModuleOptions) ([]ModuleInfo, error) {
	all, err := e.analyzer.Modules()
	if err != nil {
		return nil, err
	}
	out := make([]ModuleInfo, 0, len(all))
	for _, m := range all {
		if m.Alias && !opts.IncludeAliases {
			continue
		}
		if !strings.HasPrefix(m.Name, opts.Prefix) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ModuleMembers lists the top-level names and submodules of a module.
func (e *Engine) ModuleMembers(module string) ([]Completion, error) {
	items, err := e.analyzer.ModuleMembers(module)
	if err != nil {
		return nil, err
	}
	return filterCompletions(items, "", CompletionOptions{IncludePrivate: true}), nil
}

// currentSource is the text cursor positions refer to: the live buffer when
// the editor holds one, else the source of the latest parse.
func currentSource(ent *Entry) []byte {
	if c := ent.snapshot(); c.kind == SourceBuffer {
		return c.data
	}
	if p := ent.Parse(); p != nil {
		return p.Source
	}
	return nil
}

// filterCompletions keeps the items starting with prefix, drops private
// names unless asked for or typed, sorts by name and removes duplicates.
func filterCompletions(items []Completion, prefix string, opts CompletionOptions) []Completion {
	private := opts.IncludePrivate || strings.HasPrefix(prefix, "_")
	out := make([]Completion, 0, len(items))
	for _, c := range items {
		if !strings.HasPrefix(c.Name, prefix) {
			continue
		}
		if !private && isPrivate(c.Name) {
			continue
		}
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b Completion) int { return cmp.Compare(a.Name, b.Name) })
	out = slices.CompactFunc(out, func(a, b Completion) bool { return a.Name == b.Name })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func isPrivate(name string) bool {
	if strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") {
		return false
	}
	return strings.HasPrefix(name, "_")
}

// offsetOf converts pos to a byte offset in src, clamping to the line end
// and to the end of src.
func offsetOf(src []byte, pos Position) int {
	off := 0
	for line := 0; line < pos.Line; line++ {
		i := bytes.IndexByte(src[off:], '\n')
		if i < 0 {
			return len(src)
		}
		off += i + 1
	}
	end := len(src)
	if i := bytes.IndexByte(src[off:], '\n'); i >= 0 {
		end = off + i
	}
	return min(off+max(pos.Col, 0), end)
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c >= 0x80
}

// expressionBefore returns the dotted name ending at pos, e.g. "os.pa".
func expressionBefore(src []byte, pos Position) string {
	return dottedBefore(src, offsetOf(src, pos))
}

func dottedBefore(src []byte, end int) string {
	start := end
	for start > 0 && (isIdentByte(src[start-1]) || src[start-1] == '.') {
		start--
	}
	return strings.TrimLeft(string(src[start:end]), ".")
}

// maxCallScan bounds how far back calleeBefore looks for an open paren.
const maxCallScan = 4096

// calleeBefore finds the innermost unclosed call around pos. It returns the
// callee's dotted name and the index of the argument containing pos.
func calleeBefore(src []byte, pos Position) (string, int, bool) {
	off := offsetOf(src, pos)
	depth, commas := 0, 0
	for i := off - 1; i >= 0 && off-i <= maxCallScan; i-- {
		switch src[i] {
		case ')', ']', '}':
			depth++
		case '[', '{':
			if depth == 0 {
				return "", 0, false
			}
			depth--
		case '(':
			if depth > 0 {
				depth--
				continue
			}
			end := i
			for end > 0 && (src[end-1] == ' ' || src[end-1] == '\t') {
				end--
			}
			callee := dottedBefore(src, end)
			if callee == "" {
				return "", 0, false
			}
			return callee, commas, true
		case ',':
			if depth == 0 {
				commas++
			}
		}
	}
	return "", 0, false
}
