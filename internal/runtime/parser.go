package runtime

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
)

// Diagnostic kinds.
const (
	DiagSyntax  = "syntax"
	DiagWarning = "warning"
	DiagTask    = "task"
)

// Diagnostic severities. SeverityIgnore is only valid as an indentation policy.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityIgnore  = "ignore"
)

// DefaultTaskTokens are the comment markers reported as task diagnostics.
var DefaultTaskTokens = []string{"TODO", "FIXME", "HACK", "XXX"}

// Diagnostic is one finding produced while parsing. Lines and columns are
// zero-based; columns count bytes.
type Diagnostic struct {
	Kind     string
	Severity string
	Line     int
	Col      int
	EndLine  int
	EndCol   int
	Message  string
}

// ParseOptions controls the non-syntax diagnostics.
type ParseOptions struct {
	IndentSeverity string
	TaskTokens     []string
}

// Parser turns Python source into a tree-sitter tree plus diagnostics. A
// Parser is safe for concurrent use; each call uses its own tree-sitter parser.
type Parser struct {
	lang *sitter.Language
}

// NewParser creates a Parser for the Python grammar.
func NewParser() *Parser {
	lang, _ := ParserForLanguage("python")
	return &Parser{lang: lang}
}

// Parse parses src. Malformed input is not an error: tree-sitter always
// produces a tree and the problems are reported as syntax diagnostics. The
// returned error is non-nil only when ctx ends before parsing finishes.
func (p *Parser) Parse(ctx context.Context, src []byte, opts ParseOptions) (*sitter.Tree, []Diagnostic, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(p.lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, nil, fmt.Errorf("runtime: parse: %w", err)
	}

	tokens := opts.TaskTokens
	if tokens == nil {
		tokens = DefaultTaskTokens
	}

	var diags []Diagnostic
	walkDiagnostics(tree.RootNode(), src, tokens, &diags)
	diags = append(diags, indentDiagnostics(src, opts.IndentSeverity)...)
	return tree, diags, nil
}

// HasErrors reports whether any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

func walkDiagnostics(n *sitter.Node, src []byte, tokens []string, out *[]Diagnostic) {
	switch {
	case n.IsMissing():
		*out = append(*out, nodeDiagnostic(n, DiagSyntax, SeverityError, fmt.Sprintf("missing %s", n.Type())))
		return
	case n.IsError():
		*out = append(*out, nodeDiagnostic(n, DiagSyntax, SeverityError, "syntax error"))
	case n.Type() == "comment":
		if msg, ok := taskComment(n.Content(src), tokens); ok {
			*out = append(*out, nodeDiagnostic(n, DiagTask, SeverityInfo, msg))
		}
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		walkDiagnostics(n.Child(i), src, tokens, out)
	}
}

func nodeDiagnostic(n *sitter.Node, kind, severity, msg string) Diagnostic {
	sp, ep := n.StartPoint(), n.EndPoint()
	return Diagnostic{
		Kind:     kind,
		Severity: severity,
		Line:     int(sp.Row),
		Col:      int(sp.Column),
		EndLine:  int(ep.Row),
		EndCol:   int(ep.Column),
		Message:  msg,
	}
}

// taskComment returns the comment body when it carries a task token as a
// whole word.
func taskComment(comment string, tokens []string) (string, bool) {
	body := strings.TrimSpace(strings.TrimLeft(comment, "#"))
	for _, tok := range tokens {
		idx := strings.Index(body, tok)
		for idx >= 0 {
			end := idx + len(tok)
			before := idx == 0 || !isWordRune(rune(body[idx-1]))
			after := end == len(body) || !isWordRune(rune(body[end]))
			if before && after {
				return body, true
			}
			next := strings.Index(body[end:], tok)
			if next < 0 {
				break
			}
			idx = end + next
		}
	}
	return "", false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// indentDiagnostics flags lines whose indentation mixes tabs and spaces, and
// lines indented with a different character than the first indented line.
func indentDiagnostics(src []byte, severity string) []Diagnostic {
	if severity == "" || severity == SeverityIgnore {
		return nil
	}
	var diags []Diagnostic
	var style byte
	for i, line := range bytes.Split(src, []byte("\n")) {
		trimmed := bytes.TrimLeft(line, " \t")
		if len(trimmed) == 0 || trimmed[0] == '#' {
			continue
		}
		indent := line[:len(line)-len(trimmed)]
		if len(indent) == 0 {
			continue
		}
		hasTab := bytes.IndexByte(indent, '\t') >= 0
		hasSpace := bytes.IndexByte(indent, ' ') >= 0
		var msg string
		switch {
		case hasTab && hasSpace:
			msg = "indentation mixes tabs and spaces"
		case style == 0:
			style = indent[0]
		case indent[0] != style:
			msg = "inconsistent use of tabs and spaces in indentation"
		}
		if msg != "" {
			diags = append(diags, Diagnostic{
				Kind:     DiagWarning,
				Severity: severity,
				Line:     i,
				EndLine:  i,
				EndCol:   len(indent),
				Message:  msg,
			})
		}
	}
	return diags
}
