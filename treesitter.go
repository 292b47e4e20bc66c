package sapling

import (
	"context"

	"github.com/jward/sapling/internal/runtime"
)

// treeSitterParser is the default Parser: the tree-sitter Python grammar.
type treeSitterParser struct {
	p *runtime.Parser
}

// NewTreeSitterParser returns the tree-sitter backed Parser.
func NewTreeSitterParser() Parser {
	return &treeSitterParser{p: runtime.NewParser()}
}

func (t *treeSitterParser) Parse(ctx context.Context, src []byte, settings Settings) (Tree, []Diagnostic, error) {
	tree, diags, err := t.p.Parse(ctx, src, runtime.ParseOptions{
		IndentSeverity: settings.IndentSeverity,
		TaskTokens:     settings.TaskTokens,
	})
	if err != nil {
		return nil, nil, err
	}
	out := make([]Diagnostic, len(diags))
	for i, d := range diags {
		out[i] = Diagnostic{
			Kind:     d.Kind,
			Severity: d.Severity,
			Line:     d.Line,
			Col:      d.Col,
			EndLine:  d.EndLine,
			EndCol:   d.EndCol,
			Message:  d.Message,
		}
	}
	return tree, out, nil
}
