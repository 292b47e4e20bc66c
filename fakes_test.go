package sapling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeParser treats the source text itself as the tree. Text starting with
// "#block" waits for release; text containing "!syntax" fails to parse.
type fakeParser struct {
	mu    sync.Mutex
	calls []string
	gate  chan struct{}
	once  sync.Once
}

func newFakeParser() *fakeParser {
	return &fakeParser{gate: make(chan struct{})}
}

func (p *fakeParser) Parse(ctx context.Context, src []byte, _ Settings) (Tree, []Diagnostic, error) {
	text := string(src)
	p.mu.Lock()
	p.calls = append(p.calls, text)
	p.mu.Unlock()

	if strings.HasPrefix(text, "#block") {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if strings.Contains(text, "!syntax") {
		return nil, []Diagnostic{{Kind: DiagSyntax, Severity: SeverityError, Message: "invalid syntax"}}, nil
	}
	return text, nil, nil
}

func (p *fakeParser) release() { p.once.Do(func() { close(p.gate) }) }

// callsContaining returns the parsed texts containing s.
func (p *fakeParser) callsContaining(s string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.calls {
		if strings.Contains(c, s) {
			out = append(out, c)
		}
	}
	return out
}

type fakeFile struct {
	id      int64
	names   []string
	imports []string
	defs    []string
}

// fakeAnalyzer understands two kinds of lines: "import <module>" and
// "def <name>". The defs form the module surface. Sources containing FAIL
// return an error and sources containing PANIC panic.
type fakeAnalyzer struct {
	mu     sync.Mutex
	files  map[string]*fakeFile
	counts map[string]int
	nextID int64
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{files: make(map[string]*fakeFile), counts: make(map[string]int)}
}

func (a *fakeAnalyzer) Analyze(_ context.Context, req AnalysisRequest) (*Analysis, error) {
	text, _ := req.Tree.(string)
	if strings.Contains(text, "PANIC") {
		panic("analyzer exploded")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[req.Path]++
	if strings.Contains(text, "FAIL") {
		return nil, errors.New("analysis failed")
	}

	a.nextID++
	f := &fakeFile{id: a.nextID, names: append([]string{req.Module}, req.Aliases...)}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if m, ok := strings.CutPrefix(line, "import "); ok {
			f.imports = append(f.imports, strings.TrimSpace(m))
		}
		if d, ok := strings.CutPrefix(line, "def "); ok {
			f.defs = append(f.defs, strings.TrimSpace(d))
		}
	}
	a.files[req.Path] = f

	surface := slices.Clone(f.defs)
	sort.Strings(surface)
	return &Analysis{
		FileID:      f.id,
		Module:      req.Module,
		SurfaceHash: strings.Join(surface, ","),
		Cookie:      req.Cookie,
		Symbols:     len(f.defs),
	}, nil
}

func (a *fakeAnalyzer) Forget(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.files, path)
	return nil
}

func (a *fakeAnalyzer) Importers(module string, transitive bool) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	frontier := []string{module}
	for len(frontier) > 0 {
		m := frontier[0]
		frontier = frontier[1:]
		for path, f := range a.files {
			if seen[path] || !slices.Contains(f.imports, m) {
				continue
			}
			seen[path] = true
			out = append(out, path)
			if transitive {
				frontier = append(frontier, f.names...)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (a *fakeAnalyzer) Analyzed() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for path := range a.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

func (a *fakeAnalyzer) Modules() ([]ModuleInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ModuleInfo
	for path, f := range a.files {
		for i, n := range f.names {
			out = append(out, ModuleInfo{Name: n, Path: path, Alias: i > 0})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (a *fakeAnalyzer) fileByID(id int64) *fakeFile {
	for _, f := range a.files {
		if f.id == id {
			return f
		}
	}
	return nil
}

func defCompletions(f *fakeFile) []Completion {
	var out []Completion
	for _, d := range f.defs {
		out = append(out, Completion{Name: d, Kind: "function"})
	}
	return out
}

func (a *fakeAnalyzer) Members(an *Analysis, qualifier string) ([]Completion, error) {
	if qualifier != "" {
		return a.ModuleMembers(qualifier)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if f := a.fileByID(an.FileID); f != nil {
		return defCompletions(f), nil
	}
	return nil, nil
}

func (a *fakeAnalyzer) ModuleMembers(module string) ([]Completion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.files {
		if slices.Contains(f.names, module) {
			return defCompletions(f), nil
		}
	}
	return nil, nil
}

func (a *fakeAnalyzer) Signature(an *Analysis, callee string) (*Signature, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f := a.fileByID(an.FileID); f != nil && slices.Contains(f.defs, callee) {
		return &Signature{Name: callee, Params: []Parameter{{Name: "a"}, {Name: "b"}}}, nil
	}
	return nil, nil
}

func (a *fakeAnalyzer) count(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[path]
}

func (a *fakeAnalyzer) resetCounts() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.counts)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFakeEngine returns an Engine over the fake parser and analyzer.
func newFakeEngine(t *testing.T, opts ...Option) (*Engine, *fakeParser, *fakeAnalyzer) {
	t.Helper()
	p, a := newFakeParser(), newFakeAnalyzer()
	opts = append([]Option{WithParser(p), WithAnalyzer(a), WithLogger(discardLogger())}, opts...)
	e, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.release()
		e.Close()
	})
	return e, p, a
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.WaitForIdle(ctx))
}

// writeFiles creates files below root from a path→content map.
func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// blockingUnit occupies the analysis worker until released.
type blockingUnit struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingUnit() *blockingUnit {
	return &blockingUnit{started: make(chan struct{}), release: make(chan struct{})}
}

func (u *blockingUnit) Key() string { return "test:block" }

func (u *blockingUnit) Execute(ctx context.Context) error {
	close(u.started)
	<-u.release
	return nil
}
