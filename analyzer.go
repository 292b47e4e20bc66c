package sapling

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/sapling/internal/runtime"
	"github.com/jward/sapling/internal/store"
	"github.com/jward/sapling/scripts"
)

// AnalysisRequest is everything the analyzer gets for one entry.
type AnalysisRequest struct {
	Path      string
	Module    string
	Aliases   []string
	IsPackage bool
	Tree      Tree
	Source    []byte
	Cookie    Cookie
}

// Analyzer is the semantic engine. Analyze, Forget and the other mutating
// calls are only ever made from the analysis worker; the query methods may
// run concurrently with them.
type Analyzer interface {
	// Analyze replaces the analysis of req.Path.
	Analyze(ctx context.Context, req AnalysisRequest) (*Analysis, error)
	// Forget drops everything known about path.
	Forget(path string) error
	// Importers returns the paths of files importing module, directly or,
	// when transitive is set, through any chain of importers.
	Importers(module string, transitive bool) ([]string, error)
	// Analyzed returns the path of every analyzed file.
	Analyzed() ([]string, error)

	Modules() ([]ModuleInfo, error)
	Members(a *Analysis, qualifier string) ([]Completion, error)
	ModuleMembers(module string) ([]Completion, error)
	Signature(a *Analysis, callee string) (*Signature, error)
}

// ScriptAnalyzer is the default Analyzer. It runs the embedded Risor
// extraction script over each tree and keeps the results in SQLite.
type ScriptAnalyzer struct {
	store  *store.Store
	logger *slog.Logger
	tmpDir string
}

// NewScriptAnalyzer opens the analysis database at dbPath, or in a temporary
// directory removed on Close when dbPath is empty. Existing content is
// discarded; analysis state lives only as long as the process.
func NewScriptAnalyzer(dbPath string, logger *slog.Logger) (*ScriptAnalyzer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var tmpDir string
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "sapling-")
		if err != nil {
			return nil, fmt.Errorf("sapling: create database dir: %w", err)
		}
		tmpDir = dir
		dbPath = filepath.Join(dir, "sapling.db")
	}
	s, err := store.NewStore(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("sapling: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("sapling: migrate: %w", err)
	}
	if err := s.Reset(); err != nil {
		s.Close()
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("sapling: reset: %w", err)
	}
	return &ScriptAnalyzer{store: s, logger: logger, tmpDir: tmpDir}, nil
}

// Store returns the underlying store.
func (a *ScriptAnalyzer) Store() *store.Store { return a.store }

// Close closes the database and removes it if it was temporary.
func (a *ScriptAnalyzer) Close() error {
	err := a.store.Close()
	if a.tmpDir != "" {
		if rerr := os.RemoveAll(a.tmpDir); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (a *ScriptAnalyzer) Analyze(ctx context.Context, req AnalysisRequest) (*Analysis, error) {
	tree, ok := req.Tree.(*sitter.Tree)
	if !ok || tree == nil {
		return nil, fmt.Errorf("sapling: analyze %s: unsupported tree %T", req.Path, req.Tree)
	}

	f := &store.File{
		Path:        req.Path,
		Language:    "python",
		ModuleName:  req.Module,
		Hash:        fmt.Sprintf("%016x", req.Cookie.Hash),
		LineCount:   bytes.Count(req.Source, []byte("\n")) + 1,
		LastIndexed: time.Now(),
	}
	fileID, err := a.store.UpsertFile(f)
	if err != nil {
		return nil, fmt.Errorf("sapling: analyze %s: %w", req.Path, err)
	}
	if err := a.store.SetModuleNames(fileID, append([]string{req.Module}, req.Aliases...)); err != nil {
		return nil, fmt.Errorf("sapling: analyze %s: %w", req.Path, err)
	}

	batch := store.NewBatchedStore()
	rt := runtime.NewRuntime(batch, "", runtime.WithRuntimeFS(scripts.FS), runtime.WithRuntimeLogger(a.logger))
	err = rt.Extract(ctx, "python", tree, req.Source, map[string]any{
		"file_id":     fileID,
		"module_name": req.Module,
		"is_package":  req.IsPackage,
	})
	if err != nil {
		return nil, fmt.Errorf("sapling: analyze %s: %w", req.Path, err)
	}
	for i := range batch.Symbols {
		sym := &batch.Symbols[i]
		sym.SignatureHash = store.ComputeSignatureHash(sym.Name, sym.Kind, sym.Visibility, sym.Modifiers, batch.ParamsFor(sym.ID))
	}
	surface := store.ComputeSurfaceHash(batch)

	if err := a.store.ReplaceFileData(fileID, batch); err != nil {
		return nil, fmt.Errorf("sapling: analyze %s: %w", req.Path, err)
	}
	return &Analysis{
		FileID:      fileID,
		Module:      req.Module,
		SurfaceHash: surface,
		Cookie:      req.Cookie,
		Symbols:     len(batch.Symbols),
	}, nil
}

func (a *ScriptAnalyzer) Forget(path string) error {
	f, err := a.store.FileByPath(path)
	if err != nil || f == nil {
		return err
	}
	return a.store.DeleteFile(f.ID)
}

func (a *ScriptAnalyzer) Importers(module string, transitive bool) ([]string, error) {
	if transitive {
		return a.store.FilesImportingModuleTransitive(module)
	}
	return a.store.FilesImportingModule(module)
}

func (a *ScriptAnalyzer) Analyzed() ([]string, error) {
	return a.store.AnalyzedPaths()
}

func (a *ScriptAnalyzer) Modules() ([]ModuleInfo, error) {
	names, err := a.store.ModuleNames()
	if err != nil {
		return nil, err
	}
	out := make([]ModuleInfo, 0, len(names))
	for _, n := range names {
		out = append(out, ModuleInfo{Name: n.Name, Path: n.Path, Alias: n.IsAlias})
	}
	return out, nil
}

// Members lists the names visible through qualifier from the analyzed file.
// An empty qualifier lists the file's own top-level names and the names its
// imports bind.
func (a *ScriptAnalyzer) Members(an *Analysis, qualifier string) ([]Completion, error) {
	if qualifier == "" {
		return a.scopeNames(an.FileID)
	}
	t, err := a.resolve(an.FileID, strings.Split(qualifier, "."))
	if err != nil || t == nil {
		return nil, err
	}
	return a.targetMembers(t)
}

func (a *ScriptAnalyzer) ModuleMembers(module string) ([]Completion, error) {
	return a.targetMembers(&target{module: module})
}

// Signature describes the callable named by callee as seen from the
// analyzed file. Calling a class describes its __init__. Returns nil when
// callee does not resolve to a function, method or class.
func (a *ScriptAnalyzer) Signature(an *Analysis, callee string) (*Signature, error) {
	t, err := a.resolve(an.FileID, strings.Split(callee, "."))
	if err != nil || t == nil || t.symbol == nil {
		return nil, err
	}
	fn := t.symbol
	switch fn.Kind {
	case "function", "method":
	case "class":
		children, err := a.store.SymbolChildren(fn.ID)
		if err != nil {
			return nil, err
		}
		var init *store.Symbol
		for _, c := range children {
			if c.Name == "__init__" {
				init = c
				break
			}
		}
		if init == nil {
			return &Signature{Name: fn.Name}, nil
		}
		sig, err := a.signatureOf(init)
		if err != nil {
			return nil, err
		}
		sig.Name = fn.Name
		return sig, nil
	default:
		return nil, nil
	}
	return a.signatureOf(fn)
}

func (a *ScriptAnalyzer) signatureOf(fn *store.Symbol) (*Signature, error) {
	params, err := a.store.FunctionParams(fn.ID)
	if err != nil {
		return nil, err
	}
	sig := &Signature{Name: fn.Name}
	for _, p := range params {
		switch {
		case p.IsReceiver:
		case p.IsReturn:
			sig.Returns = p.TypeExpr
		default:
			sig.Params = append(sig.Params, Parameter{Name: p.Name, Type: p.TypeExpr, Default: p.DefaultExpr})
		}
	}
	return sig, nil
}

// target is what a dotted name resolves to: a module, or a symbol.
type target struct {
	module string
	symbol *store.Symbol
}

// resolve walks a dotted name from the scope of a file. The first part is
// looked up among the file's top-level symbols, then among the names bound
// by its imports.
func (a *ScriptAnalyzer) resolve(fileID int64, parts []string) (*target, error) {
	t, err := a.resolveFirst(fileID, parts[0])
	if err != nil || t == nil {
		return nil, err
	}
	for _, part := range parts[1:] {
		t, err = a.step(t, part)
		if err != nil || t == nil {
			return nil, err
		}
	}
	return t, nil
}

func (a *ScriptAnalyzer) resolveFirst(fileID int64, name string) (*target, error) {
	syms, err := a.store.TopLevelSymbols(fileID)
	if err != nil {
		return nil, err
	}
	for _, s := range syms {
		if s.Name == name {
			return &target{symbol: s}, nil
		}
	}

	imports, err := a.store.ImportsByFile(fileID)
	if err != nil {
		return nil, err
	}
	for _, imp := range imports {
		bound, module, member := importBinding(imp)
		if bound != name || imp.Scope != "file" {
			continue
		}
		if member == "" {
			return &target{module: module}, nil
		}
		return a.step(&target{module: module}, member)
	}
	return nil, nil
}

// importBinding returns the local name an import binds, the module it
// refers to and, for from-imports, the imported member.
func importBinding(imp *store.Import) (bound, module, member string) {
	if imp.Kind == "name" && imp.ImportedName != nil {
		if *imp.ImportedName == "*" {
			return "", "", ""
		}
		bound = *imp.ImportedName
		if imp.LocalAlias != nil {
			bound = *imp.LocalAlias
		}
		return bound, imp.Source, *imp.ImportedName
	}
	if imp.LocalAlias != nil {
		return *imp.LocalAlias, imp.Source, ""
	}
	// "import a.b" binds "a".
	first, _, _ := strings.Cut(imp.Source, ".")
	return first, first, ""
}

// step resolves one more dotted component below t. A submodule wins over a
// module attribute of the same name.
func (a *ScriptAnalyzer) step(t *target, part string) (*target, error) {
	if t.symbol != nil {
		children, err := a.store.SymbolChildren(t.symbol.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.Name == part {
				return &target{symbol: c}, nil
			}
		}
		return nil, nil
	}

	sub := t.module + "." + part
	f, err := a.store.FileByModule(sub)
	if err != nil {
		return nil, err
	}
	if f != nil || a.hasSubmodules(sub) {
		return &target{module: sub}, nil
	}
	f, err = a.store.FileByModule(t.module)
	if err != nil || f == nil {
		return nil, err
	}
	syms, err := a.store.TopLevelSymbols(f.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range syms {
		if s.Name == part {
			return &target{symbol: s}, nil
		}
	}
	return nil, nil
}

func (a *ScriptAnalyzer) hasSubmodules(module string) bool {
	names, err := a.store.ModuleNames()
	if err != nil {
		return false
	}
	for _, n := range names {
		if strings.HasPrefix(n.Name, module+".") {
			return true
		}
	}
	return false
}

func (a *ScriptAnalyzer) targetMembers(t *target) ([]Completion, error) {
	if t.symbol != nil {
		children, err := a.store.SymbolChildren(t.symbol.ID)
		if err != nil {
			return nil, err
		}
		return a.completions(children)
	}

	var out []Completion
	f, err := a.store.FileByModule(t.module)
	if err != nil {
		return nil, err
	}
	if f != nil {
		syms, err := a.store.TopLevelSymbols(f.ID)
		if err != nil {
			return nil, err
		}
		if out, err = a.completions(syms); err != nil {
			return nil, err
		}
	}
	names, err := a.store.ModuleNames()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, n := range names {
		rest, ok := strings.CutPrefix(n.Name, t.module+".")
		if !ok {
			continue
		}
		child, _, _ := strings.Cut(rest, ".")
		if !seen[child] {
			seen[child] = true
			out = append(out, Completion{Name: child, Kind: "module", Detail: t.module + "." + child})
		}
	}
	return out, nil
}

// scopeNames lists a file's top-level symbols followed by the names bound
// by its imports.
func (a *ScriptAnalyzer) scopeNames(fileID int64) ([]Completion, error) {
	syms, err := a.store.TopLevelSymbols(fileID)
	if err != nil {
		return nil, err
	}
	out, err := a.completions(syms)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c.Name] = true
	}
	imports, err := a.store.ImportsByFile(fileID)
	if err != nil {
		return nil, err
	}
	for _, imp := range imports {
		bound, module, member := importBinding(imp)
		if bound == "" || seen[bound] || imp.Scope != "file" {
			continue
		}
		seen[bound] = true
		detail := module
		if member != "" {
			detail = module + "." + member
		}
		out = append(out, Completion{Name: bound, Kind: "import", Detail: detail})
	}
	return out, nil
}

func (a *ScriptAnalyzer) completions(syms []*store.Symbol) ([]Completion, error) {
	out := make([]Completion, 0, len(syms))
	for _, s := range syms {
		c := Completion{Name: s.Name, Kind: s.Kind}
		if s.Kind == "function" || s.Kind == "method" {
			sig, err := a.signatureOf(s)
			if err != nil {
				return nil, err
			}
			c.Detail = sig.String()
		}
		out = append(out, c)
	}
	return out, nil
}
