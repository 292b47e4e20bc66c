package sapling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addFile registers path and returns its entry once the engine is idle.
func addFile(t *testing.T, e *Engine, path string) *Entry {
	t.Helper()
	h, err := e.AddFile(path, "")
	require.NoError(t, err)
	waitIdle(t, e)
	ent, err := e.Entry(h)
	require.NoError(t, err)
	return ent
}

// replaceText swaps the whole text of an entry's buffer.
func replaceText(t *testing.T, e *Engine, ent *Entry, old, text string) {
	t.Helper()
	require.NoError(t, e.ApplyChanges(ent.Handle(), []Change{{Start: 0, Length: len(old), Text: text}}))
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *eventLog) find(kind EventKind) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func TestAddFile_ParsesAndAnalyzes(t *testing.T) {
	e, _, a := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "def f\n"})

	ent := addFile(t, e, filepath.Join(dir, "a.py"))

	assert.Equal(t, "a", ent.Module())
	require.NotNil(t, ent.Parse())
	assert.Equal(t, "def f\n", ent.Parse().Tree)
	assert.Equal(t, SourceFile, ent.Parse().Cookie.Kind)
	require.NotNil(t, ent.Analysis())
	assert.Equal(t, "f", ent.Analysis().SurfaceHash)
	assert.Equal(t, 1, a.count(ent.Path()))

	hasErrors, err := e.HasErrors(ent.Handle())
	require.NoError(t, err)
	assert.False(t, hasErrors)
	assert.False(t, e.IsAnalyzing())
	parse, analysis := e.PendingCount()
	assert.Zero(t, parse)
	assert.Zero(t, analysis)
}

func TestAddFile_SameFileReturnsSameHandle(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "def f\n"})
	p := filepath.Join(dir, "a.py")

	const callers = 16
	handles := make([]Handle, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := e.AddFile(p, "")
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()
	waitIdle(t, e)

	for _, h := range handles {
		assert.Equal(t, handles[0], h)
	}
	assert.Len(t, e.Entries(), 1)
}

func TestAddFile_DirectoryIsNotSource(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	_, err := e.AddFile(t.TempDir(), "")
	assert.ErrorIs(t, err, ErrNotSource)
}

func TestAddFile_NonSourceIsTrackedButNotParsed(t *testing.T) {
	e, p, _ := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"view.txt": "def f\n"})

	ent := addFile(t, e, filepath.Join(dir, "view.txt"))
	assert.False(t, ent.IsSource())
	assert.Empty(t, ent.Module())
	assert.Nil(t, ent.Parse())
	assert.Empty(t, p.callsContaining("def f"))

	require.NoError(t, e.Reparse(ent.Handle()))
	waitIdle(t, e)
	assert.Nil(t, ent.Parse())
}

func TestAddFile_ModuleNameFollowsPackages(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"pkg/__init__.py":     "",
		"pkg/sub/__init__.py": "",
		"pkg/sub/mod.py":      "def f\n",
	})

	mod := addFile(t, e, filepath.Join(dir, "pkg", "sub", "mod.py"))
	assert.Equal(t, "pkg.sub.mod", mod.Module())
	assert.False(t, mod.IsPackage())

	init := addFile(t, e, filepath.Join(dir, "pkg", "__init__.py"))
	assert.Equal(t, "pkg", init.Module())
	assert.True(t, init.IsPackage())
}

func TestAddFile_ImplicitProjectUsesOwnDirectory(t *testing.T) {
	e, _, _ := newFakeEngine(t, WithSettings(Settings{ImplicitProject: true, IndentSeverity: SeverityWarning}))
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"pkg/__init__.py": "",
		"pkg/mod.py":      "def f\n",
	})

	ent := addFile(t, e, filepath.Join(dir, "pkg", "mod.py"))
	assert.Equal(t, "mod", ent.Module())
}

func TestAddFile_SecondRootAddsAliasAndReanalyzesImporters(t *testing.T) {
	e, _, a := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"pkg/__init__.py": "",
		"pkg/mod.py":      "def f\n",
		"client.py":       "import mod\n",
	})
	modPath := filepath.Join(dir, "pkg", "mod.py")

	h, err := e.AddFile(modPath, dir)
	require.NoError(t, err)
	client := addFile(t, e, filepath.Join(dir, "client.py"))
	mod, err := e.Entry(h)
	require.NoError(t, err)
	assert.Equal(t, "pkg.mod", mod.Module())
	a.resetCounts()

	h2, err := e.AddFile(modPath, filepath.Join(dir, "pkg"))
	require.NoError(t, err)
	waitIdle(t, e)

	assert.Equal(t, h, h2)
	assert.Equal(t, []string{"pkg.mod", "mod"}, mod.Names())
	assert.Equal(t, 1, a.count(mod.Path()))
	assert.Equal(t, 1, a.count(client.Path()))
}

func TestParse_SupersededParseNeverPublishes(t *testing.T) {
	e, p, a := newFakeEngine(t, WithParseWorkers(2))
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "#block\ndef old\n"})

	h, err := e.AddFile(filepath.Join(dir, "a.py"), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.callsContaining("def old")) == 1 },
		5*time.Second, 5*time.Millisecond)

	ent, err := e.Entry(h)
	require.NoError(t, err)
	require.NoError(t, e.ApplyChanges(h, []Change{{Start: 0, Length: 6, Text: "#open "}}))
	waitIdle(t, e)

	require.NotNil(t, ent.Parse())
	assert.Equal(t, "#open \ndef old\n", ent.Parse().Tree)
	assert.Equal(t, SourceBuffer, ent.Parse().Cookie.Kind)
	assert.Equal(t, 1, ent.Parse().Cookie.Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.parses.WithLabelValues("superseded")))
	assert.Equal(t, 1, a.count(ent.Path()))
}

func TestParse_RepeatedRequestsParseLatestContentOnce(t *testing.T) {
	e, p, _ := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "#block\n"})

	h, err := e.AddFile(filepath.Join(dir, "a.py"), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.callsContaining("#block")) == 1 },
		5*time.Second, 5*time.Millisecond)

	// The only worker is busy, so these edits pile onto one pending request.
	text := "#block\n"
	for _, add := range []string{"a", "b", "c"} {
		require.NoError(t, e.ApplyChanges(h, []Change{{Start: len(text), Length: 0, Text: add}}))
		text += add
	}
	parse, _ := e.PendingCount()
	assert.Equal(t, 2, parse, "one running, one pending")

	p.release()
	waitIdle(t, e)

	calls := p.callsContaining("#block")
	require.Len(t, calls, 2)
	assert.Equal(t, "#block\nabc", calls[1])
	ent, err := e.Entry(h)
	require.NoError(t, err)
	assert.Equal(t, "#block\nabc", ent.Parse().Tree)
}

func TestParse_SyntaxErrorKeepsPreviousAnalysis(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "def f\n"})
	ent := addFile(t, e, filepath.Join(dir, "a.py"))
	before := ent.Analysis()
	require.NotNil(t, before)

	replaceText(t, e, ent, "def f\n", "def f(\n!syntax\n")
	waitIdle(t, e)

	hasErrors, err := e.HasErrors(ent.Handle())
	require.NoError(t, err)
	assert.True(t, hasErrors)
	assert.Equal(t, 1, e.ErrorCount())
	assert.Same(t, before, ent.Analysis())
	diags, err := e.Diagnostics(ent.Handle())
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, DiagSyntax, diags[0].Kind)

	replaceText(t, e, ent, "def f(\n!syntax\n", "def g\n")
	waitIdle(t, e)
	hasErrors, err = e.HasErrors(ent.Handle())
	require.NoError(t, err)
	assert.False(t, hasErrors)
	assert.Zero(t, e.ErrorCount())
	assert.Equal(t, "g", ent.Analysis().SurfaceHash)
}

func TestParse_UnreadableFileReportsIODiagnostic(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	ent := addFile(t, e, filepath.Join(t.TempDir(), "gone.py"))

	require.NotNil(t, ent.Parse())
	assert.Nil(t, ent.Parse().Tree)
	assert.Nil(t, ent.Analysis())
	diags, err := e.Diagnostics(ent.Handle())
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, DiagIO, diags[0].Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.parses.WithLabelValues("unreadable")))
}

func TestParse_UnchangedContentSkipsAnalysis(t *testing.T) {
	e, p, a := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "def f\n"})
	ent := addFile(t, e, filepath.Join(dir, "a.py"))

	require.NoError(t, e.Reparse(ent.Handle()))
	waitIdle(t, e)

	assert.Len(t, p.callsContaining("def f"), 2)
	assert.Equal(t, 1, a.count(ent.Path()))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.analyses.WithLabelValues("skipped")))
}

func TestApplyChanges_Errors(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	err := e.ApplyChanges(99, []Change{{Text: "x"}})
	assert.ErrorIs(t, err, ErrUnknownEntry)

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "def f\n"})
	ent := addFile(t, e, filepath.Join(dir, "a.py"))

	err = e.ApplyChanges(ent.Handle(), []Change{{Start: 100, Length: 1, Text: "x"}})
	require.Error(t, err)
	assert.False(t, ent.hasBuffer())
	assert.Equal(t, SourceFile, ent.Parse().Cookie.Kind)
}

func TestCloseBuffer_FollowsFileAgain(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "def f\n"})
	ent := addFile(t, e, filepath.Join(dir, "a.py"))

	replaceText(t, e, ent, "def f\n", "def g\n")
	waitIdle(t, e)
	assert.Equal(t, "def g\n", ent.Parse().Tree)

	require.NoError(t, e.CloseBuffer(ent.Handle()))
	waitIdle(t, e)
	assert.Equal(t, "def f\n", ent.Parse().Tree)
	assert.Equal(t, SourceFile, ent.Parse().Cookie.Kind)
}

func TestInvalidation_EditReanalyzesDirectImporterOnce(t *testing.T) {
	e, _, a := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.py": "import b\n",
		"b.py": "def g\n",
	})
	entA := addFile(t, e, filepath.Join(dir, "a.py"))
	entB := addFile(t, e, filepath.Join(dir, "b.py"))
	a.resetCounts()
	before := testutil.ToFloat64(e.metrics.invalidations.WithLabelValues(triggerAnalysis))

	block := newBlockingUnit()
	e.queue.Enqueue(block, PriorityHigh)
	<-block.started

	text := "def g\n"
	for _, add := range []string{"x = 1\n", "y = 2\n", "z = 3\n"} {
		require.NoError(t, e.ApplyChanges(entB.Handle(), []Change{{Start: len(text), Length: 0, Text: add}}))
		text += add
	}
	require.Eventually(t, func() bool {
		parse, _ := e.PendingCount()
		return parse == 0
	}, 5*time.Second, 5*time.Millisecond)
	close(block.release)
	waitIdle(t, e)

	assert.Equal(t, 1, a.count(entB.Path()))
	assert.Equal(t, 1, a.count(entA.Path()))
	assert.Equal(t, before+1, testutil.ToFloat64(e.metrics.invalidations.WithLabelValues(triggerAnalysis)))
}

func TestInvalidation_DependencyStopsWhenSurfaceUnchanged(t *testing.T) {
	e, _, a := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.py": "def f\n",
		"b.py": "import a\ndef g\n",
		"c.py": "import b\n",
	})
	entA := addFile(t, e, filepath.Join(dir, "a.py"))
	entB := addFile(t, e, filepath.Join(dir, "b.py"))
	entC := addFile(t, e, filepath.Join(dir, "c.py"))
	a.resetCounts()

	require.NoError(t, e.ApplyChanges(entA.Handle(), []Change{{Start: 6, Length: 0, Text: "x = 1\n"}}))
	waitIdle(t, e)

	assert.Equal(t, 1, a.count(entA.Path()))
	assert.Equal(t, 1, a.count(entB.Path()))
	assert.Zero(t, a.count(entC.Path()))
}

func TestUnloadFile_ReanalyzesTransitiveImporters(t *testing.T) {
	e, _, a := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.py": "def f\n",
		"b.py": "import a\n",
		"c.py": "import b\n",
		"d.py": "def h\n",
	})
	entA := addFile(t, e, filepath.Join(dir, "a.py"))
	entB := addFile(t, e, filepath.Join(dir, "b.py"))
	entC := addFile(t, e, filepath.Join(dir, "c.py"))
	entD := addFile(t, e, filepath.Join(dir, "d.py"))
	a.resetCounts()

	require.NoError(t, e.UnloadFile(entA.Handle()))
	waitIdle(t, e)

	assert.True(t, entA.Removed())
	assert.Equal(t, 1, a.count(entB.Path()))
	assert.Equal(t, 1, a.count(entC.Path()))
	assert.Zero(t, a.count(entD.Path()))
	analyzed, err := a.Analyzed()
	require.NoError(t, err)
	assert.NotContains(t, analyzed, entA.Path())

	_, err = e.Entry(entA.Handle())
	assert.ErrorIs(t, err, ErrUnknownEntry)
	assert.ErrorIs(t, e.UnloadFile(entA.Handle()), ErrUnknownEntry)

	h, err := e.AddFile(filepath.Join(dir, "a.py"), "")
	require.NoError(t, err)
	assert.Greater(t, h, entD.Handle(), "a re-added file gets a fresh handle")
	waitIdle(t, e)
}

func TestUnloadFile_DuringParseLeavesNoErrorCount(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	dir := t.TempDir()
	for i := range 50 {
		path := filepath.Join(dir, fmt.Sprintf("bad%d.py", i))
		writeFiles(t, dir, map[string]string{filepath.Base(path): "!syntax\n"})
		h, err := e.AddFile(path, "")
		require.NoError(t, err)
		require.NoError(t, e.UnloadFile(h))
	}
	waitIdle(t, e)
	assert.Zero(t, e.ErrorCount())
	assert.Empty(t, e.Entries())
}

func TestModulesChanged_NamedAndAll(t *testing.T) {
	e, _, a := newFakeEngine(t)
	var log eventLog
	defer e.Subscribe(log.record)()

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.py": "import ext\n",
		"b.py": "def g\n",
	})
	entA := addFile(t, e, filepath.Join(dir, "a.py"))
	entB := addFile(t, e, filepath.Join(dir, "b.py"))
	a.resetCounts()

	require.NoError(t, e.ModulesChanged("ext"))
	waitIdle(t, e)
	ev, ok := log.find(EventModuleListChanged)
	require.True(t, ok)
	assert.Equal(t, []string{"ext"}, ev.Modules)
	assert.Equal(t, 1, a.count(entA.Path()))
	assert.Zero(t, a.count(entB.Path()))

	a.resetCounts()
	require.NoError(t, e.ModulesChanged())
	waitIdle(t, e)
	assert.Equal(t, 1, a.count(entA.Path()))
	assert.Equal(t, 1, a.count(entB.Path()))
}

func TestEvents_AnalysisStartedThenComplete(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	var log eventLog
	cancel := e.Subscribe(log.record)

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "def f\n"})
	ent := addFile(t, e, filepath.Join(dir, "a.py"))
	cancel()

	kinds := log.kinds()
	require.Len(t, kinds, 2)
	assert.Equal(t, EventAnalysisStarted, kinds[0])
	assert.Equal(t, EventAnalysisComplete, kinds[1])
	ev, _ := log.find(EventAnalysisComplete)
	assert.Equal(t, ent.Handle(), ev.Handle)
	assert.Equal(t, []string{"a"}, ev.Modules)

	require.NoError(t, e.Reparse(ent.Handle()))
	waitIdle(t, e)
	assert.Len(t, log.kinds(), 2, "no events after unsubscribing")
}

func TestEngine_IdleMeansBothStagesEmpty(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	dir := t.TempDir()
	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		files[name+".py"] = "import a\ndef " + name + "\n"
	}
	writeFiles(t, dir, files)

	var mu sync.Mutex
	var violations int
	defer e.Subscribe(func(ev Event) {
		if ev.Kind != EventAnalysisComplete {
			return
		}
		// A unit is running, so the engine cannot report idle.
		if !e.IsAnalyzing() {
			mu.Lock()
			violations++
			mu.Unlock()
		}
	})()

	for name := range files {
		_, err := e.AddFile(filepath.Join(dir, name), "")
		require.NoError(t, err)
	}
	waitIdle(t, e)

	parse, analysis := e.PendingCount()
	assert.Zero(t, parse)
	assert.Zero(t, analysis)
	assert.False(t, e.queue.Busy())
	mu.Lock()
	assert.Zero(t, violations)
	mu.Unlock()
}

func TestAnalysisFailureKeepsPreviousResult(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "def f\n"})
	ent := addFile(t, e, filepath.Join(dir, "a.py"))
	before := ent.Analysis()

	replaceText(t, e, ent, "def f\n", "def f\nFAIL\n")
	waitIdle(t, e)
	assert.Same(t, before, ent.Analysis())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.analyses.WithLabelValues("error")))

	replaceText(t, e, ent, "def f\nFAIL\n", "def f\nPANIC\n")
	waitIdle(t, e)
	assert.Same(t, before, ent.Analysis())

	replaceText(t, e, ent, "def f\nPANIC\n", "def g\n")
	waitIdle(t, e)
	assert.Equal(t, "g", ent.Analysis().SurfaceHash)
}

func TestSetOptions(t *testing.T) {
	e, p, a := newFakeEngine(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "def f\n"})
	ent := addFile(t, e, filepath.Join(dir, "a.py"))

	assert.Error(t, e.SetOptions(Settings{IndentSeverity: "loud"}))

	require.NoError(t, e.SetOptions(Settings{IndentSeverity: SeverityWarning}))
	waitIdle(t, e)
	assert.Len(t, p.callsContaining("def f"), 1, "unchanged policy does not re-parse")

	require.NoError(t, e.SetOptions(Settings{IndentSeverity: SeverityError, TaskTokens: []string{"FIXME"}}))
	waitIdle(t, e)
	assert.Len(t, p.callsContaining("def f"), 2)
	assert.Equal(t, 1, a.count(ent.Path()), "identical content is not re-analyzed")
	assert.Equal(t, SeverityError, e.Settings().IndentSeverity)

	require.NoError(t, e.SetOptions(Settings{}))
	assert.Equal(t, SeverityWarning, e.Settings().IndentSeverity)
}

func TestClosedEngineRejectsWork(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	require.NoError(t, e.Close())

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.py": "def f\n"})
	_, err := e.AddFile(filepath.Join(dir, "a.py"), "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.AddDirectory(dir), ErrClosed)
	assert.ErrorIs(t, e.ModulesChanged(), ErrClosed)
	assert.ErrorIs(t, e.SetOptions(DefaultSettings()), ErrClosed)
	require.NoError(t, e.WaitForIdle(context.Background()))
}

func TestUnknownHandles(t *testing.T) {
	e, _, _ := newFakeEngine(t)
	_, err := e.HasErrors(7)
	assert.ErrorIs(t, err, ErrUnknownEntry)
	_, err = e.Diagnostics(7)
	assert.ErrorIs(t, err, ErrUnknownEntry)
	assert.ErrorIs(t, e.CloseBuffer(7), ErrUnknownEntry)
	assert.ErrorIs(t, e.Reparse(7), ErrUnknownEntry)
	_, ok := e.Lookup(filepath.Join(os.TempDir(), "nothing.py"))
	assert.False(t, ok)
}
