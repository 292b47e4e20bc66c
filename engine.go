package sapling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jward/sapling/internal/runtime"
)

// Engine keeps the analysis of a changing set of Python files up to date.
// Producers (editor commands, crawlers, watchers) never block: content goes
// through the parse stage, parsed trees are analyzed one unit at a time by
// the analysis stage, and dependency invalidation re-queues importers.
type Engine struct {
	logger       *slog.Logger
	parser       Parser
	analyzer     Analyzer
	owned        io.Closer
	dbPath       string
	parseWorkers int
	registerer   prometheus.Registerer
	excludes     []string

	settingsMu sync.RWMutex
	settings   Settings

	entries *Registry
	errs    *errorSet
	backlog *backlog
	metrics *metrics
	events  eventBus
	queue   *Queue
	parse   *parseStage

	rootsMu sync.Mutex
	roots   []string

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates an Engine and starts its workers. Unless WithAnalyzer is
// given, the Engine owns a ScriptAnalyzer and closes it on Close.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		parseWorkers: 1,
		settings:     DefaultSettings(),
		entries:      NewRegistry(),
		errs:         newErrorSet(),
		backlog:      newBacklog(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if e.registerer == nil {
		e.registerer = prometheus.NewRegistry()
	}
	e.metrics = newMetrics(e.registerer)
	if e.parser == nil {
		e.parser = NewTreeSitterParser()
	}
	if e.analyzer == nil {
		a, err := NewScriptAnalyzer(e.dbPath, e.logger)
		if err != nil {
			return nil, err
		}
		e.analyzer = a
		e.owned = a
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.queue = newQueue(e.logger, e.backlog, e.metrics, func() {
		e.events.publish(Event{Kind: EventAnalysisStarted})
	})
	e.parse = newParseStage(e.backlog, e.metrics, e.parseEntry)
	e.queue.Start(ctx)
	e.parse.start(ctx, e.parseWorkers)
	return e, nil
}

// Close stops the workers, waiting for a running parse or analysis to
// finish, and releases the analyzer if the Engine owns it.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		e.parse.stop()
		e.queue.Stop()
		if e.owned != nil {
			err = e.owned.Close()
		}
	})
	return err
}

// Analyzer returns the analyzer the Engine drives.
func (e *Engine) Analyzer() Analyzer { return e.analyzer }

// Gatherer returns the metrics registry when the Engine's registerer can be
// scraped, or nil.
func (e *Engine) Gatherer() prometheus.Gatherer {
	g, _ := e.registerer.(prometheus.Gatherer)
	return g
}

// Subscribe registers fn for engine events and returns a function that
// removes it. fn runs on the goroutine that caused the event and must not
// block.
func (e *Engine) Subscribe(fn func(Event)) (cancel func()) {
	return e.events.subscribe(fn)
}

// AddFile registers a file and schedules its parse. discoveredFrom, when
// set, is the search root the file was found under; a file already known
// under another module name gains an alias. Files that are not Python
// source are tracked without being parsed.
func (e *Engine) AddFile(path, discoveredFrom string) (Handle, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("sapling: add file: %w", err)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return 0, fmt.Errorf("sapling: add file %s: %w", path, ErrNotSource)
	}

	id := FileIdentity(abs)
	if ent, ok := e.entries.Resolve(id); ok && discoveredFrom == "" {
		return ent.handle, nil
	}
	if !runtime.IsSource(abs) {
		ent, _ := e.entries.CreateOrGet(id, func(h Handle) *Entry { return newEntry(id, h) })
		return ent.handle, nil
	}
	module, isPackage := moduleName(e.searchRoot(abs, discoveredFrom), abs)
	return e.addDiscovered(id, module, isPackage, nil).handle, nil
}

// AddDirectory queues a crawl of root. The crawl runs on the analysis
// worker; AddDirectory returns immediately.
func (e *Engine) AddDirectory(root string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("sapling: add directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("sapling: add directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sapling: add directory: %s is not a directory", root)
	}
	e.queue.Enqueue(&directoryUnit{eng: e, root: abs}, PriorityNormal)
	return nil
}

// AddArchive queues a crawl of a zip archive.
func (e *Engine) AddArchive(path string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("sapling: add archive: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("sapling: add archive: %w", err)
	}
	e.queue.Enqueue(&archiveUnit{eng: e, path: abs}, PriorityNormal)
	return nil
}

// UnloadFile removes an entry. Everything that imported it is re-analyzed.
func (e *Engine) UnloadFile(h Handle) error {
	if e.closed.Load() {
		return ErrClosed
	}
	ent, err := e.entries.EntryFor(h)
	if err != nil {
		return err
	}
	names := ent.Names()
	if _, ok := e.entries.Remove(ent.id); !ok {
		return &UnknownEntryError{Handle: h}
	}
	e.errs.set(h, false)
	e.queue.Remove(fileKey(h))
	e.queue.Enqueue(&removeUnit{eng: e, entry: ent, names: names}, PriorityHigh)
	return nil
}

// ApplyChanges edits the entry's live buffer, creating it from the current
// content on first edit, and schedules a parse. Edits apply in order; if any
// is out of range none are applied.
func (e *Engine) ApplyChanges(h Handle, changes []Change) error {
	if e.closed.Load() {
		return ErrClosed
	}
	ent, err := e.entries.EntryFor(h)
	if err != nil {
		return err
	}
	var seed []byte
	if !ent.hasBuffer() {
		seed = e.committedText(ent)
	}
	if err := ent.applyChanges(changes, seed); err != nil {
		return err
	}
	if ent.IsSource() {
		e.parse.enqueue(ent)
	}
	return nil
}

// committedText is the entry's text without a live buffer: the last parsed
// source if there is one, else whatever can be read now.
func (e *Engine) committedText(ent *Entry) []byte {
	if p := ent.Parse(); p != nil && p.Source != nil && p.Cookie.Kind != SourceBuffer {
		return slices.Clone(p.Source)
	}
	data, err := e.readContent(ent, ent.committed())
	if err != nil {
		return []byte{}
	}
	return slices.Clone(data)
}

// CloseBuffer discards the live buffer so the entry follows its file again.
func (e *Engine) CloseBuffer(h Handle) error {
	if e.closed.Load() {
		return ErrClosed
	}
	ent, err := e.entries.EntryFor(h)
	if err != nil {
		return err
	}
	if ent.closeBuffer() && ent.IsSource() {
		e.parse.enqueue(ent)
	}
	return nil
}

// Reparse schedules a parse of the entry's current content.
func (e *Engine) Reparse(h Handle) error {
	if e.closed.Load() {
		return ErrClosed
	}
	ent, err := e.entries.EntryFor(h)
	if err != nil {
		return err
	}
	if ent.IsSource() {
		e.parse.enqueue(ent)
	}
	return nil
}

// HasErrors reports whether the entry's last parse had errors.
func (e *Engine) HasErrors(h Handle) (bool, error) {
	if _, err := e.entries.EntryFor(h); err != nil {
		return false, err
	}
	return e.errs.has(h), nil
}

// ErrorCount returns the number of entries whose last parse had errors.
func (e *Engine) ErrorCount() int { return e.errs.len() }

// Diagnostics returns the diagnostics of the entry's last parse.
func (e *Engine) Diagnostics(h Handle) ([]Diagnostic, error) {
	ent, err := e.entries.EntryFor(h)
	if err != nil {
		return nil, err
	}
	p := ent.Parse()
	if p == nil {
		return nil, nil
	}
	return slices.Clone(p.Diagnostics), nil
}

// Entry returns the entry for h.
func (e *Engine) Entry(h Handle) (*Entry, error) { return e.entries.EntryFor(h) }

// Lookup returns the entry for a file path, if registered.
func (e *Engine) Lookup(path string) (*Entry, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	return e.entries.Resolve(FileIdentity(abs))
}

// Entries returns every live entry ordered by handle.
func (e *Engine) Entries() []*Entry { return e.entries.Entries() }

// IsAnalyzing reports whether any parse or analysis work is outstanding.
func (e *Engine) IsAnalyzing() bool { return e.backlog.pending() > 0 }

// PendingCount returns the work waiting or running in each stage.
func (e *Engine) PendingCount() (parse, analysis int) {
	return e.parse.pendingCount(), e.queue.Pending()
}

// WaitForIdle blocks until no work is outstanding or ctx ends.
func (e *Engine) WaitForIdle(ctx context.Context) error {
	for {
		n, changed := e.backlog.state()
		if n == 0 {
			return nil
		}
		if e.closed.Load() {
			return ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Settings returns the current settings.
func (e *Engine) Settings() Settings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	s := e.settings
	s.TaskTokens = slices.Clone(s.TaskTokens)
	return s
}

// SetOptions replaces the settings. A change to the diagnostic policy
// re-parses every parsed entry.
func (e *Engine) SetOptions(s Settings) error {
	if e.closed.Load() {
		return ErrClosed
	}
	switch s.IndentSeverity {
	case "":
		s.IndentSeverity = SeverityWarning
	case SeverityIgnore, SeverityWarning, SeverityError:
	default:
		return fmt.Errorf("sapling: invalid indent severity %q", s.IndentSeverity)
	}

	e.settingsMu.Lock()
	old := e.settings
	e.settings = s
	e.settings.TaskTokens = slices.Clone(s.TaskTokens)
	e.settingsMu.Unlock()

	if old.IndentSeverity == s.IndentSeverity && slices.Equal(old.TaskTokens, s.TaskTokens) {
		return nil
	}
	for _, ent := range e.entries.Entries() {
		if ent.IsSource() && ent.Parse() != nil {
			e.parse.enqueue(ent)
		}
	}
	return nil
}

func (e *Engine) addRoot(root string) {
	e.rootsMu.Lock()
	defer e.rootsMu.Unlock()
	if !slices.Contains(e.roots, root) {
		e.roots = append(e.roots, root)
	}
}

// Roots returns the directories and archives registered as search roots.
func (e *Engine) Roots() []string {
	e.rootsMu.Lock()
	defer e.rootsMu.Unlock()
	return slices.Clone(e.roots)
}
