package sapling

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Diagnostic kinds.
const (
	DiagSyntax  = "syntax"
	DiagWarning = "warning"
	DiagTask    = "task"
	DiagIO      = "io"
)

// Diagnostic is a finding attached to a parse. Lines and columns are
// zero-based byte positions.
type Diagnostic struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	EndLine  int    `json:"end_line"`
	EndCol   int    `json:"end_col"`
	Message  string `json:"message"`
}

// Parser turns source text into a tree. Malformed input is reported through
// diagnostics and, when nothing usable could be built, a nil tree. A non-nil
// error means the parse was abandoned. Parsers must be safe for concurrent
// use when the Engine runs more than one parse worker. A parser that panics
// takes the process down; parse panics are never recovered.
type Parser interface {
	Parse(ctx context.Context, src []byte, settings Settings) (Tree, []Diagnostic, error)
}

// parseStage is the parse intake. Each entry has at most one pending
// request; the content is read when the request runs, so a request that was
// enqueued several times parses the latest content once.
type parseStage struct {
	backlog *backlog
	metrics *metrics
	process func(context.Context, *Entry)

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[Handle]*Entry
	order   []Handle
	active  int
	stopped bool
	wg      sync.WaitGroup
}

func newParseStage(bl *backlog, m *metrics, process func(context.Context, *Entry)) *parseStage {
	s := &parseStage{
		backlog: bl,
		metrics: m,
		process: process,
		pending: make(map[Handle]*Entry),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *parseStage) start(ctx context.Context, workers int) {
	for range workers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.work(ctx)
		}()
	}
	// Wake the workers when ctx ends so they observe it.
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
}

// enqueue requests a parse of e. It reports whether a new request was added
// rather than merged into a pending one.
func (s *parseStage) enqueue(e *Entry) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.pending[e.handle]; ok {
		s.mu.Unlock()
		return false
	}
	s.pending[e.handle] = e
	s.order = append(s.order, e.handle)
	s.updateDepthLocked()
	s.mu.Unlock()

	s.backlog.add(1)
	s.cond.Signal()
	return true
}

func (s *parseStage) work(ctx context.Context) {
	for {
		s.mu.Lock()
		for len(s.order) == 0 && !s.stopped && ctx.Err() == nil {
			s.cond.Wait()
		}
		if s.stopped || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		h := s.order[0]
		s.order = s.order[1:]
		e := s.pending[h]
		delete(s.pending, h)
		s.active++
		s.updateDepthLocked()
		s.mu.Unlock()

		s.process(ctx, e)

		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		s.backlog.add(-1)
	}
}

// pendingCount returns the number of requests waiting or running.
func (s *parseStage) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order) + s.active
}

func (s *parseStage) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	dropped := len(s.order)
	s.order = nil
	clear(s.pending)
	s.updateDepthLocked()
	s.cond.Broadcast()
	s.mu.Unlock()

	if dropped > 0 {
		s.backlog.add(-dropped)
	}
	s.wg.Wait()
}

func (s *parseStage) updateDepthLocked() {
	if s.metrics != nil {
		s.metrics.queueDepth.WithLabelValues("parse", PriorityNormal.String()).Set(float64(len(s.order)))
	}
}

// parseEntry runs one parse of e and publishes the result if no newer parse
// started meanwhile. A successful parse hands e to the analysis stage.
func (eng *Engine) parseEntry(ctx context.Context, e *Entry) {
	if e.Removed() {
		eng.metrics.parses.WithLabelValues("superseded").Inc()
		return
	}
	pctx, seq := e.beginParse(ctx)
	defer e.endParse(seq)

	c := e.snapshot()
	src, err := eng.readContent(e, c)
	res := &ParseResult{
		Seq: seq,
		Cookie: Cookie{
			Kind:    c.kind,
			Path:    e.id.Path,
			Member:  e.id.Member,
			Version: c.version,
		},
	}

	result := "ok"
	if err != nil {
		eng.logger.Warn("read failed", slog.String("entry", e.Path()), slog.Any("error", err))
		res.Diagnostics = []Diagnostic{{Kind: DiagIO, Severity: SeverityError, Message: err.Error()}}
		result = "unreadable"
	} else {
		res.Source = src
		res.Cookie.Hash = xxhash.Sum64(src)
		tree, diags, perr := eng.parser.Parse(pctx, src, eng.Settings())
		switch {
		case perr != nil && pctx.Err() != nil:
			eng.metrics.parses.WithLabelValues("superseded").Inc()
			return
		case perr != nil:
			diags = append(diags, Diagnostic{Kind: DiagSyntax, Severity: SeverityError, Message: perr.Error()})
		default:
			res.Tree = tree
		}
		res.Diagnostics = diags
	}

	prev := e.Parse()
	published := e.publishParse(res, func() {
		eng.errs.set(e.handle, res.HasErrors())
	})
	if !published {
		eng.metrics.parses.WithLabelValues("superseded").Inc()
		return
	}
	if res.HasErrors() && result == "ok" {
		result = "error"
	}
	eng.metrics.parses.WithLabelValues(result).Inc()

	if res.Tree == nil {
		return
	}
	if prev != nil && prev.Tree != nil && prev.Cookie.Hash == res.Cookie.Hash && e.Analysis() != nil {
		eng.metrics.analyses.WithLabelValues("skipped").Inc()
		return
	}
	eng.queue.Enqueue(&fileUnit{eng: eng, entry: e, reason: reasonEdit}, PriorityNormal)
}

// readContent returns the text of the content source snapshot c.
func (eng *Engine) readContent(e *Entry, c content) ([]byte, error) {
	if c.data != nil {
		return c.data, nil
	}
	switch c.kind {
	case SourceBuffer:
		return []byte{}, nil
	case SourceArchive:
		data, err := readArchiveMember(e.id.Path, e.id.Member)
		if err != nil {
			return nil, fmt.Errorf("sapling: read %s: %w", e.Path(), err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(e.id.Path)
		if err != nil {
			return nil, fmt.Errorf("sapling: read %s: %w", e.Path(), err)
		}
		return data, nil
	}
}

// errorSet tracks the entries whose last parse had errors.
type errorSet struct {
	mu      sync.RWMutex
	handles map[Handle]struct{}
}

func newErrorSet() *errorSet {
	return &errorSet{handles: make(map[Handle]struct{})}
}

func (s *errorSet) set(h Handle, hasErrors bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hasErrors {
		s.handles[h] = struct{}{}
	} else {
		delete(s.handles, h)
	}
}

func (s *errorSet) has(h Handle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handles[h]
	return ok
}

func (s *errorSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}
