package sapling

import (
	"context"
	"fmt"
)

// unitReason says why a file unit was queued. Lower values are stronger.
type unitReason int

const (
	reasonEdit unitReason = iota
	reasonRename
	reasonDependency
)

// coalescer is implemented by units that absorb a later unit with the same
// key while pending.
type coalescer interface {
	coalesce(newer Unit) Unit
}

// fileUnit analyzes one entry from its latest published tree.
type fileUnit struct {
	eng    *Engine
	entry  *Entry
	reason unitReason
}

func fileKey(h Handle) string { return fmt.Sprintf("file:%d", h) }

func (u *fileUnit) Key() string { return fileKey(u.entry.handle) }

func (u *fileUnit) coalesce(newer Unit) Unit {
	if n, ok := newer.(*fileUnit); ok && n.reason < u.reason {
		return n
	}
	return u
}

func (u *fileUnit) Execute(ctx context.Context) error {
	eng, e := u.eng, u.entry
	if e.Removed() {
		return nil
	}
	res := e.Parse()
	if res == nil || res.Tree == nil {
		eng.metrics.analyses.WithLabelValues("skipped").Inc()
		return nil
	}

	prev := e.Analysis()
	// The analyzer has no safe preemption point, so a started analysis runs
	// to completion even when the engine is shutting down.
	a, err := eng.analyzer.Analyze(context.WithoutCancel(ctx), AnalysisRequest{
		Path:      e.Path(),
		Module:    e.Module(),
		Aliases:   e.Aliases(),
		IsPackage: e.IsPackage(),
		Tree:      res.Tree,
		Source:    res.Source,
		Cookie:    res.Cookie,
	})
	if err != nil {
		eng.metrics.analyses.WithLabelValues("error").Inc()
		return fmt.Errorf("sapling: analyze %s: %w", e.Path(), err)
	}
	e.analysis.Store(a)
	eng.metrics.analyses.WithLabelValues("ok").Inc()
	eng.events.publish(Event{Kind: EventAnalysisComplete, Handle: e.handle, Path: e.Path(), Modules: e.Names()})

	surfaceChanged := prev == nil || prev.SurfaceHash != a.SurfaceHash
	if u.reason != reasonEdit && !surfaceChanged {
		return nil
	}
	for _, name := range e.Names() {
		eng.invalidate(name, false, triggerAnalysis, e)
	}
	return nil
}

// removeUnit finishes an unload on the analysis worker: importers of every
// name the entry had are re-analyzed and the analyzer forgets the file.
type removeUnit struct {
	eng   *Engine
	entry *Entry
	names []string
}

func (u *removeUnit) Key() string { return fmt.Sprintf("remove:%d", u.entry.handle) }

func (u *removeUnit) Execute(ctx context.Context) error {
	for _, name := range u.names {
		u.eng.invalidate(name, true, triggerUnload, u.entry)
	}
	if err := u.eng.analyzer.Forget(u.entry.Path()); err != nil {
		return fmt.Errorf("sapling: forget %s: %w", u.entry.Path(), err)
	}
	return nil
}

// directoryUnit crawls a directory tree when run.
type directoryUnit struct {
	eng  *Engine
	root string
}

func (u *directoryUnit) Key() string { return "dir:" + u.root }

func (u *directoryUnit) Execute(ctx context.Context) error {
	return u.eng.crawlDirectory(ctx, u.root)
}

// archiveUnit crawls a zip archive when run.
type archiveUnit struct {
	eng  *Engine
	path string
}

func (u *archiveUnit) Key() string { return "archive:" + u.path }

func (u *archiveUnit) Execute(ctx context.Context) error {
	return u.eng.crawlArchive(ctx, u.path)
}
