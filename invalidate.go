package sapling

import (
	"fmt"
	"log/slog"
)

// Invalidation triggers, used as metric labels.
const (
	triggerAnalysis       = "analysis"
	triggerAlias          = "alias"
	triggerUnload         = "unload"
	triggerModulesChanged = "modules_changed"
)

// invalidate re-enqueues the importers of module at low priority so that
// ripple re-analysis never starves the user's own edits. skip is the entry
// that caused the invalidation.
func (eng *Engine) invalidate(module string, transitive bool, trigger string, skip *Entry) {
	paths, err := eng.analyzer.Importers(module, transitive)
	if err != nil {
		eng.logger.Warn("importer query failed", slog.String("module", module), slog.Any("error", err))
		return
	}
	for _, p := range paths {
		e, ok := eng.entries.resolveKey(p)
		if !ok || e == skip {
			continue
		}
		eng.requeue(e, trigger)
	}
}

// requeue queues a dependency re-analysis of e. Entries without a module
// name are only ever re-analyzed by their own edits.
func (eng *Engine) requeue(e *Entry, trigger string) {
	if e.Module() == "" {
		return
	}
	if eng.queue.Enqueue(&fileUnit{eng: eng, entry: e, reason: reasonDependency}, PriorityLow) {
		eng.metrics.invalidations.WithLabelValues(trigger).Inc()
	}
}

// aliasAdded handles a module that became importable under another name:
// the entry is re-analyzed to record the name and everything importing the
// alias, directly or not, is re-analyzed.
func (eng *Engine) aliasAdded(e *Entry, alias string) {
	eng.queue.Enqueue(&fileUnit{eng: eng, entry: e, reason: reasonRename}, PriorityNormal)
	eng.invalidate(alias, true, triggerAlias, e)
}

// ModulesChanged reports that the set of importable modules changed outside
// the engine. Importers of the named modules are re-analyzed, or every
// analyzed entry when no names are given.
func (eng *Engine) ModulesChanged(names ...string) error {
	if eng.closed.Load() {
		return ErrClosed
	}
	eng.events.publish(Event{Kind: EventModuleListChanged, Modules: names})
	if len(names) > 0 {
		for _, name := range names {
			eng.invalidate(name, true, triggerModulesChanged, nil)
		}
		return nil
	}
	paths, err := eng.analyzer.Analyzed()
	if err != nil {
		return fmt.Errorf("sapling: modules changed: %w", err)
	}
	for _, p := range paths {
		if e, ok := eng.entries.resolveKey(p); ok {
			eng.requeue(e, triggerModulesChanged)
		}
	}
	return nil
}
