package sapling

import (
	"slices"
	"sync"
)

// EventKind names an engine notification.
type EventKind string

const (
	// EventAnalysisStarted fires when the analysis worker goes from idle to
	// busy.
	EventAnalysisStarted EventKind = "analysis_started"

	// EventModuleListChanged fires when ModulesChanged is called.
	EventModuleListChanged EventKind = "module_list_changed"

	// EventAnalysisComplete fires after an entry's analysis is published.
	EventAnalysisComplete EventKind = "analysis_complete"
)

// Event is a notification delivered to subscribers.
type Event struct {
	Kind    EventKind `json:"kind"`
	Handle  Handle    `json:"handle,omitempty"`
	Path    string    `json:"path,omitempty"`
	Modules []string  `json:"modules,omitempty"`
}

type subscriber struct {
	id int
	fn func(Event)
}

// eventBus delivers events synchronously on the publishing goroutine.
// Subscribers must not block.
type eventBus struct {
	mu   sync.Mutex
	next int
	subs []subscriber
}

func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscriber) bool { return s.id == id })
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}
