package sapling

import "sync"

// backlog counts the work outstanding across the parse and analysis stages.
// Work handed from one stage to the next is added before it is released, so
// a zero count means both stages are idle at the same instant. Every change
// closes the current signal channel, waking all waiters.
type backlog struct {
	mu     sync.Mutex
	n      int
	signal chan struct{}
}

func newBacklog() *backlog {
	return &backlog{signal: make(chan struct{})}
}

func (b *backlog) add(delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n += delta
	close(b.signal)
	b.signal = make(chan struct{})
}

// state returns the outstanding count together with the channel closed on
// the next change.
func (b *backlog) state() (int, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n, b.signal
}

func (b *backlog) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
