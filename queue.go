package sapling

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Priority orders analysis units. Higher tiers always run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Unit is one piece of work for the analysis worker. Units with equal keys
// are the same work and are never queued twice.
type Unit interface {
	Key() string
	Execute(ctx context.Context) error
}

type queued struct {
	unit     Unit
	priority Priority
}

// Queue is the analysis stage: a priority work queue drained by a single
// worker, since the analyzer is not safe for concurrent mutation. Units are
// FIFO within a tier.
type Queue struct {
	logger  *slog.Logger
	backlog *backlog
	metrics *metrics
	onStart func()

	mu      sync.Mutex
	tiers   [PriorityHigh + 1]*list.List
	index   map[string]*list.Element
	running bool
	active  bool
	started bool
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newQueue(logger *slog.Logger, bl *backlog, m *metrics, onStart func()) *Queue {
	q := &Queue{
		logger:  logger,
		backlog: bl,
		metrics: m,
		onStart: onStart,
		index:   make(map[string]*list.Element),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for i := range q.tiers {
		q.tiers[i] = list.New()
	}
	return q
}

// Enqueue adds u at priority p and reports whether new work was queued.
// A unit whose key is already pending at the same or a higher priority is
// coalesced into the pending one; pending at a lower priority it is promoted
// to p. Units implementing coalescer decide which of the two survives.
func (q *Queue) Enqueue(u Unit, p Priority) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	key := u.Key()
	if el, ok := q.index[key]; ok {
		cur := el.Value.(*queued)
		if cur.priority >= p {
			if c, ok := cur.unit.(coalescer); ok {
				cur.unit = c.coalesce(u)
			}
			q.mu.Unlock()
			return false
		}
		if c, ok := u.(coalescer); ok {
			u = c.coalesce(cur.unit)
		}
		q.tiers[cur.priority].Remove(el)
		q.index[key] = q.tiers[p].PushBack(&queued{unit: u, priority: p})
		q.updateDepthLocked(cur.priority, p)
		q.mu.Unlock()
		return false
	}
	q.index[key] = q.tiers[p].PushBack(&queued{unit: u, priority: p})
	q.updateDepthLocked(p)
	q.mu.Unlock()

	q.backlog.add(1)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Remove drops the pending unit with key, if any.
func (q *Queue) Remove(key string) bool {
	q.mu.Lock()
	el, ok := q.index[key]
	if !ok {
		q.mu.Unlock()
		return false
	}
	cur := el.Value.(*queued)
	q.tiers[cur.priority].Remove(el)
	delete(q.index, key)
	q.updateDepthLocked(cur.priority)
	q.mu.Unlock()

	q.backlog.add(-1)
	return true
}

// Pending returns the number of queued units, excluding the one running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// PendingAt returns the number of queued units at priority p.
func (q *Queue) PendingAt(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tiers[p].Len()
}

// Busy reports whether a unit is running or waiting to run.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running || len(q.index) > 0
}

// Start launches the worker. It runs until Stop is called or ctx ends.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.run(ctx)
}

// Stop prevents further units from starting and waits for the running one,
// if any, to finish. Pending units are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		if q.started {
			<-q.done
		}
		return
	}
	q.stopped = true
	dropped := len(q.index)
	for p := range q.tiers {
		q.tiers[p].Init()
		q.updateDepthLocked(Priority(p))
	}
	clear(q.index)
	started := q.started
	q.mu.Unlock()

	if dropped > 0 {
		q.backlog.add(-dropped)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	if started {
		<-q.done
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		u, ok := q.next(ctx)
		if !ok {
			return
		}
		if err := q.safeExecute(ctx, u); err != nil {
			q.logger.Warn("analysis unit failed", slog.String("unit", u.Key()), slog.Any("error", err))
		}
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		q.backlog.add(-1)
	}
}

// next blocks until a unit is available or the queue stops. The first unit
// after an idle period fires onStart.
func (q *Queue) next(ctx context.Context) (Unit, bool) {
	for {
		q.mu.Lock()
		if q.stopped || ctx.Err() != nil {
			q.mu.Unlock()
			return nil, false
		}
		for p := PriorityHigh; p >= PriorityLow; p-- {
			front := q.tiers[p].Front()
			if front == nil {
				continue
			}
			cur := q.tiers[p].Remove(front).(*queued)
			delete(q.index, cur.unit.Key())
			q.updateDepthLocked(p)
			q.running = true
			activated := !q.active
			q.active = true
			q.mu.Unlock()
			if activated && q.onStart != nil {
				q.onStart()
			}
			return cur.unit, true
		}
		q.active = false
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
		}
	}
}

// safeExecute runs u, turning panics into errors. Fatal errors, returned or
// raised, are re-panicked.
func (q *Queue) safeExecute(ctx context.Context, u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok && IsFatal(rerr) {
				panic(r)
			}
			err = fmt.Errorf("sapling: unit %s panicked: %v", u.Key(), r)
		}
	}()
	err = u.Execute(ctx)
	if IsFatal(err) {
		panic(err)
	}
	return err
}

func (q *Queue) updateDepthLocked(ps ...Priority) {
	if q.metrics == nil {
		return
	}
	for _, p := range ps {
		q.metrics.queueDepth.WithLabelValues("analysis", p.String()).Set(float64(q.tiers[p].Len()))
	}
}
