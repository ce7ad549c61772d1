// Package core implements the Driftline session core.
// It provides a state-machine-based abstraction over the race protocol,
// exposing only control methods and events, never protocol internals.
package core

import (
	"log"
	"sync"
	"time"
)

// EventHandler consumes a dispatched event.
type EventHandler func(Event)

// Middleware runs before handler dispatch and may transform the event.
// Returning an error aborts that publish; the event itself must never be
// discarded (a nil result is treated as an error).
type Middleware func(Event) (Event, error)

// EventStats is the per-event-name metrics record kept by the Bus.
type EventStats struct {
	Count             uint64        `json:"count"`
	LastFired         time.Time     `json:"lastFired"`
	AvgHandlerLatency time.Duration `json:"avgHandlerLatency"`
	HandlerCount      int           `json:"handlerCount"`
}

type subscription struct {
	id       uint64
	handler  EventHandler
	priority int
	once     bool
}

type middlewareEntry struct {
	id uint64
	fn Middleware
}

type eventStats struct {
	count        uint64
	lastFired    time.Time
	meanNanos    float64
	samples      uint64
	handlerCount int
}

// Bus is a priority-ordered synchronous publish/subscribe hub with an
// optional deferred FIFO delivery mode. Handlers for the same event fire in
// descending priority order, registration order breaking ties. Synchronous
// publishes complete before Publish returns; deferred publishes are drained
// strictly FIFO by a single worker goroutine, one event per pass.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	mws    []*middlewareEntry
	stats  map[string]*eventStats
	nextID uint64

	queue  []Event
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// NewBus creates a Bus and starts its deferred-dispatch worker.
func NewBus() *Bus {
	b := &Bus{
		subs:  make(map[string][]*subscription),
		stats: make(map[string]*eventStats),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.runDeferred()
	return b
}

// Subscribe registers a durable handler for an event name and returns its
// unsubscribe func. Higher priority fires earlier; equal priorities fire in
// registration order.
func (b *Bus) Subscribe(name string, handler EventHandler, priority int) func() {
	return b.subscribe(name, handler, priority, false)
}

// SubscribeOnce registers a handler that self-removes immediately after its
// first invocation, even if that invocation panics.
func (b *Bus) SubscribeOnce(name string, handler EventHandler, priority int) func() {
	return b.subscribe(name, handler, priority, true)
}

func (b *Bus) subscribe(name string, handler EventHandler, priority int, once bool) func() {
	if handler == nil {
		log.Printf("[WARNING] bus: nil handler subscription for %q ignored", name)
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{
		id:       b.nextID,
		handler:  handler,
		priority: priority,
		once:     once,
	}

	// Insert after every existing subscription with priority >= ours so ties
	// keep registration order.
	list := b.subs[name]
	idx := len(list)
	for i, s := range list {
		if s.priority < priority {
			idx = i
			break
		}
	}
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = sub
	b.subs[name] = list
	b.mu.Unlock()

	return func() { b.removeSubscription(name, sub.id) }
}

func (b *Bus) removeSubscription(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[name]
	for i, s := range list {
		if s.id == id {
			b.subs[name] = append(list[:i], list[i+1:]...)
			if len(b.subs[name]) == 0 {
				delete(b.subs, name)
			}
			return
		}
	}
}

// AddMiddleware appends a middleware to the chain and returns its remove
// func. Middleware run in registration order on every publish.
func (b *Bus) AddMiddleware(mw Middleware) func() {
	if mw == nil {
		log.Printf("[WARNING] bus: nil middleware ignored")
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	entry := &middlewareEntry{id: b.nextID, fn: mw}
	b.mws = append(b.mws, entry)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.mws {
			if e.id == entry.id {
				b.mws = append(b.mws[:i], b.mws[i+1:]...)
				return
			}
		}
	}
}

// Publish dispatches the event synchronously: all current handlers for its
// name run, in order, on the caller before Publish returns.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.dispatch(ev)
}

// PublishDeferred appends the event to the internal FIFO. The bus worker
// drains it one event per pass, preserving order across all deferred
// publishes.
func (b *Bus) PublishDeferred(ev Event) {
	if ev == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		log.Printf("[WARNING] bus: deferred %q dropped, bus closed", ev.EventType())
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Stats returns the metrics record for an event name, if observed.
func (b *Bus) Stats(name string) (EventStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.stats[name]
	if !ok {
		return EventStats{}, false
	}
	return st.export(), true
}

// AllStats returns a snapshot of every observed event name's metrics.
func (b *Bus) AllStats() map[string]EventStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]EventStats, len(b.stats))
	for name, st := range b.stats {
		out[name] = st.export()
	}
	return out
}

// ClearStats drops all per-event metrics records.
func (b *Bus) ClearStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = make(map[string]*eventStats)
}

// Close stops the deferred worker. Deferred events still queued are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := len(b.queue)
	b.queue = nil
	b.mu.Unlock()

	if pending > 0 {
		log.Printf("[WARNING] bus: closing with %d deferred events pending", pending)
	}
	close(b.stop)
	<-b.done
}

func (b *Bus) runDeferred() {
	defer close(b.done)

	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
			for {
				b.mu.Lock()
				if len(b.queue) == 0 {
					b.mu.Unlock()
					break
				}
				ev := b.queue[0]
				b.queue = b.queue[1:]
				b.mu.Unlock()

				b.dispatch(ev)

				select {
				case <-b.stop:
					return
				default:
				}
			}
		}
	}
}

// dispatch runs the middleware chain, fires handlers in order, and records
// metrics for the event name. Handler panics are contained here.
func (b *Bus) dispatch(ev Event) {
	name := ev.EventType()

	b.mu.Lock()
	mws := make([]*middlewareEntry, len(b.mws))
	copy(mws, b.mws)
	b.mu.Unlock()

	for _, entry := range mws {
		out, err := entry.fn(ev)
		if err != nil {
			log.Printf("[WARNING] bus: middleware aborted %q: %v", name, err)
			return
		}
		if out == nil {
			log.Printf("[WARNING] bus: middleware returned nil event for %q, dispatch aborted", name)
			return
		}
		ev = out
	}
	// Middleware may transform but not rename: dispatch under the original name.

	b.mu.Lock()
	list := b.subs[name]
	snapshot := make([]*subscription, len(list))
	copy(snapshot, list)
	// Once-subscriptions are consumed by this dispatch. Removing them before
	// their handler runs keeps re-publishes from inside a handler from firing
	// them twice.
	for _, s := range snapshot {
		if s.once {
			b.removeLocked(name, s.id)
		}
	}
	b.mu.Unlock()

	durations := make([]time.Duration, 0, len(snapshot))
	for _, s := range snapshot {
		start := time.Now()
		b.invoke(name, s, ev)
		durations = append(durations, time.Since(start))
	}

	b.mu.Lock()
	st, ok := b.stats[name]
	if !ok {
		st = &eventStats{}
		b.stats[name] = st
	}
	st.count++
	st.lastFired = time.Now()
	st.handlerCount = len(snapshot)
	for _, d := range durations {
		st.samples++
		st.meanNanos += (float64(d.Nanoseconds()) - st.meanNanos) / float64(st.samples)
	}
	b.mu.Unlock()
}

func (b *Bus) removeLocked(name string, id uint64) {
	list := b.subs[name]
	for i, s := range list {
		if s.id == id {
			b.subs[name] = append(list[:i], list[i+1:]...)
			if len(b.subs[name]) == 0 {
				delete(b.subs, name)
			}
			return
		}
	}
}

func (b *Bus) invoke(name string, s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARNING] bus: handler panic for %q: %v", name, r)
		}
	}()
	s.handler(ev)
}

func (st *eventStats) export() EventStats {
	return EventStats{
		Count:             st.count,
		LastFired:         st.lastFired,
		AvgHandlerLatency: time.Duration(st.meanNanos),
		HandlerCount:      st.handlerCount,
	}
}
