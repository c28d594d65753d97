package events

import (
	"log/slog"
	"sync"

	"github.com/tamias-dev/tamias/pkg/protocol"
)

// Dispatcher fans session events out to subscribers. Per session, events are
// delivered in emit order by a dedicated pump goroutine, so Emit never blocks
// the caller. Subscribers are isolated from each other: a panicking handler
// is logged and skipped.
type Dispatcher struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Handler // sessionID -> subscriberID -> handler
	global   map[string]Handler            // subscriberID -> handler, sees every session

	qmu    sync.Mutex
	queues map[string]*queue
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		sessions: make(map[string]map[string]Handler),
		global:   make(map[string]Handler),
		queues:   make(map[string]*queue),
	}
}

// Emit enqueues an event for a session. The pump goroutine is started on
// first use and exits when the session's queue is closed and drained.
func (d *Dispatcher) Emit(sessionID string, ev protocol.Event) {
	d.qmu.Lock()
	q, ok := d.queues[sessionID]
	if !ok || q.isClosed() {
		q = newQueue()
		d.queues[sessionID] = q
		go d.pump(sessionID, q)
	}
	d.qmu.Unlock()
	q.push(ev)
}

// CloseSession stops the session's pump after any queued events drain.
func (d *Dispatcher) CloseSession(sessionID string) {
	d.qmu.Lock()
	q, ok := d.queues[sessionID]
	if ok {
		delete(d.queues, sessionID)
	}
	d.qmu.Unlock()
	if ok {
		q.close()
	}

	d.mu.Lock()
	delete(d.sessions, sessionID)
	d.mu.Unlock()
}

// Subscribe registers a handler for one session's events. An existing
// handler with the same subscriber id is replaced.
func (d *Dispatcher) Subscribe(sessionID, subscriberID string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs, ok := d.sessions[sessionID]
	if !ok {
		subs = make(map[string]Handler)
		d.sessions[sessionID] = subs
	}
	subs[subscriberID] = h
}

// Unsubscribe removes a per-session handler.
func (d *Dispatcher) Unsubscribe(sessionID, subscriberID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if subs, ok := d.sessions[sessionID]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(d.sessions, sessionID)
		}
	}
}

// SubscribeAll registers a handler for every session's events, used by the
// dashboard feed and attach clients.
func (d *Dispatcher) SubscribeAll(subscriberID string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global[subscriberID] = h
}

// UnsubscribeAll removes a firehose handler.
func (d *Dispatcher) UnsubscribeAll(subscriberID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.global, subscriberID)
}

func (d *Dispatcher) pump(sessionID string, q *queue) {
	for {
		ev, ok := q.pop()
		if !ok {
			return
		}
		d.deliver(sessionID, ev)
	}
}

func (d *Dispatcher) deliver(sessionID string, ev protocol.Event) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.sessions[sessionID])+len(d.global))
	for _, h := range d.sessions[sessionID] {
		handlers = append(handlers, h)
	}
	for _, h := range d.global {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event subscriber panicked", "session", sessionID, "event", ev.Type(), "panic", r)
				}
			}()
			h(sessionID, ev)
		}()
	}
}

// queue is an unbounded FIFO with blocking pop.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []protocol.Event
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(ev protocol.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed and drained.
func (q *queue) pop() (protocol.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
