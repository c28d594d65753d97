package bridges

import (
	"strings"
	"sync"
)

// conv tracks one conversation's transient bridge state: the chunk buffer
// for the running turn, the FIFO of accepted-but-not-started messages and
// the one currently being processed. R is the platform's handle for an
// inbound message, kept so reactions can be updated later.
//
// The reaction protocol: push returns true when the message is next in line
// (gets eyes), false when it waits behind others (hourglass). begin pops the
// head into the current slot so its reaction can be cleared. finish releases
// the current slot and returns the new head, which is promoted to eyes.
type conv[R any] struct {
	mu         sync.Mutex
	buf        strings.Builder
	pending    []R
	current    R
	hasCurrent bool
	stopTyping func()
}

// push records an accepted message. The returned flag is true when nothing
// is running or queued ahead of it.
func (c *conv[R]) push(ref R) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := !c.hasCurrent && len(c.pending) == 0
	c.pending = append(c.pending, ref)
	return first
}

// begin moves the queue head into the current slot. ok is false when the
// turn was triggered outside the bridge (API enqueue, heartbeat) and there
// is no platform message to clear a reaction on.
func (c *conv[R]) begin() (ref R, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		var zero R
		c.current = zero
		c.hasCurrent = true
		return zero, false
	}
	c.current = c.pending[0]
	c.pending = c.pending[1:]
	c.hasCurrent = true
	return c.current, true
}

// finish releases the current slot. It returns the new queue head so the
// bridge can promote its reaction; ok is false when the queue is empty.
func (c *conv[R]) finish() (next R, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero R
	c.current = zero
	c.hasCurrent = false
	if len(c.pending) == 0 {
		return zero, false
	}
	return c.pending[0], true
}

// append buffers turn output. Buffered text is flushed in one go on done.
func (c *conv[R]) append(text string) {
	c.mu.Lock()
	c.buf.WriteString(text)
	c.mu.Unlock()
}

// take drains the chunk buffer.
func (c *conv[R]) take() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buf.String()
	c.buf.Reset()
	return out
}

// setTyping installs the turn's typing stopper, stopping any previous one.
func (c *conv[R]) setTyping(stop func()) {
	c.mu.Lock()
	prev := c.stopTyping
	c.stopTyping = stop
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// endTyping stops the typing indicator if one is running.
func (c *conv[R]) endTyping() {
	c.mu.Lock()
	stop := c.stopTyping
	c.stopTyping = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// convTable lazily creates one conv per conversation key.
type convTable[R any] struct {
	m sync.Map // conversation key → *conv[R]
}

func (t *convTable[R]) get(key string) *conv[R] {
	v, _ := t.m.LoadOrStore(key, &conv[R]{})
	return v.(*conv[R])
}
