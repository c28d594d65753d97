package bridges

import (
	"log/slog"
	"sync"
	"time"
)

// typingController repeats a platform typing action until stopped, with a
// hard TTL so a lost done event cannot leave the indicator stuck forever.
type typingController struct {
	stop chan struct{}
	once sync.Once
}

// startTyping fires fn immediately and then every interval until Stop or the
// TTL. Errors are logged at debug level; a failed indicator never aborts the
// turn.
func startTyping(interval, ttl time.Duration, fn func() error) *typingController {
	t := &typingController{stop: make(chan struct{})}
	go func() {
		if err := fn(); err != nil {
			slog.Debug("typing indicator failed", "error", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		deadline := time.NewTimer(ttl)
		defer deadline.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				if err := fn(); err != nil {
					slog.Debug("typing indicator failed", "error", err)
				}
			}
		}
	}()
	return t
}

// Stop halts the keepalive. Safe to call more than once.
func (t *typingController) Stop() {
	t.once.Do(func() { close(t.stop) })
}
