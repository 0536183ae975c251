package http

import (
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// SessionTracker owns the per-connection goroutines. Once closed it refuses
// new sessions, so Wait never races with a late upgrade.
type SessionTracker struct {
	mu      sync.Mutex
	closing bool
	wg      conc.WaitGroup
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{}
}

// Go starts f unless the tracker is closed. It reports whether f was started.
func (t *SessionTracker) Go(f func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return false
	}
	t.wg.Go(f)
	return true
}

// Close stops accepting sessions. Sessions already started keep running.
func (t *SessionTracker) Close() {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
}

// Wait closes the tracker and blocks until every started session returns.
// A panic in a session is returned instead of re-raised.
func (t *SessionTracker) Wait() *panics.Recovered {
	t.Close()
	return t.wg.WaitAndRecover()
}
