package relay

import (
	"sync"
	"time"
)

// ConnectionTimeouts tracks one named timer per session, used to fail
// sessions whose agent never connects. Setting a timer for a session that
// already has one replaces it.
type ConnectionTimeouts struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewConnectionTimeouts creates an empty timer set.
func NewConnectionTimeouts() *ConnectionTimeouts {
	return &ConnectionTimeouts{timers: make(map[string]*time.Timer)}
}

// Set arms (or re-arms) the timer for sessionID. fn runs once after d unless
// Clear is called first; the timer removes itself before firing.
func (t *ConnectionTimeouts) Set(sessionID string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[sessionID]; ok {
		old.Stop()
	}
	t.timers[sessionID] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, sessionID)
		t.mu.Unlock()
		fn()
	})
}

// Clear stops and removes the timer for sessionID, if any.
func (t *ConnectionTimeouts) Clear(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[sessionID]; ok {
		timer.Stop()
		delete(t.timers, sessionID)
	}
}

// Has reports whether a timer is armed for sessionID.
func (t *ConnectionTimeouts) Has(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[sessionID]
	return ok
}
