package relay

import (
	"log/slog"
	"sync"
)

// Registry tracks the live SessionRelay of every session with at least one
// connected peer or an in-flight startup.
type Registry struct {
	mu          sync.RWMutex
	relays      map[string]*SessionRelay
	bufCapacity int
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(bufCapacity int, logger *slog.Logger) *Registry {
	return &Registry{
		relays:      make(map[string]*SessionRelay),
		bufCapacity: bufCapacity,
		logger:      logger,
	}
}

// Get returns the relay for sessionID, or nil.
func (g *Registry) Get(sessionID string) *SessionRelay {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.relays[sessionID]
}

// GetOrCreate returns the existing relay for sessionID or atomically creates
// one. The owner and initial prompt only apply on creation.
func (g *Registry) GetOrCreate(sessionID, ownerID, initialPrompt string) *SessionRelay {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.relays[sessionID]; ok {
		return r
	}
	r := newSessionRelay(sessionID, ownerID, initialPrompt, g.bufCapacity, g.logger)
	g.relays[sessionID] = r
	return r
}

// Remove drops the relay for sessionID and returns it, or nil.
func (g *Registry) Remove(sessionID string) *SessionRelay {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.relays[sessionID]
	delete(g.relays, sessionID)
	return r
}

// All returns a snapshot of every live relay.
func (g *Registry) All() []*SessionRelay {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*SessionRelay, 0, len(g.relays))
	for _, r := range g.relays {
		out = append(out, r)
	}
	return out
}

// Len returns the number of live relays.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relays)
}
