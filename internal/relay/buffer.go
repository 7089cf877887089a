// Package relay multiplexes browser WebSocket connections onto per-session
// agent connections, translating between the browser envelope protocol and
// the agent NDJSON wire protocol.
package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/indigoai-us/hq/pkg/protocol"
)

// BufferedMessage is one replayable entry in a session's ring buffer.
type BufferedMessage struct {
	ID       string
	Envelope protocol.Envelope
}

// MessageBuffer is a fixed-capacity ring of recently broadcast envelopes,
// used to replay events to browsers that reconnect. Oldest entries are
// evicted when the ring is full.
type MessageBuffer struct {
	mu       sync.Mutex
	entries  []BufferedMessage
	capacity int
}

// NewMessageBuffer creates a buffer holding up to capacity entries.
func NewMessageBuffer(capacity int) *MessageBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MessageBuffer{capacity: capacity}
}

// Push appends an envelope and returns its assigned message ID.
func (b *MessageBuffer) Push(env protocol.Envelope) string {
	id := uuid.New().String()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, BufferedMessage{ID: id, Envelope: env})
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
	return id
}

// GetAfter returns the entries strictly after lastID, oldest first. An
// unknown lastID (evicted or bogus) yields nothing: the suffix it names can
// no longer be identified. Callers wanting a full replay use GetAll.
func (b *MessageBuffer) GetAfter(lastID string) []BufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.entries) - 1; i >= 0; i-- {
		if b.entries[i].ID == lastID {
			out := make([]BufferedMessage, len(b.entries)-i-1)
			copy(out, b.entries[i+1:])
			return out
		}
	}
	return nil
}

// GetAll returns every buffered entry, oldest first.
func (b *MessageBuffer) GetAll() []BufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BufferedMessage, len(b.entries))
	copy(out, b.entries)
	return out
}

// Size returns the number of buffered entries.
func (b *MessageBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
