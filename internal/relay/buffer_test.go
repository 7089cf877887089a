package relay

import (
	"fmt"
	"testing"

	"github.com/indigoai-us/hq/pkg/protocol"
)

func pushN(b *MessageBuffer, n int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = b.Push(protocol.NewEnvelope(protocol.TypeSessionMessage, map[string]any{"n": i}))
	}
	return ids
}

func TestBufferPushAndSize(t *testing.T) {
	b := NewMessageBuffer(10)
	if b.Size() != 0 {
		t.Fatalf("empty buffer size: got %d", b.Size())
	}
	ids := pushN(b, 3)
	if b.Size() != 3 {
		t.Errorf("size: got %d, want 3", b.Size())
	}
	if ids[0] == ids[1] {
		t.Error("message IDs not unique")
	}
}

func TestBufferEviction(t *testing.T) {
	b := NewMessageBuffer(5)
	pushN(b, 8)
	if b.Size() != 5 {
		t.Fatalf("size after overflow: got %d, want 5", b.Size())
	}
	all := b.GetAll()
	// The oldest three entries were evicted: the first survivor is n=3.
	first := all[0].Envelope.Payload.(map[string]any)
	if first["n"] != 3 {
		t.Errorf("oldest survivor: got n=%v, want 3", first["n"])
	}
}

func TestBufferCapacityBoundary(t *testing.T) {
	b := NewMessageBuffer(5)
	pushN(b, 5)
	if b.Size() != 5 {
		t.Fatalf("size at exact capacity: got %d, want 5", b.Size())
	}
	all := b.GetAll()
	if all[0].Envelope.Payload.(map[string]any)["n"] != 0 {
		t.Error("entry evicted at exact capacity")
	}
}

func TestBufferGetAfter(t *testing.T) {
	b := NewMessageBuffer(10)
	ids := pushN(b, 5)

	after := b.GetAfter(ids[2])
	if len(after) != 2 {
		t.Fatalf("GetAfter(mid): got %d entries, want 2", len(after))
	}
	if after[0].ID != ids[3] || after[1].ID != ids[4] {
		t.Error("GetAfter returned wrong entries")
	}

	// Newest ID yields nothing.
	if got := b.GetAfter(ids[4]); len(got) != 0 {
		t.Errorf("GetAfter(newest): got %d entries, want 0", len(got))
	}

	// Pushing one more makes it the suffix after the previous newest.
	next := b.Push(protocol.NewEnvelope(protocol.TypeSessionMessage, map[string]any{"n": 5}))
	after = b.GetAfter(ids[4])
	if len(after) != 1 || after[0].ID != next {
		t.Errorf("GetAfter(prev newest): got %d entries", len(after))
	}
}

func TestBufferGetAfterUnknownIDReturnsNothing(t *testing.T) {
	b := NewMessageBuffer(3)
	ids := pushN(b, 3)
	// Evict the first entry; its ID is now unknown.
	b.Push(protocol.NewEnvelope(protocol.TypeSessionMessage, map[string]any{"n": 3}))

	if got := b.GetAfter(ids[0]); len(got) != 0 {
		t.Errorf("GetAfter(evicted): got %d entries, want 0", len(got))
	}
	if got := b.GetAfter("no-such-id"); len(got) != 0 {
		t.Errorf("GetAfter(bogus): got %d entries, want 0", len(got))
	}
	if got := b.GetAll(); len(got) != 3 {
		t.Errorf("GetAll: got %d entries, want 3", len(got))
	}
}

func TestBufferConcurrentPush(t *testing.T) {
	b := NewMessageBuffer(100)
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				b.Push(protocol.NewEnvelope(protocol.TypeSessionStream, fmt.Sprintf("g%d-%d", g, i)))
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	if b.Size() != 100 {
		t.Errorf("size after concurrent pushes: got %d, want 100", b.Size())
	}
}
