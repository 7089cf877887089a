package relay

import (
	"log/slog"
	"sync"
	"testing"
)

func TestRegistryGetOrCreate(t *testing.T) {
	g := NewRegistry(10, slog.Default())
	if g.Get("s1") != nil {
		t.Fatal("Get on empty registry returned a relay")
	}

	r1 := g.GetOrCreate("s1", "user-1", "hello")
	r2 := g.GetOrCreate("s1", "user-2", "ignored")
	if r1 != r2 {
		t.Error("GetOrCreate returned a different relay for the same session")
	}
	if r1.OwnerID() != "user-1" {
		t.Errorf("owner: got %q, want user-1", r1.OwnerID())
	}
	if g.Len() != 1 {
		t.Errorf("Len: got %d, want 1", g.Len())
	}
}

func TestRegistryRemove(t *testing.T) {
	g := NewRegistry(10, slog.Default())
	r := g.GetOrCreate("s1", "user-1", "")

	removed := g.Remove("s1")
	if removed != r {
		t.Error("Remove returned a different relay")
	}
	if g.Get("s1") != nil {
		t.Error("relay still present after Remove")
	}
	if g.Remove("s1") != nil {
		t.Error("second Remove returned a relay")
	}
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	g := NewRegistry(10, slog.Default())
	results := make([]*SessionRelay, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.GetOrCreate("s1", "user-1", "")
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent GetOrCreate produced distinct relays")
		}
	}
	if g.Len() != 1 {
		t.Errorf("Len: got %d, want 1", g.Len())
	}
}

func TestRegistryAll(t *testing.T) {
	g := NewRegistry(10, slog.Default())
	g.GetOrCreate("s1", "u", "")
	g.GetOrCreate("s2", "u", "")
	if got := len(g.All()); got != 2 {
		t.Errorf("All: got %d relays, want 2", got)
	}
}
