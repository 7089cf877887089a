package relay

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimeoutFires(t *testing.T) {
	ct := NewConnectionTimeouts()
	fired := make(chan struct{})
	ct.Set("s1", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	if ct.Has("s1") {
		t.Error("timer still registered after firing")
	}
}

func TestTimeoutClear(t *testing.T) {
	ct := NewConnectionTimeouts()
	var fired atomic.Bool
	ct.Set("s1", 20*time.Millisecond, func() { fired.Store(true) })
	if !ct.Has("s1") {
		t.Fatal("timer not registered")
	}
	ct.Clear("s1")
	if ct.Has("s1") {
		t.Error("timer still registered after Clear")
	}

	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("cleared timer fired")
	}
}

func TestTimeoutReplace(t *testing.T) {
	ct := NewConnectionTimeouts()
	var first, second atomic.Bool
	ct.Set("s1", 20*time.Millisecond, func() { first.Store(true) })
	ct.Set("s1", 20*time.Millisecond, func() { second.Store(true) })

	time.Sleep(60 * time.Millisecond)
	if first.Load() {
		t.Error("replaced timer fired")
	}
	if !second.Load() {
		t.Error("replacement timer did not fire")
	}
}

func TestTimeoutClearUnknownIsNoop(t *testing.T) {
	ct := NewConnectionTimeouts()
	ct.Clear("never-set")
	if ct.Has("never-set") {
		t.Error("Has on unknown id")
	}
}
