package registry

import (
	"errors"
	"sync"
	"testing"
)

func TestTryAcquire(t *testing.T) {
	r := New()

	a, err := r.TryAcquire("room-1", "agent-1")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if a.RoomID != "room-1" || a.AgentID != "agent-1" || a.SessionID == "" {
		t.Errorf("assignment = %+v", a)
	}
	if got := r.Lookup("room-1"); got != a {
		t.Errorf("Lookup = %+v, want the acquired assignment", got)
	}
	if got := r.LookupAgent("agent-1"); got != a {
		t.Errorf("LookupAgent = %+v, want the acquired assignment", got)
	}
}

func TestTryAcquire_RoomOccupied(t *testing.T) {
	r := New()
	if _, err := r.TryAcquire("room-1", "agent-1"); err != nil {
		t.Fatal(err)
	}
	_, err := r.TryAcquire("room-1", "agent-2")
	if !errors.Is(err, ErrRoomOccupied) {
		t.Fatalf("err = %v, want ErrRoomOccupied", err)
	}
	// The failed acquire must not leave a partial index entry for agent-2.
	if r.LookupAgent("agent-2") != nil {
		t.Error("agent-2 should not be registered after a failed acquire")
	}
}

func TestTryAcquire_AgentBusy(t *testing.T) {
	r := New()
	if _, err := r.TryAcquire("room-1", "agent-1"); err != nil {
		t.Fatal(err)
	}
	_, err := r.TryAcquire("room-2", "agent-1")
	if !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("err = %v, want ErrAgentBusy", err)
	}
	if r.Lookup("room-2") != nil {
		t.Error("room-2 should not be registered after a failed acquire")
	}
}

func TestRelease(t *testing.T) {
	r := New()
	a, _ := r.TryAcquire("room-1", "agent-1")

	r.Release("room-1", a.SessionID)
	if r.Lookup("room-1") != nil || r.LookupAgent("agent-1") != nil {
		t.Fatal("assignment still present after Release")
	}

	// Both room and agent are reusable afterwards.
	if _, err := r.TryAcquire("room-1", "agent-1"); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
}

func TestRelease_StaleSessionIsNoop(t *testing.T) {
	r := New()
	old, _ := r.TryAcquire("room-1", "agent-1")
	r.Release("room-1", old.SessionID)
	fresh, _ := r.TryAcquire("room-1", "agent-1")

	// Releasing with the stale session ID must not evict the new session.
	r.Release("room-1", old.SessionID)
	if got := r.Lookup("room-1"); got != fresh {
		t.Fatalf("Lookup = %+v, want the fresh assignment kept", got)
	}
}

func TestConcurrentAcquire_SingleWinner(t *testing.T) {
	r := New()

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan *Assignment, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if a, err := r.TryAcquire("room-1", "agent-1"); err == nil {
				wins <- a
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}
