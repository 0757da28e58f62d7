package profilegate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryAcquire_SecondCallerFails(t *testing.T) {
	g := New()

	guard, err := g.TryAcquire("p1", "req-a")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = g.TryAcquire("p1", "req-b")
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("second acquire: got %v, want *BusyError", err)
	}
	if busy.HeldBy != "req-a" {
		t.Errorf("HeldBy = %q, want req-a", busy.HeldBy)
	}

	// Different profile is independent.
	other, err := g.TryAcquire("p2", "req-b")
	if err != nil {
		t.Fatalf("acquire p2: %v", err)
	}
	other.Release()
	guard.Release()

	if _, err := g.TryAcquire("p1", "req-c"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestGuard_ReleaseIdempotent(t *testing.T) {
	g := New()
	guard, err := g.TryAcquire("p1", "req-a")
	if err != nil {
		t.Fatal(err)
	}
	guard.Release()
	guard.Release()

	// A stale double-release must not free a newer holder.
	guard2, err := g.TryAcquire("p1", "req-b")
	if err != nil {
		t.Fatal(err)
	}
	guard.Release()
	if _, err := g.TryAcquire("p1", "req-c"); err == nil {
		t.Fatal("stale release freed a newer holder")
	}
	guard2.Release()
}

func TestTryAcquire_ConcurrentSingleWinner(t *testing.T) {
	g := New()
	const workers = 32

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			if _, err := g.TryAcquire("p1", fmt.Sprintf("req-%d", n)); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
}

func TestSnapshot(t *testing.T) {
	g := New()
	if _, err := g.TryAcquire("b", "req-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.TryAcquire("a", "req-2"); err != nil {
		t.Fatal(err)
	}
	snap := g.Snapshot()
	if len(snap) != 2 || snap[0].ProfileID != "a" || snap[1].ProfileID != "b" {
		t.Errorf("snapshot = %+v, want [a b]", snap)
	}
}
