package dedupe

import (
	"fmt"
	"sync"
	"testing"
)

func TestBeginTracksFreshAndDuplicateIDs(t *testing.T) {
	w := NewWindow(128, 4)
	if d := w.Begin("m1"); d != Fresh {
		t.Fatalf("first begin = %v", d)
	}
	if d := w.Begin("m1"); d != DuplicatePending {
		t.Fatalf("second begin = %v", d)
	}
	w.Commit("m1")
	if d := w.Begin("m1"); d != DuplicateCommitted {
		t.Fatalf("begin after commit = %v", d)
	}
}

func TestForgetAllowsRedeliveryThroughTheFilter(t *testing.T) {
	w := NewWindow(128, 4)
	if d := w.Begin("m1"); d != Fresh {
		t.Fatalf("first begin = %v", d)
	}
	w.Forget("m1")
	if d := w.Begin("m1"); d != Fresh {
		t.Fatalf("begin after forget = %v, want fresh", d)
	}
}

func TestWindowIsMemoryBounded(t *testing.T) {
	const capacity = 64
	w := NewWindow(capacity, 4)
	for i := 0; i < capacity*10; i++ {
		w.Begin(fmt.Sprintf("m%d", i))
	}
	if n := w.Len(); n > capacity {
		t.Fatalf("window holds %d ids, cap %d", n, capacity)
	}
}

func TestEvictionDropsOldestFirst(t *testing.T) {
	// Single shard so recency order is deterministic.
	w := NewWindow(4, 1)
	for i := 0; i < 4; i++ {
		w.Begin(fmt.Sprintf("m%d", i))
	}
	w.Begin("m0") // refresh recency
	w.Begin("m4") // evicts m1, the oldest untouched id
	if d := w.Begin("m0"); d != DuplicatePending {
		t.Fatalf("m0 should survive eviction, got %v", d)
	}
	if d := w.Begin("m1"); d != Fresh {
		t.Fatalf("m1 should have been evicted, got %v", d)
	}
}

func TestConcurrentBeginAdmitsExactlyOne(t *testing.T) {
	w := NewWindow(1024, 16)
	const workers = 32
	var wg sync.WaitGroup
	fresh := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Begin("contested") == Fresh {
				fresh <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(fresh)
	n := 0
	for range fresh {
		n++
	}
	if n != 1 {
		t.Fatalf("%d workers saw fresh, want 1", n)
	}
}
