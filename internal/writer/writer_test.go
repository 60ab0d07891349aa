package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fognode/internal/domain"
)

type stubStore struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding
	blockCh  chan struct{}
}

func (s *stubStore) InsertBatch(_ context.Context, readings []domain.SensorReading) ([]domain.RowOutcome, error) {
	if s.blockCh != nil {
		<-s.blockCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("warehouse unavailable")
	}
	out := make([]domain.RowOutcome, len(readings))
	for i, r := range readings {
		out[i] = domain.RowOutcome{MessageID: r.MessageID, Status: domain.RowCommitted}
	}
	return out, nil
}

func (s *stubStore) Close() error { return nil }

func batchOf(ids ...string) *domain.Batch {
	b := &domain.Batch{ID: "b1", OpenedAt: time.Now(), SealedAt: time.Now()}
	for _, id := range ids {
		b.Readings = append(b.Readings, domain.SensorReading{MessageID: id, SensorID: "s1", Metric: "temp", Value: 1, Timestamp: time.Now()})
	}
	return b
}

func runOne(t *testing.T, cfg Config, store *stubStore, b *domain.Batch) BatchResult {
	t.Helper()
	results := make(chan BatchResult, 1)
	w := New(cfg, store, nil, func(res BatchResult) { results <- res })
	w.onRetry = func(string, int, error) {}

	in := make(chan *domain.Batch, 1)
	in <- b
	close(in)
	w.Start(context.Background(), in)

	select {
	case res := <-results:
		<-w.Done()
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("no batch result")
		return BatchResult{}
	}
}

func TestWriteSucceedsFirstAttempt(t *testing.T) {
	store := &stubStore{}
	res := runOne(t, Config{RetryMaxAttempts: 3, RetryBackoffBase: time.Millisecond}, store, batchOf("m1", "m2"))
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Attempts != 1 || len(res.Outcomes) != 2 {
		t.Fatalf("attempts=%d outcomes=%d", res.Attempts, len(res.Outcomes))
	}
}

func TestTransientFailureIsRetriedUntilSuccess(t *testing.T) {
	store := &stubStore{failures: 2}
	res := runOne(t, Config{RetryMaxAttempts: 3, RetryBackoffBase: time.Millisecond}, store, batchOf("m1"))
	if res.Err != nil {
		t.Fatalf("expected third attempt to succeed: %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Status != domain.RowCommitted {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
}

func TestRetriesAreCapped(t *testing.T) {
	store := &stubStore{failures: 100}
	res := runOne(t, Config{RetryMaxAttempts: 3, RetryBackoffBase: time.Millisecond}, store, batchOf("m1"))
	if res.Err == nil {
		t.Fatalf("expected terminal failure")
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	if len(res.Outcomes) != 0 {
		t.Fatalf("failed batch must not carry outcomes")
	}
}

func TestEveryBatchGetsExactlyOneResult(t *testing.T) {
	store := &stubStore{}
	var mu sync.Mutex
	seen := map[string]int{}
	w := New(Config{Workers: 3, RetryMaxAttempts: 2, RetryBackoffBase: time.Millisecond}, store, nil, func(res BatchResult) {
		mu.Lock()
		seen[res.Batch.ID]++
		mu.Unlock()
	})

	in := make(chan *domain.Batch, 8)
	for i := 0; i < 8; i++ {
		b := batchOf("m1")
		b.ID = string(rune('a' + i))
		in <- b
	}
	close(in)
	w.Start(context.Background(), in)

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("workers did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 8 {
		t.Fatalf("results for %d batches, want 8", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("batch %s reported %d times", id, n)
		}
	}
}

func TestShutdownAbortsBackoffWaitNotInFlightAttempt(t *testing.T) {
	store := &stubStore{failures: 100}
	results := make(chan BatchResult, 1)
	w := New(Config{RetryMaxAttempts: 10, RetryBackoffBase: time.Hour}, store, nil, func(res BatchResult) { results <- res })
	w.onRetry = func(string, int, error) {}

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan *domain.Batch, 1)
	in <- batchOf("m1")
	close(in)
	w.Start(ctx, in)

	// First attempt fails, then the worker sits in an hour-long backoff.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case res := <-results:
		if res.Err == nil {
			t.Fatalf("expected failure result")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancel did not abort backoff wait")
	}
}
