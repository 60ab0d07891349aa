package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fognode/internal/domain"
	"fognode/internal/warehouse"
)

type Config struct {
	Workers          int
	RetryMaxAttempts int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	WriteTimeout     time.Duration
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 200 * time.Millisecond
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// BatchResult is the terminal outcome of one sealed batch. Err is non-nil
// only when every attempt failed transiently; Outcomes carry the per-row
// verdicts otherwise.
type BatchResult struct {
	Batch    *domain.Batch
	Outcomes []domain.RowOutcome
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Writer drains sealed batches through a bounded worker pool. Each batch is
// one idempotent InsertBatch call, retried with capped exponential backoff
// on transient failure. Every batch reaches exactly one terminal result,
// delivered through the onResult hook.
type Writer struct {
	cfg      Config
	store    warehouse.Store
	log      *slog.Logger
	onResult func(BatchResult)

	wg   sync.WaitGroup
	done chan struct{}

	onRetry func(batchID string, attempt int, err error)
}

func New(cfg Config, store warehouse.Store, log *slog.Logger, onResult func(BatchResult)) *Writer {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		cfg:      cfg,
		store:    store,
		log:      log,
		onResult: onResult,
		done:     make(chan struct{}),
	}
	w.onRetry = func(batchID string, attempt int, err error) {
		log.Warn("batch write failed, retrying", "batch", batchID, "attempt", attempt, "error", err)
	}
	return w
}

// Start launches the worker pool over in. Workers exit when in is closed
// and drained; ctx only aborts retry backoff waits, never a write attempt
// already in flight.
func (w *Writer) Start(ctx context.Context, in <-chan *domain.Batch) {
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for b := range in {
				w.onResult(w.process(ctx, b))
			}
		}()
	}
	go func() {
		w.wg.Wait()
		close(w.done)
	}()
}

// Done is closed once all workers have exited.
func (w *Writer) Done() <-chan struct{} { return w.done }

func (w *Writer) process(ctx context.Context, b *domain.Batch) BatchResult {
	start := time.Now()
	var outcomes []domain.RowOutcome
	attempts := 0

	op := func() error {
		attempts++
		// The current attempt runs to completion even during shutdown,
		// bounded by the write timeout.
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
		defer cancel()
		res, err := w.store.InsertBatch(attemptCtx, b.Readings)
		if err != nil {
			w.onRetry(b.ID, attempts, err)
			return err
		}
		outcomes = res
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.RetryBackoffBase
	bo.MaxInterval = w.cfg.RetryBackoffMax
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(w.cfg.RetryMaxAttempts-1)), ctx))
	return BatchResult{
		Batch:    b,
		Outcomes: outcomes,
		Err:      err,
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}
}
