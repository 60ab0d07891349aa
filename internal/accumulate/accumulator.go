package accumulate

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"fognode/internal/domain"
)

type Config struct {
	MaxBatchSize  int
	MaxBatchAge   time.Duration
	QueueCapacity int
}

func (c *Config) withDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = 2 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 8
	}
}

// Accumulator buffers deduplicated readings into batches and seals a batch
// when it reaches MaxBatchSize readings or MaxBatchAge, whichever first.
// Readings keep arrival order; sealing never reorders.
type Accumulator struct {
	cfg Config
	out chan *domain.Batch

	mu      sync.Mutex
	open    *domain.Batch
	timer   *time.Timer
	closed  bool
	sending sync.WaitGroup // in-flight timer sends, waited on by Close

	now func() time.Time
}

func New(cfg Config) *Accumulator {
	cfg.withDefaults()
	return &Accumulator{
		cfg: cfg,
		out: make(chan *domain.Batch, cfg.QueueCapacity),
		now: time.Now,
	}
}

// Sealed returns the channel of sealed batches, closed by Close.
func (a *Accumulator) Sealed() <-chan *domain.Batch { return a.out }

// Add appends one reading to the open batch, opening one if needed. It
// blocks when the sealed-batch queue is full, which is the intake-side
// backpressure point.
func (a *Accumulator) Add(r domain.SensorReading) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.open == nil {
		a.open = &domain.Batch{ID: uuid.NewString(), OpenedAt: a.now()}
		target := a.open
		a.timer = time.AfterFunc(a.cfg.MaxBatchAge, func() { a.sealByAge(target) })
	}
	a.open.Readings = append(a.open.Readings, r)
	var sealed *domain.Batch
	if len(a.open.Readings) >= a.cfg.MaxBatchSize {
		sealed = a.detachLocked()
	}
	a.mu.Unlock()
	if sealed != nil {
		a.out <- sealed
	}
}

// Flush seals and emits the open batch regardless of size or age.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	sealed := a.detachLocked()
	a.mu.Unlock()
	if sealed != nil {
		a.out <- sealed
	}
}

// Close flushes the open batch and closes the sealed channel. No Add calls
// may race with or follow Close; the consumer must keep draining Sealed so
// a timer send blocked on a full queue can finish before the channel closes.
func (a *Accumulator) Close() {
	a.mu.Lock()
	sealed := a.detachLocked()
	a.closed = true
	a.mu.Unlock()
	a.sending.Wait()
	if sealed != nil {
		a.out <- sealed
	}
	close(a.out)
}

func (a *Accumulator) sealByAge(target *domain.Batch) {
	a.mu.Lock()
	if a.closed || a.open != target {
		a.mu.Unlock()
		return
	}
	sealed := a.detachLocked()
	if sealed != nil {
		// Registered under the lock so Close cannot observe closed without
		// also seeing this send in flight.
		a.sending.Add(1)
	}
	a.mu.Unlock()
	if sealed != nil {
		a.out <- sealed
		a.sending.Done()
	}
}

// detachLocked seals and removes the open batch. Caller holds a.mu; the
// send happens after unlock so a full queue never blocks the timer or
// another Add under the lock.
func (a *Accumulator) detachLocked() *domain.Batch {
	if a.open == nil || len(a.open.Readings) == 0 {
		a.open = nil
		return nil
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	sealed := a.open
	sealed.SealedAt = a.now()
	a.open = nil
	return sealed
}
