package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fognode/internal/accumulate"
	"fognode/internal/ack"
	"fognode/internal/broker"
	"fognode/internal/decode"
	"fognode/internal/dedupe"
	"fognode/internal/domain"
	"fognode/internal/telemetry"
	"fognode/internal/warehouse"
	"fognode/internal/writer"
)

// State of the pipeline, exposed to the external process supervisor.
type State int32

const (
	StateStarting State = iota
	StateConsuming
	StatePaused
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConsuming:
		return "consuming"
	case StatePaused:
		return "paused"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	Consumers             int
	MaxBatchSize          int
	MaxBatchAge           time.Duration
	BackpressureHighWater int
	BackpressureLowWater  int
	DedupeWindowCapacity  int
	DedupeShards          int
	DrainTimeout          time.Duration
	ReceiveRetryDelay     time.Duration
}

func (c *Config) withDefaults() {
	if c.Consumers <= 0 {
		c.Consumers = 4
	}
	if c.BackpressureHighWater <= 0 {
		c.BackpressureHighWater = 8
	}
	if c.BackpressureLowWater <= 0 || c.BackpressureLowWater >= c.BackpressureHighWater {
		c.BackpressureLowWater = c.BackpressureHighWater / 2
	}
	if c.DedupeWindowCapacity <= 0 {
		c.DedupeWindowCapacity = 65536
	}
	if c.DedupeShards <= 0 {
		c.DedupeShards = 16
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 15 * time.Second
	}
	if c.ReceiveRetryDelay <= 0 {
		c.ReceiveRetryDelay = time.Second
	}
}

// Health is the snapshot served to the external process supervisor.
type Health struct {
	State             string        `json:"state"`
	BacklogDepth      int64         `json:"backlog_depth"`
	PendingReceipts   int           `json:"pending_receipts"`
	LastCommitLatency time.Duration `json:"last_commit_latency_ns"`
	ReadingsDecoded   int64         `json:"readings_decoded"`
	DecodeFailures    int64         `json:"decode_failures"`
	DuplicatesDropped int64         `json:"duplicates_dropped"`
	RowsCommitted     int64         `json:"rows_committed"`
	RowsRejected      int64         `json:"rows_rejected"`
	BatchesFailed     int64         `json:"batches_failed"`
}

// Supervisor owns the pipeline: a pool of consumption workers feeding
// decode → dedupe → accumulate, a writer pool draining sealed batches, and
// the acknowledgment coordinator releasing receipts on terminal outcomes.
// It pauses consumption when sealed-but-unwritten batches exceed the high
// water mark and resumes below the low water mark.
type Supervisor struct {
	cfg    Config
	sub    broker.Subscription
	dec    *decode.Decoder
	window *dedupe.Window
	acc    *accumulate.Accumulator
	wr     *writer.Writer
	coord  *ack.Coordinator
	met    *telemetry.Metrics
	log    *slog.Logger

	state       atomic.Int32
	outstanding atomic.Int64

	pauseMu sync.Mutex
	resume  chan struct{} // nil when consuming, open channel while paused

	lastCommitNs      atomic.Int64
	readingsDecoded   atomic.Int64
	decodeFailures    atomic.Int64
	duplicatesDropped atomic.Int64
	rowsCommitted     atomic.Int64
	rowsRejected      atomic.Int64
	batchesFailed     atomic.Int64
}

func NewSupervisor(cfg Config, sub broker.Subscription, dec *decode.Decoder, store warehouse.Store, wcfg writer.Config, met *telemetry.Metrics, log *slog.Logger) *Supervisor {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		cfg:    cfg,
		sub:    sub,
		dec:    dec,
		window: dedupe.NewWindow(cfg.DedupeWindowCapacity, cfg.DedupeShards),
		acc: accumulate.New(accumulate.Config{
			MaxBatchSize:  cfg.MaxBatchSize,
			MaxBatchAge:   cfg.MaxBatchAge,
			QueueCapacity: cfg.BackpressureHighWater,
		}),
		coord: ack.NewCoordinator(log),
		met:   met,
		log:   log,
	}
	s.wr = writer.New(wcfg, store, log, s.onBatchResult)
	s.state.Store(int32(StateStarting))
	return s
}

// Run starts the pipeline and blocks until ctx is canceled and the drain
// completes. Writer and coordinator are live before the first Receive call;
// consumption stops before the writer drains.
func (s *Supervisor) Run(ctx context.Context) error {
	writerCtx, cancelWriter := context.WithCancel(context.Background())
	defer cancelWriter()

	handoff := make(chan *domain.Batch, s.cfg.BackpressureHighWater)
	s.wr.Start(writerCtx, handoff)

	var forwardWg sync.WaitGroup
	forwardWg.Add(1)
	go func() {
		defer forwardWg.Done()
		for b := range s.acc.Sealed() {
			s.waitHandoffCapacity()
			if s.met != nil {
				s.met.BatchesSealed.Add(ctx, 1)
			}
			n := s.outstanding.Add(1)
			if int(n) >= s.cfg.BackpressureHighWater {
				s.pause()
			}
			handoff <- b
		}
		close(handoff)
	}()

	s.state.Store(int32(StateConsuming))
	var consumerWg sync.WaitGroup
	for i := 0; i < s.cfg.Consumers; i++ {
		consumerWg.Add(1)
		go func() {
			defer consumerWg.Done()
			s.consumeLoop(ctx)
		}()
	}

	<-ctx.Done()
	s.state.Store(int32(StateDraining))
	consumerWg.Wait()

	// Seal whatever is open and let the writer drain its queue. Pending
	// receipts stay unacknowledged so the broker redelivers them.
	s.acc.Close()
	forwardWg.Wait()

	select {
	case <-s.wr.Done():
	case <-time.After(s.cfg.DrainTimeout):
		cancelWriter()
		<-s.wr.Done()
	}

	s.state.Store(int32(StateStopped))
	s.log.Info("pipeline stopped",
		"pending_receipts", s.coord.Pending(),
		"rows_committed", s.rowsCommitted.Load(),
	)
	return nil
}

func (s *Supervisor) consumeLoop(ctx context.Context) {
	for {
		if err := s.waitResume(ctx); err != nil {
			return
		}
		msg, err := s.sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			s.log.Warn("broker receive failed", "error", err)
			select {
			case <-time.After(s.cfg.ReceiveRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		s.handleMessage(ctx, msg)
	}
}

func (s *Supervisor) handleMessage(ctx context.Context, msg broker.Message) {
	s.coord.Track(msg.ID, msg.Receipt)

	reading, err := s.dec.Decode(msg, time.Now())
	if err != nil {
		// Terminal: ack so the malformed payload is never re-presented.
		s.decodeFailures.Add(1)
		if s.met != nil {
			s.met.DecodeFailures.Add(ctx, 1)
		}
		s.log.Warn("rejected malformed message", "message_id", msg.ID, "error", err)
		_ = s.coord.Reject(msg.ID)
		return
	}

	switch s.window.Begin(msg.ID) {
	case dedupe.DuplicateCommitted:
		// Already durable from an earlier delivery.
		s.duplicatesDropped.Add(1)
		if s.met != nil {
			s.met.DuplicatesDropped.Add(ctx, 1)
		}
		_ = s.coord.Committed(msg.ID)
	case dedupe.DuplicatePending:
		// First delivery is still in flight; this receipt now rides on the
		// in-flight batch outcome instead of queueing a second row.
		s.duplicatesDropped.Add(1)
		if s.met != nil {
			s.met.DuplicatesDropped.Add(ctx, 1)
		}
	case dedupe.Fresh:
		s.coord.MarkPending(msg.ID)
		s.readingsDecoded.Add(1)
		if s.met != nil {
			s.met.ReadingsDecoded.Add(ctx, 1)
		}
		s.acc.Add(reading)
	}
}

func (s *Supervisor) onBatchResult(res writer.BatchResult) {
	ctx := context.Background()
	if res.Err != nil {
		// Retries exhausted. Forget the ids so redelivery passes the dedupe
		// filter, and hand the messages back to the broker.
		s.batchesFailed.Add(1)
		if s.met != nil {
			s.met.BatchesFailed.Add(ctx, 1)
			s.met.WriteRetries.Add(ctx, int64(res.Attempts-1))
		}
		s.log.Error("batch write gave up", "batch", res.Batch.ID, "attempts", res.Attempts, "error", res.Err)
		for _, id := range res.Batch.MessageIDs() {
			s.window.Forget(id)
			_ = s.coord.Failed(id)
		}
	} else {
		if s.met != nil {
			s.met.BatchesCommitted.Add(ctx, 1)
			s.met.CommitLatency.Record(ctx, res.Elapsed.Seconds())
			if res.Attempts > 1 {
				s.met.WriteRetries.Add(ctx, int64(res.Attempts-1))
			}
		}
		s.lastCommitNs.Store(int64(res.Elapsed))
		for _, o := range res.Outcomes {
			switch {
			case o.Durable():
				s.rowsCommitted.Add(1)
				if s.met != nil {
					s.met.RowsCommitted.Add(ctx, 1)
				}
				s.window.Commit(o.MessageID)
				_ = s.coord.Committed(o.MessageID)
			case o.Status == domain.RowRejected:
				s.rowsRejected.Add(1)
				if s.met != nil {
					s.met.RowsRejected.Add(ctx, 1)
				}
				s.log.Warn("dropped unstorable reading", "message_id", o.MessageID, "error", o.Err)
				s.window.Forget(o.MessageID)
				_ = s.coord.Reject(o.MessageID)
			}
		}
	}

	n := s.outstanding.Add(-1)
	if int(n) <= s.cfg.BackpressureLowWater {
		s.unpause()
	}
}

// pause blocks new Receive calls until backlog drains below the low water
// mark. Subscriptions with native pause support stop fetching too.
func (s *Supervisor) pause() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.resume != nil {
		return
	}
	s.resume = make(chan struct{})
	s.state.CompareAndSwap(int32(StateConsuming), int32(StatePaused))
	if p, ok := s.sub.(broker.Pausable); ok {
		p.Pause()
	}
	s.log.Info("backpressure: consumption paused", "outstanding", s.outstanding.Load())
}

func (s *Supervisor) unpause() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.resume == nil {
		return
	}
	close(s.resume)
	s.resume = nil
	s.state.CompareAndSwap(int32(StatePaused), int32(StateConsuming))
	if p, ok := s.sub.(broker.Pausable); ok {
		p.Resume()
	}
	s.log.Info("backpressure: consumption resumed", "outstanding", s.outstanding.Load())
}

// waitHandoffCapacity blocks the forward loop while the outstanding count
// sits at the high water mark, so the count never passes it: sealed batches
// queue in the accumulator instead. The writer's progress guarantees the
// resume signal, so this wait needs no context escape even during drain.
func (s *Supervisor) waitHandoffCapacity() {
	for int(s.outstanding.Load()) >= s.cfg.BackpressureHighWater {
		s.pauseMu.Lock()
		resume := s.resume
		s.pauseMu.Unlock()
		if resume == nil {
			// A decrement landed between the load and the lock; re-check.
			continue
		}
		<-resume
	}
}

func (s *Supervisor) waitResume(ctx context.Context) error {
	s.pauseMu.Lock()
	resume := s.resume
	s.pauseMu.Unlock()
	if resume == nil {
		return ctx.Err()
	}
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current pipeline state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Health returns a point-in-time snapshot for the health endpoint.
func (s *Supervisor) Health() Health {
	return Health{
		State:             s.State().String(),
		BacklogDepth:      s.outstanding.Load(),
		PendingReceipts:   s.coord.Pending(),
		LastCommitLatency: time.Duration(s.lastCommitNs.Load()),
		ReadingsDecoded:   s.readingsDecoded.Load(),
		DecodeFailures:    s.decodeFailures.Load(),
		DuplicatesDropped: s.duplicatesDropped.Load(),
		RowsCommitted:     s.rowsCommitted.Load(),
		RowsRejected:      s.rowsRejected.Load(),
		BatchesFailed:     s.batchesFailed.Load(),
	}
}
