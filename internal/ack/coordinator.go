package ack

import (
	"fmt"
	"log/slog"
	"sync"

	"fognode/internal/broker"
)

// State of one tracked delivery receipt.
type State int

const (
	StateReceived State = iota
	StatePendingCommit
	StateAcked
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StatePendingCommit:
		return "pending_commit"
	case StateAcked:
		return "acknowledged"
	case StateRejected:
		return "terminal_reject"
	default:
		return "unknown"
	}
}

// Coordinator holds delivery receipts until their readings are durable. A
// receipt is acknowledged only on a durable commit or a terminal rejection;
// a failed batch nacks its receipts so the broker redelivers them. Receipts
// still pending at teardown are deliberately left untouched, trading
// duplicate redelivery (absorbed by the idempotent warehouse key) for zero
// loss.
type Coordinator struct {
	log *slog.Logger

	mu       sync.Mutex
	receipts map[string]*entry
}

type entry struct {
	receipt broker.Receipt
	state   State
}

func NewCoordinator(log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{log: log, receipts: make(map[string]*entry)}
}

// Track registers the receipt for a freshly received delivery. A redelivery
// of an id still pending replaces the stale receipt, whose visibility
// window has lapsed at the broker anyway.
func (c *Coordinator) Track(id string, r broker.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[id] = &entry{receipt: r, state: StateReceived}
}

// MarkPending transitions a receipt to pending-commit once its reading is
// queued into a batch.
func (c *Coordinator) MarkPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.receipts[id]; ok && e.state == StateReceived {
		e.state = StatePendingCommit
	}
}

// Committed acknowledges the receipt for a durably written reading.
func (c *Coordinator) Committed(id string) error {
	return c.resolve(id, StateAcked)
}

// Reject acknowledges the receipt of a permanently malformed or
// unstorable reading so the broker never re-presents it.
func (c *Coordinator) Reject(id string) error {
	return c.resolve(id, StateRejected)
}

// Failed nacks the receipt of a reading whose batch write gave up, handing
// the message back to the broker for redelivery.
func (c *Coordinator) Failed(id string) error {
	c.mu.Lock()
	e, ok := c.receipts[id]
	if ok {
		delete(c.receipts, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("ack: no tracked receipt for %s", id)
	}
	if err := e.receipt.Nack(); err != nil {
		c.log.Warn("nack failed", "message_id", id, "error", err)
		return err
	}
	return nil
}

func (c *Coordinator) resolve(id string, terminal State) error {
	c.mu.Lock()
	e, ok := c.receipts[id]
	if ok {
		delete(c.receipts, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("ack: no tracked receipt for %s", id)
	}
	if err := e.receipt.Ack(); err != nil {
		c.log.Warn("ack failed", "message_id", id, "state", terminal, "error", err)
		return err
	}
	return nil
}

// Pending returns the number of unresolved receipts.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.receipts)
}
