package domain

import "time"

// SensorReading is the typed form of one broker message.
//
// Dual-time model:
//   - Timestamp: producer-supplied measurement time, may arrive out of order
//   - ReceivedAt: fog node ingestion time, operational truth
//
// MessageID is broker-assigned and doubles as the warehouse idempotency key.
// A reading is immutable after decoding.
type SensorReading struct {
	MessageID  string
	SensorID   string
	City       string
	Metric     string
	Value      float64
	Timestamp  time.Time
	ReceivedAt time.Time
	Node       string
	Attempt    int
}

// Batch is an arrival-ordered run of deduplicated readings bounded by the
// accumulator's size and age limits. Once sealed it accepts no more readings
// and is owned by exactly one writer attempt at a time.
type Batch struct {
	ID       string
	Readings []SensorReading
	OpenedAt time.Time
	SealedAt time.Time
}

// Size returns the number of readings in the batch.
func (b *Batch) Size() int { return len(b.Readings) }

// Age reports how long the batch has been open at the given instant.
func (b *Batch) Age(now time.Time) time.Duration { return now.Sub(b.OpenedAt) }

// MessageIDs returns the idempotency keys of all readings in arrival order.
func (b *Batch) MessageIDs() []string {
	ids := make([]string, len(b.Readings))
	for i, r := range b.Readings {
		ids[i] = r.MessageID
	}
	return ids
}

// RowStatus is the terminal warehouse outcome for a single reading.
type RowStatus int

const (
	// RowCommitted means the row was inserted by this attempt.
	RowCommitted RowStatus = iota
	// RowDuplicate means a row with the same message_id was already durable.
	RowDuplicate
	// RowRejected means the row can never be stored (schema violation).
	RowRejected
)

func (s RowStatus) String() string {
	switch s {
	case RowCommitted:
		return "committed"
	case RowDuplicate:
		return "duplicate"
	case RowRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// RowOutcome reports the per-reading result of a batch insert. Err is set
// only for RowRejected.
type RowOutcome struct {
	MessageID string
	Status    RowStatus
	Err       error
}

// Durable reports whether the reading is present in the warehouse after
// this outcome, either written now or by an earlier delivery.
func (o RowOutcome) Durable() bool {
	return o.Status == RowCommitted || o.Status == RowDuplicate
}
