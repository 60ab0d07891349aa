package warehouse

import (
	"context"

	"fognode/internal/domain"
)

// Store is the warehouse contract for durable batched inserts.
//
// InsertBatch issues one batched, idempotent insert: a reading whose
// message_id is already present yields a RowDuplicate outcome instead of a
// second row. Readings that violate the schema yield RowRejected outcomes
// while the rest of the batch proceeds. A non-nil error means the whole
// batch failed transiently (nothing was committed) and may be retried.
type Store interface {
	InsertBatch(ctx context.Context, readings []domain.SensorReading) ([]domain.RowOutcome, error)
	Close() error
}
