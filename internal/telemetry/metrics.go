package telemetry

import (
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the pipeline instruments registered on the global meter
// provider. Counters mirror the supervisor's health snapshot so external
// collectors and the local health endpoint see the same numbers.
type Metrics struct {
	ReadingsDecoded   metric.Int64Counter
	DecodeFailures    metric.Int64Counter
	DuplicatesDropped metric.Int64Counter
	BatchesSealed     metric.Int64Counter
	BatchesCommitted  metric.Int64Counter
	BatchesFailed     metric.Int64Counter
	RowsCommitted     metric.Int64Counter
	RowsRejected      metric.Int64Counter
	WriteRetries      metric.Int64Counter
	CommitLatency     metric.Float64Histogram
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("fognode")
	m := &Metrics{}
	var errs []error

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}

	m.ReadingsDecoded = counter("fognode.readings.decoded", "Readings decoded and queued for batching")
	m.DecodeFailures = counter("fognode.readings.decode_failures", "Malformed payloads terminally rejected")
	m.DuplicatesDropped = counter("fognode.readings.duplicates_dropped", "Redeliveries suppressed by the dedupe window")
	m.BatchesSealed = counter("fognode.batches.sealed", "Batches sealed by size or age")
	m.BatchesCommitted = counter("fognode.batches.committed", "Batches written durably")
	m.BatchesFailed = counter("fognode.batches.failed", "Batches abandoned after retry exhaustion")
	m.RowsCommitted = counter("fognode.rows.committed", "Rows inserted into the warehouse")
	m.RowsRejected = counter("fognode.rows.rejected", "Rows dropped for schema violations")
	m.WriteRetries = counter("fognode.writes.retries", "Transient write failures retried")

	hist, err := meter.Float64Histogram("fognode.commit.latency",
		metric.WithDescription("Seal-to-commit latency per batch"),
		metric.WithUnit("s"))
	if err != nil {
		errs = append(errs, err)
	}
	m.CommitLatency = hist

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}
