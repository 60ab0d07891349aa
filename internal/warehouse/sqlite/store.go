package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fognode/internal/domain"

	_ "modernc.org/sqlite"
)

const readingsSchema = `
CREATE TABLE IF NOT EXISTS sensor_readings (
	message_id TEXT PRIMARY KEY,
	sensor_id TEXT NOT NULL,
	city TEXT,
	metric_name TEXT NOT NULL,
	value REAL NOT NULL,
	event_time_utc_ns INTEGER NOT NULL,
	received_at_utc_ns INTEGER NOT NULL,
	processing_node TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_readings_metric_time ON sensor_readings(metric_name, event_time_utc_ns);
CREATE INDEX IF NOT EXISTS idx_readings_sensor_time ON sensor_readings(sensor_id, event_time_utc_ns);
`

// Store is the SQLite warehouse. message_id is the primary key, so a
// redelivered reading inserts as a no-op and surfaces as RowDuplicate.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir warehouse dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(readingsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create readings schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InsertBatch(ctx context.Context, readings []domain.SensorReading) ([]domain.RowOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert batch: %w", err)
	}
	defer tx.Rollback()

	outcomes := make([]domain.RowOutcome, 0, len(readings))
	for _, r := range readings {
		if err := validateRow(r); err != nil {
			outcomes = append(outcomes, domain.RowOutcome{MessageID: r.MessageID, Status: domain.RowRejected, Err: err})
			continue
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO sensor_readings(
	message_id, sensor_id, city, metric_name, value,
	event_time_utc_ns, received_at_utc_ns, processing_node
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO NOTHING`,
			r.MessageID, r.SensorID, r.City, r.Metric, r.Value,
			r.Timestamp.UTC().UnixNano(), r.ReceivedAt.UTC().UnixNano(), r.Node)
		if err != nil {
			return nil, fmt.Errorf("insert reading %s: %w", r.MessageID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected for %s: %w", r.MessageID, err)
		}
		status := domain.RowCommitted
		if n == 0 {
			status = domain.RowDuplicate
		}
		outcomes = append(outcomes, domain.RowOutcome{MessageID: r.MessageID, Status: status})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert batch: %w", err)
	}
	return outcomes, nil
}

// ReadingsBetween returns committed readings with event time in [from, to),
// ordered by event time. This is the dashboard-facing query shape.
func (s *Store) ReadingsBetween(ctx context.Context, from, to time.Time) ([]domain.SensorReading, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, sensor_id, city, metric_name, value,
	event_time_utc_ns, received_at_utc_ns, processing_node
FROM sensor_readings
WHERE event_time_utc_ns >= ? AND event_time_utc_ns < ?
ORDER BY event_time_utc_ns ASC`, from.UTC().UnixNano(), to.UTC().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SensorReading
	for rows.Next() {
		var r domain.SensorReading
		var eventNs, receivedNs int64
		if err := rows.Scan(&r.MessageID, &r.SensorID, &r.City, &r.Metric, &r.Value, &eventNs, &receivedNs, &r.Node); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, eventNs).UTC()
		r.ReceivedAt = time.Unix(0, receivedNs).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRows returns the total number of stored readings.
func (s *Store) CountRows(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sensor_readings`).Scan(&n)
	return n, err
}

// validateRow guards the warehouse schema independently of the decoder:
// the writer must stay safe against rows reaching it through other paths.
func validateRow(r domain.SensorReading) error {
	if strings.TrimSpace(r.MessageID) == "" {
		return errors.New("message_id is required")
	}
	if strings.TrimSpace(r.SensorID) == "" {
		return errors.New("sensor_id is required")
	}
	if strings.TrimSpace(r.Metric) == "" {
		return errors.New("metric_name is required")
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("value %v is not finite", r.Value)
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
