package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"fognode/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "warehouse.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testReading(id string, value float64) domain.SensorReading {
	return domain.SensorReading{
		MessageID:  id,
		SensorID:   "s1",
		City:       "valencia",
		Metric:     "BMP280",
		Value:      value,
		Timestamp:  time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
		ReceivedAt: time.Date(2026, 8, 29, 10, 0, 1, 0, time.UTC),
		Node:       "fog-1",
	}
}

func TestInsertBatchCommitsRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	outcomes, err := s.InsertBatch(ctx, []domain.SensorReading{testReading("m1", 10), testReading("m2", 12)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	for _, o := range outcomes {
		if o.Status != domain.RowCommitted {
			t.Fatalf("outcome %s = %v", o.MessageID, o.Status)
		}
	}
	n, err := s.CountRows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows = %d", n)
	}
}

func TestInsertIsIdempotentOnMessageID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.InsertBatch(ctx, []domain.SensorReading{testReading("m1", 10)}); err != nil {
		t.Fatal(err)
	}
	outcomes, err := s.InsertBatch(ctx, []domain.SensorReading{testReading("m1", 10), testReading("m2", 12)})
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Status != domain.RowDuplicate {
		t.Fatalf("m1 outcome = %v, want duplicate", outcomes[0].Status)
	}
	if outcomes[1].Status != domain.RowCommitted {
		t.Fatalf("m2 outcome = %v, want committed", outcomes[1].Status)
	}
	n, _ := s.CountRows(ctx)
	if n != 2 {
		t.Fatalf("rows = %d, duplicate must not create a second row", n)
	}
}

func TestInsertRejectsUnstorableRowAndKeepsTheRest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bad := testReading("m-bad", math.NaN())
	outcomes, err := s.InsertBatch(ctx, []domain.SensorReading{testReading("m1", 10), bad, testReading("m2", 12)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if outcomes[1].Status != domain.RowRejected || outcomes[1].Err == nil {
		t.Fatalf("bad row outcome = %+v", outcomes[1])
	}
	if outcomes[0].Status != domain.RowCommitted || outcomes[2].Status != domain.RowCommitted {
		t.Fatalf("good rows must proceed: %+v", outcomes)
	}
	n, _ := s.CountRows(ctx)
	if n != 2 {
		t.Fatalf("rows = %d", n)
	}
}

func TestInsertRejectsMissingFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cases := []domain.SensorReading{
		{SensorID: "s1", Metric: "x", Value: 1, Timestamp: time.Now()},
		{MessageID: "m1", Metric: "x", Value: 1, Timestamp: time.Now()},
		{MessageID: "m2", SensorID: "s1", Value: 1, Timestamp: time.Now()},
		{MessageID: "m3", SensorID: "s1", Metric: "x", Value: 1},
	}
	outcomes, err := s.InsertBatch(ctx, cases)
	if err != nil {
		t.Fatal(err)
	}
	for i, o := range outcomes {
		if o.Status != domain.RowRejected {
			t.Fatalf("case %d outcome = %v, want rejected", i, o.Status)
		}
	}
}

func TestReadingsBetweenOrdersByEventTime(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	r1 := testReading("m1", 1)
	r1.Timestamp = base.Add(2 * time.Minute)
	r2 := testReading("m2", 2)
	r2.Timestamp = base
	r3 := testReading("m3", 3)
	r3.Timestamp = base.Add(time.Minute)
	if _, err := s.InsertBatch(ctx, []domain.SensorReading{r1, r2, r3}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadingsBetween(ctx, base, base.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m2", "m3", "m1"}
	if len(got) != len(want) {
		t.Fatalf("got %d readings", len(got))
	}
	for i, r := range got {
		if r.MessageID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, r.MessageID, want[i])
		}
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "warehouse.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertBatch(ctx, []domain.SensorReading{testReading("m1", 10)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	outcomes, err := s2.InsertBatch(ctx, []domain.SensorReading{testReading("m1", 10)})
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Status != domain.RowDuplicate {
		t.Fatalf("idempotency must survive restart, got %v", outcomes[0].Status)
	}
}
