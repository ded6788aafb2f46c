package cagg

import (
	"context"
	"testing"
	"time"
)

func realtimeViewDef(name string) *ViewDefinition {
	def := testViewDef(name)
	def.Realtime = true
	return def
}

func writeHostRow(t *testing.T, e *Engine, host string, value float64, ts int64) {
	t.Helper()
	err := e.Write(Row{Metric: "cpu.usage", Tags: map[string]string{"host": host}, Value: value, Timestamp: ts})
	if err != nil {
		t.Fatalf("failed to write row: %v", err)
	}
}

func TestRealtimeQueryBeforeFirstRefresh(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateView(realtimeViewDef("rt")); err != nil {
		t.Fatalf("failed to create view: %v", err)
	}

	min := int64(time.Minute)
	writeHostRow(t, e, "a", 1, 10)
	writeHostRow(t, e, "a", 3, 20)
	writeHostRow(t, e, "a", 5, min+10)

	it, err := e.Query(context.Background(), "rt", 0, 2*min, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	rows, err := it.Collect()
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows from raw aggregation, got %d", len(rows))
	}
	if rows[0].Values[0].Value != 2 || rows[0].Values[1].Value != 3 {
		t.Errorf("bucket 0: got avg=%v peak=%v, want 2/3", rows[0].Values[0].Value, rows[0].Values[1].Value)
	}
	if rows[1].Values[0].Value != 5 {
		t.Errorf("bucket 1: got avg=%v, want 5", rows[1].Values[0].Value)
	}
}

func TestRealtimeQueryUnionsMaterializedAndRaw(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateView(realtimeViewDef("rt")); err != nil {
		t.Fatalf("failed to create view: %v", err)
	}

	min := int64(time.Minute)
	writeHostRow(t, e, "a", 1, 10)
	writeHostRow(t, e, "a", 3, 20)
	writeHostRow(t, e, "a", 5, min+10)
	writeHostRow(t, e, "a", 7, min+20)

	if _, err := e.Refresh(context.Background(), "rt", 0, min); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	// A write above the watermark must show up without another refresh.
	writeHostRow(t, e, "a", 9, min+30)

	it, err := e.Query(context.Background(), "rt", 0, 2*min, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	rows, err := it.Collect()
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].BucketStart != 0 || rows[0].Values[0].Value != 2 {
		t.Errorf("materialized bucket: got start=%d avg=%v, want 0/2", rows[0].BucketStart, rows[0].Values[0].Value)
	}
	if rows[1].BucketStart != min || rows[1].Values[0].Value != 7 || rows[1].Values[1].Value != 9 {
		t.Errorf("raw bucket: got start=%d avg=%v peak=%v, want %d/7/9",
			rows[1].BucketStart, rows[1].Values[0].Value, rows[1].Values[1].Value, min)
	}
}

func TestRealtimeBoundaryBucketServedFromRaw(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateView(realtimeViewDef("rt")); err != nil {
		t.Fatalf("failed to create view: %v", err)
	}

	min := int64(time.Minute)
	writeHostRow(t, e, "a", 2, 10)
	writeHostRow(t, e, "a", 4, min+10)
	if _, err := e.Refresh(context.Background(), "rt", 0, min); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// Force the watermark inside bucket 1. That bucket must then be
	// aggregated from raw rows in full, not a truncated slice of them.
	vs, err := e.viewState("rt")
	if err != nil {
		t.Fatalf("failed to look up view: %v", err)
	}
	vs.log.MarkRefreshed(Window{Low: min, High: min + min/2})
	writeHostRow(t, e, "a", 8, min+40)

	it, err := e.Query(context.Background(), "rt", 0, 2*min, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	rows, err := it.Collect()
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[1].Values[0].Value != 6 || rows[1].Values[1].Value != 8 {
		t.Errorf("boundary bucket: got avg=%v peak=%v, want 6/8", rows[1].Values[0].Value, rows[1].Values[1].Value)
	}
}

func TestRealtimeQueryDoesNotPersistRawTail(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateView(realtimeViewDef("rt")); err != nil {
		t.Fatalf("failed to create view: %v", err)
	}

	min := int64(time.Minute)
	writeHostRow(t, e, "a", 1, 10)
	writeHostRow(t, e, "a", 2, min+10)

	if _, err := e.Refresh(context.Background(), "rt", 0, min); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	store := e.store.(*MemoryStore)
	before := store.CellCount("rt")

	it, err := e.Query(context.Background(), "rt", 0, 2*min, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if _, err := it.Collect(); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if got := store.CellCount("rt"); got != before {
		t.Errorf("raw tail must not be written back: cells %d -> %d", before, got)
	}
}

func TestRealtimeQueryGroupKeyFilter(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateView(realtimeViewDef("rt")); err != nil {
		t.Fatalf("failed to create view: %v", err)
	}

	min := int64(time.Minute)
	writeHostRow(t, e, "a", 1, 10)
	writeHostRow(t, e, "b", 2, 20)
	writeHostRow(t, e, "a", 3, min+10)
	writeHostRow(t, e, "b", 4, min+20)

	if _, err := e.Refresh(context.Background(), "rt", 0, min); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	it, err := e.Query(context.Background(), "rt", 0, 2*min, []string{"host=b"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	rows, err := it.Collect()
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for host=b, got %d", len(rows))
	}
	for _, row := range rows {
		if row.GroupKey != "host=b" {
			t.Errorf("unexpected group key %q", row.GroupKey)
		}
	}
}
