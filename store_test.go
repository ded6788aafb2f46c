package cagg

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryStoreUpsertAndRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := &PartialState{}
	p.Add(5, 100)
	bucket := BucketID{GroupKey: "host=a", Start: 0}
	if err := s.Upsert(ctx, "v", bucket, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Mutating the original must not affect the stored copy.
	p.Add(100, 200)

	cells, err := s.ReadPartials(ctx, "v", Window{Low: 0, High: 1000}, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(cells))
	}
	if cells[0].Partial.Count != 1 {
		t.Errorf("store did not isolate the partial, count=%d", cells[0].Partial.Count)
	}
}

func TestMemoryStoreUpsertReplaces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	bucket := BucketID{GroupKey: "", Start: 0}

	first := &PartialState{}
	first.Add(1, 10)
	_ = s.Upsert(ctx, "v", bucket, first)

	second := &PartialState{}
	second.Add(2, 20)
	second.Add(3, 30)
	_ = s.Upsert(ctx, "v", bucket, second)

	cells, _ := s.ReadPartials(ctx, "v", Window{Low: 0, High: 1000}, nil)
	if len(cells) != 1 || cells[0].Partial.Count != 2 {
		t.Errorf("upsert should replace, got %v", cells)
	}
}

func TestMemoryStoreReadFiltersAndSorts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, c := range []struct {
		key   string
		start int64
	}{
		{"host=b", 100},
		{"host=a", 100},
		{"host=a", 0},
		{"host=a", 200},
	} {
		p := &PartialState{}
		p.Add(1, c.start)
		_ = s.Upsert(ctx, "v", BucketID{GroupKey: c.key, Start: c.start}, p)
	}

	// Window excludes start 200; ordered by (start, key).
	cells, _ := s.ReadPartials(ctx, "v", Window{Low: 0, High: 200}, nil)
	if len(cells) != 3 {
		t.Fatalf("expected 3 cells, got %d", len(cells))
	}
	if cells[0].Bucket.Start != 0 || cells[1].Bucket.GroupKey != "host=a" || cells[2].Bucket.GroupKey != "host=b" {
		t.Errorf("wrong order: %v", cells)
	}

	// Group key filter.
	cells, _ = s.ReadPartials(ctx, "v", Window{Low: 0, High: 1000}, []string{"host=b"})
	if len(cells) != 1 || cells[0].Bucket.GroupKey != "host=b" {
		t.Errorf("filter failed: %v", cells)
	}
}

func TestMemoryStoreDeleteView(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := &PartialState{}
	p.Add(1, 1)
	_ = s.Upsert(ctx, "v", BucketID{Start: 0}, p)

	if err := s.DeleteView(ctx, "v"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.CellCount("v") != 0 {
		t.Errorf("expected empty view after delete")
	}
}

func TestResultIteratorFinalizesLazily(t *testing.T) {
	def := testViewDef("v")
	p := &PartialState{}
	p.Add(2, 10)
	p.Add(4, 20)
	cells := []MaterializedCell{{Bucket: BucketID{GroupKey: "host=a", Start: 0}, Partial: p}}

	it := newResultIterator(def, cells)
	rows, err := it.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.GroupKey != "host=a" || row.BucketStart != 0 {
		t.Errorf("wrong identity: %+v", row)
	}
	if len(row.Values) != 2 {
		t.Fatalf("expected 2 aggregate columns, got %d", len(row.Values))
	}
	if row.Values[0].Alias != "avg_usage" || row.Values[0].Value != 3 {
		t.Errorf("avg: %+v", row.Values[0])
	}
	if row.Values[1].Alias != "peak" || row.Values[1].Value != 4 {
		t.Errorf("max: %+v", row.Values[1])
	}
}

func TestResultIteratorNoData(t *testing.T) {
	def := testViewDef("v")
	cells := []MaterializedCell{{Bucket: BucketID{Start: 0}, Partial: &PartialState{}}}

	rows, err := newResultIterator(def, cells).Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !rows[0].Values[0].NoData {
		t.Errorf("empty partial should report NoData for avg, got %+v", rows[0].Values[0])
	}
}

func TestStoredPartialBytesIdentical(t *testing.T) {
	// Two identical recomputations must store byte-identical state.
	rows := []Row{
		{Value: 5, Timestamp: 10},
		{Value: 1, Timestamp: 30},
		{Value: 3, Timestamp: 20},
	}
	def := testViewDef("v")
	def.GroupBy = nil

	first := aggregateRows(def, rows)

	// Same rows, different arrival order.
	shuffled := []Row{rows[2], rows[0], rows[1]}
	second := aggregateRows(def, shuffled)

	a := first[""].Encode()
	b := second[""].Encode()
	if !bytes.Equal(a, b) {
		t.Errorf("recomputation is not byte-identical")
	}
}
