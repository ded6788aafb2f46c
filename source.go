package cagg

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SourceProvider is the externally-owned raw data collaborator. It serves
// rows filterable by time range and reports the range it still retains,
// so the planner never scans data dropped by retention.
type SourceProvider interface {
	// Scan returns the raw rows of metric inside window, in any order.
	Scan(ctx context.Context, metric string, window Window) ([]Row, error)

	// RetainedRange returns the window of data the source still holds for
	// the metric. Rows outside it are gone and must not be planned.
	RetainedRange(metric string) Window
}

// MemorySource is an in-process SourceProvider holding rows per metric,
// with optional retention trimming. It is the default source for embedded
// use and for the HTTP ingest path.
type MemorySource struct {
	mu        sync.RWMutex
	rows      map[string][]Row // per metric, kept sorted by timestamp
	retention time.Duration    // 0 keeps everything
	now       func() time.Time
}

// NewMemorySource creates an empty in-memory source. A zero retention
// keeps rows indefinitely.
func NewMemorySource(retention time.Duration) *MemorySource {
	return &MemorySource{
		rows:      make(map[string][]Row),
		retention: retention,
		now:       time.Now,
	}
}

// Insert adds a row. Out-of-order timestamps are accepted.
func (s *MemorySource) Insert(r Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[r.Metric]
	i := sort.Search(len(rows), func(i int) bool {
		return rows[i].Timestamp > r.Timestamp
	})
	rows = append(rows, Row{})
	copy(rows[i+1:], rows[i:])
	rows[i] = r
	s.rows[r.Metric] = rows
}

// Scan returns rows of metric with Low <= Timestamp < High.
func (s *MemorySource) Scan(_ context.Context, metric string, window Window) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[metric]
	lo := sort.Search(len(rows), func(i int) bool {
		return rows[i].Timestamp >= window.Low
	})
	hi := sort.Search(len(rows), func(i int) bool {
		return rows[i].Timestamp >= window.High
	})
	if lo >= hi {
		return nil, nil
	}
	out := make([]Row, hi-lo)
	copy(out, rows[lo:hi])
	return out, nil
}

// RetainedRange reports the time span still held for metric. With a
// retention configured, the lower edge is now minus retention regardless
// of what rows exist, matching how partition-dropping storage behaves.
func (s *MemorySource) RetainedRange(metric string) Window {
	s.mu.RLock()
	defer s.mu.RUnlock()
	high := s.now().UnixNano() + 1
	if s.retention <= 0 {
		return Window{Low: minInt64, High: high}
	}
	return Window{Low: s.now().Add(-s.retention).UnixNano(), High: high}
}

// EnforceRetention drops rows older than the retention cutoff. It is a
// no-op without a configured retention.
func (s *MemorySource) EnforceRetention() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention).UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for metric, rows := range s.rows {
		i := sort.Search(len(rows), func(i int) bool {
			return rows[i].Timestamp >= cutoff
		})
		if i == 0 {
			continue
		}
		dropped += i
		s.rows[metric] = append([]Row(nil), rows[i:]...)
	}
	return dropped
}

// Len returns the number of retained rows for metric.
func (s *MemorySource) Len(metric string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows[metric])
}

const minInt64 = -1 << 63
