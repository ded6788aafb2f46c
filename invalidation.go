package cagg

import (
	"sort"
	"sync"
)

// invalidationLog tracks which parts of a view's source data changed since
// they were last materialized.
//
// The log keeps a materialization watermark: everything at or above it has
// never been refreshed and is implicitly dirty, so only writes landing
// below the watermark (late or corrected data) need an explicit entry.
// A successful refresh truncates the covered entries and advances the
// watermark, so an untouched bucket is never replanned.
type invalidationLog struct {
	mu           sync.Mutex
	watermark    int64
	hasWatermark bool
	ranges       []Window // dirty ranges below the watermark, sorted, coalesced
}

func newInvalidationLog() *invalidationLog {
	return &invalidationLog{}
}

// Invalidate records that the instant ts was written. Writes at or above
// the watermark are implicitly dirty and not recorded.
func (l *invalidationLog) Invalidate(ts int64) {
	l.InvalidateRange(Window{Low: ts, High: ts + 1})
}

// InvalidateRange records a dirty range, typically from a bulk backfill.
func (l *invalidationLog) InvalidateRange(w Window) {
	if w.Empty() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasWatermark {
		return // nothing materialized yet, everything is dirty anyway
	}
	if w.Low >= l.watermark {
		return
	}
	if w.High > l.watermark {
		w.High = l.watermark
	}
	l.insertLocked(w)
}

// insertLocked inserts a range keeping the slice sorted and coalesced.
func (l *invalidationLog) insertLocked(w Window) {
	i := sort.Search(len(l.ranges), func(i int) bool {
		return l.ranges[i].High >= w.Low
	})
	j := i
	for j < len(l.ranges) && l.ranges[j].Low <= w.High {
		if l.ranges[j].Low < w.Low {
			w.Low = l.ranges[j].Low
		}
		if l.ranges[j].High > w.High {
			w.High = l.ranges[j].High
		}
		j++
	}
	merged := append(l.ranges[:i:i], w)
	l.ranges = append(merged, l.ranges[j:]...)
}

// Dirty returns the parts of window that need refreshing: recorded dirty
// ranges plus everything at or above the watermark. Before the first
// refresh the whole window is dirty.
func (l *invalidationLog) Dirty(window Window) []Window {
	if window.Empty() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hasWatermark {
		return []Window{window}
	}

	var out []Window
	for _, r := range l.ranges {
		if r.Low >= window.High {
			break
		}
		if clipped := r.Intersect(window); !clipped.Empty() {
			out = append(out, clipped)
		}
	}
	if window.High > l.watermark {
		head := Window{Low: l.watermark, High: window.High}
		if head.Low < window.Low {
			head.Low = window.Low
		}
		out = append(out, head)
	}
	return out
}

// MarkRefreshed records that window was materialized: covered entries are
// truncated and the watermark advances past the window.
//
// Only the window itself was materialized. When the watermark jumps over
// a region that was never refreshed (everything below the first refresh,
// or the span between the old watermark and window.Low), that region was
// implicitly dirty and must stay dirty, so it is recorded as an explicit
// range before the jump. Otherwise a refresh of a recent window would
// silently mark older, never-materialized history as clean and a later
// backfill refresh of it would plan nothing.
func (l *invalidationLog) MarkRefreshed(window Window) {
	if window.Empty() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept []Window
	for _, r := range l.ranges {
		if !r.Overlaps(window) {
			kept = append(kept, r)
			continue
		}
		if r.Low < window.Low {
			kept = append(kept, Window{Low: r.Low, High: window.Low})
		}
		if r.High > window.High {
			kept = append(kept, Window{Low: window.High, High: r.High})
		}
	}
	l.ranges = kept

	if !l.hasWatermark {
		if window.Low > minInt64 {
			l.insertLocked(Window{Low: minInt64, High: window.Low})
		}
	} else if window.Low > l.watermark {
		l.insertLocked(Window{Low: l.watermark, High: window.Low})
	}

	if !l.hasWatermark || window.High > l.watermark {
		l.watermark = window.High
		l.hasWatermark = true
	}
}

// Watermark returns the materialization watermark and whether one exists.
func (l *invalidationLog) Watermark() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.watermark, l.hasWatermark
}

// PendingRanges returns a copy of the recorded dirty ranges, for stats.
func (l *invalidationLog) PendingRanges() []Window {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Window, len(l.ranges))
	copy(out, l.ranges)
	return out
}
