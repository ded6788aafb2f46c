package cagg

import (
	"fmt"
	"time"
)

// BucketID identifies one materialized cell: a group key inside an
// aligned time bucket. The bucket width is fixed per view, so it is not
// repeated in the id.
type BucketID struct {
	GroupKey string
	Start    int64 // aligned bucket start, Unix nanoseconds
}

func (b BucketID) String() string {
	return fmt.Sprintf("%s@%d", b.GroupKey, b.Start)
}

// BucketStart aligns ts down to the enclosing bucket boundary.
// Alignment is correct for timestamps before the epoch as well.
func BucketStart(ts int64, width time.Duration) int64 {
	w := width.Nanoseconds()
	mod := ts % w
	if mod < 0 {
		mod += w
	}
	return ts - mod
}

// bucketAlignUp aligns ts up to the next bucket boundary (identity when
// already aligned).
func bucketAlignUp(ts int64, width time.Duration) int64 {
	start := BucketStart(ts, width)
	if start == ts {
		return ts
	}
	return start + width.Nanoseconds()
}

// BucketPlan is the outcome of planning one refresh cycle.
type BucketPlan struct {
	// Window is the effective refresh window after clamping to the
	// source's retained range and snapping to bucket boundaries.
	Window Window
	// Starts lists the aligned starts of buckets to recompute, ascending.
	Starts []int64
	// SkippedRetention counts window buckets that fell outside the
	// retained range and were not planned.
	SkippedRetention int
}

// NothingToRefresh reports whether the plan is a no-op. An empty plan is
// an outcome, not an error: the window may be empty, fully outside the
// retained range, or contain no dirty buckets.
func (p BucketPlan) NothingToRefresh() bool {
	return len(p.Starts) == 0
}

// planBuckets computes the buckets to recompute for a refresh window.
//
// Only buckets fully contained in the window are planned, so a refresh
// never materializes a bucket whose raw rows may still change inside the
// window's exclusive head. The window is first clamped to the retained
// range of the source; buckets dropped by retention are counted but not
// planned, so the cycle reports "nothing to refresh" rather than scanning
// data that no longer exists. When dirty ranges are supplied, buckets not
// overlapping any of them are skipped.
func planBuckets(window Window, width time.Duration, retained Window, dirty []Window) BucketPlan {
	plan := BucketPlan{}
	if window.Empty() || width <= 0 {
		return plan
	}

	clamped := window.Intersect(retained)
	if clamped.Empty() {
		// Count what the un-clamped window would have held.
		plan.SkippedRetention = countBuckets(window, width)
		return plan
	}
	plan.SkippedRetention = countBuckets(window, width) - countBuckets(clamped, width)

	low := bucketAlignUp(clamped.Low, width)
	w := width.Nanoseconds()
	plan.Window = Window{Low: low, High: BucketStart(clamped.High, width)}

	for start := low; start+w <= clamped.High; start += w {
		if dirty != nil && !overlapsAny(Window{Low: start, High: start + w}, dirty) {
			continue
		}
		plan.Starts = append(plan.Starts, start)
	}
	return plan
}

// countBuckets returns how many whole buckets fit in the window.
func countBuckets(window Window, width time.Duration) int {
	if window.Empty() {
		return 0
	}
	w := width.Nanoseconds()
	low := bucketAlignUp(window.Low, width)
	n := (window.High - low) / w
	if n < 0 {
		return 0
	}
	return int(n)
}

func overlapsAny(b Window, ranges []Window) bool {
	for _, r := range ranges {
		if b.Overlaps(r) {
			return true
		}
	}
	return false
}
