package cagg

import (
	"fmt"
	"time"
)

// A Window is a half-open time interval [Low, High) in Unix nanoseconds.
type Window struct {
	Low  int64
	High int64
}

// Empty reports whether the window contains no time span.
func (w Window) Empty() bool {
	return w.Low >= w.High
}

// Duration returns the span of the window.
func (w Window) Duration() time.Duration {
	if w.Empty() {
		return 0
	}
	return time.Duration(w.High - w.Low)
}

// Intersect clips the window to another window.
func (w Window) Intersect(o Window) Window {
	out := w
	if o.Low > out.Low {
		out.Low = o.Low
	}
	if o.High < out.High {
		out.High = o.High
	}
	return out
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts int64) bool {
	return ts >= w.Low && ts < w.High
}

// Overlaps reports whether two windows share any span.
func (w Window) Overlaps(o Window) bool {
	return !w.Intersect(o).Empty()
}

func (w Window) String() string {
	return fmt.Sprintf("[%d, %d)", w.Low, w.High)
}

// RefreshPolicy controls when and over what span a view is refreshed.
// At every scheduler tick at time T the refresh window is
// [T-StartOffset, T-EndOffset).
type RefreshPolicy struct {
	// StartOffset is the distance from now to the lower window edge.
	StartOffset time.Duration `json:"start_offset" yaml:"start_offset"`

	// EndOffset is the distance from now to the upper window edge. A
	// non-zero end offset keeps the hot, still-mutating head of the data
	// out of materialization.
	EndOffset time.Duration `json:"end_offset" yaml:"end_offset"`

	// ScheduleInterval is the spacing between automatic refresh ticks.
	ScheduleInterval time.Duration `json:"schedule_interval" yaml:"schedule_interval"`
}

// Validate checks window well-formedness: the start offset must reach at
// least as far back as the end offset, and the tick interval must be
// positive.
func (p RefreshPolicy) Validate() error {
	if p.StartOffset < p.EndOffset {
		return errBadPolicy
	}
	if p.ScheduleInterval <= 0 {
		return errBadInterval
	}
	return nil
}

// WindowAt computes the refresh window for a tick at time now.
func (p RefreshPolicy) WindowAt(now time.Time) Window {
	t := now.UnixNano()
	return Window{
		Low:  t - p.StartOffset.Nanoseconds(),
		High: t - p.EndOffset.Nanoseconds(),
	}
}
