package cagg

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the cagg package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrViewNotFound is returned when a view name does not resolve.
	ErrViewNotFound = errors.New("view not found")

	// ErrViewExists is returned when creating a view with a taken name.
	ErrViewExists = errors.New("view already exists")

	// ErrNoData is returned when finalizing an aggregate over an empty bucket,
	// for example AVG with count zero.
	ErrNoData = errors.New("no data for bucket")

	// ErrRefreshIncomplete is returned when a manual refresh deadline expires
	// before every planned bucket was processed. Buckets upserted before the
	// deadline are kept.
	ErrRefreshIncomplete = errors.New("refresh incomplete")

	// ErrSourceUnavailable is returned when the source provider cannot serve
	// a scan.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSnapshotCorrupt is returned when a snapshot fails header or
	// checksum validation.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
)

// ValidationError reports a view definition rejected at creation time.
// Validation failures are always synchronous: an invalid view is never
// created and therefore never fails at refresh time.
type ValidationError struct {
	View  string
	Field string
	Cause error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid view %q: %s: %v", e.View, e.Field, e.Cause)
	}
	return fmt.Sprintf("invalid view %q: %v", e.View, e.Cause)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func newValidationError(view, field string, cause error) *ValidationError {
	return &ValidationError{View: view, Field: field, Cause: cause}
}

// Validation causes used by view definition checks.
var (
	errEmptyViewName     = errors.New("empty view name")
	errEmptySourceMetric = errors.New("empty source metric")
	errBadBucketWidth    = errors.New("bucket width must be positive")
	errNoAggregates      = errors.New("at least one aggregate required")
	errDuplicateAlias    = errors.New("duplicate aggregate alias")
	errNotMergeable      = errors.New("aggregate is not mergeable")
	errNotImmutable      = errors.New("aggregate is not immutable")
	errBadPolicy         = errors.New("start offset must be >= end offset")
	errBadInterval       = errors.New("schedule interval must be positive")
)

// RefreshErrorType categorizes refresh failures.
type RefreshErrorType int

const (
	// RefreshErrorTypeUnknown is an unclassified refresh error.
	RefreshErrorTypeUnknown RefreshErrorType = iota
	// RefreshErrorTypeSource indicates the source scan failed.
	RefreshErrorTypeSource
	// RefreshErrorTypeStore indicates a materialization upsert failed.
	RefreshErrorTypeStore
	// RefreshErrorTypeDeadline indicates the caller's deadline expired
	// mid-refresh.
	RefreshErrorTypeDeadline
)

// RefreshError provides detailed information about a failed refresh cycle.
// Buckets upserted before the failure are kept; the next scheduled tick
// recomputes the window and retries.
type RefreshError struct {
	Type    RefreshErrorType
	View    string
	Window  Window
	Done    int // buckets upserted before the failure
	Planned int // buckets the cycle planned
	Cause   error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %q %s (%d/%d buckets): %v",
		e.View, e.Window, e.Done, e.Planned, e.Cause)
}

func (e *RefreshError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for RefreshError.
func (e *RefreshError) Is(target error) bool {
	switch e.Type {
	case RefreshErrorTypeDeadline:
		return target == ErrRefreshIncomplete
	case RefreshErrorTypeSource:
		return target == ErrSourceUnavailable
	}
	return false
}

func newRefreshError(errType RefreshErrorType, view string, window Window, done, planned int, cause error) *RefreshError {
	return &RefreshError{
		Type:    errType,
		View:    view,
		Window:  window,
		Done:    done,
		Planned: planned,
		Cause:   cause,
	}
}

// StoreError provides detailed information about materialization store
// failures.
type StoreError struct {
	Op    string // "upsert", "read", "delete"
	View  string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s [%s]: %v", e.Op, e.View, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// retryableRefresh reports whether a refresh error is worth retrying within
// the same cycle. Validation and deadline errors are not.
func retryableRefresh(err error) bool {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Type == RefreshErrorTypeSource || re.Type == RefreshErrorTypeStore
	}
	return false
}
