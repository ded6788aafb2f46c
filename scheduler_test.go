package cagg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestScheduler(def *ViewDefinition, source SourceProvider) (*viewScheduler, *MemoryStore, *EventHub) {
	store := NewMemoryStore()
	log := newInvalidationLog()
	ref := newRefresher(def, source, store, log, 2)
	events := NewEventHub(16)
	retry := DefaultRetryConfig()
	retry.InitialBackoff = time.Millisecond
	sched := newViewScheduler(ref, events, retry, nil)
	return sched, store, events
}

func TestSchedulerManualRefresh(t *testing.T) {
	def := testViewDef("v")
	source := NewMemorySource(0)
	min := time.Minute.Nanoseconds()
	source.Insert(Row{Metric: "cpu.usage", Tags: map[string]string{"host": "a"}, Value: 5, Timestamp: 10})

	sched, store, _ := newTestScheduler(def, source)

	stats, err := sched.ManualRefresh(context.Background(), 0, min)
	if err != nil {
		t.Fatalf("manual refresh: %v", err)
	}
	if stats.Refreshed != 1 {
		t.Errorf("expected 1 bucket, got %d", stats.Refreshed)
	}
	if store.CellCount("v") != 1 {
		t.Errorf("expected 1 cell, got %d", store.CellCount("v"))
	}

	info := sched.Info()
	if info.State != StateIdle {
		t.Errorf("expected idle after success, got %s", info.StateName)
	}
	if info.LastError != "" {
		t.Errorf("unexpected last error %q", info.LastError)
	}
}

func TestSchedulerManualRefreshDefaultHigh(t *testing.T) {
	def := testViewDef("v")
	source := NewMemorySource(0)
	sched, _, _ := newTestScheduler(def, source)

	fixed := time.Unix(5000, 0)
	sched.now = func() time.Time { return fixed }

	// high == 0 resolves to now minus the end offset at invocation time.
	stats, err := sched.ManualRefresh(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("manual refresh: %v", err)
	}
	wantHigh := BucketStart(fixed.Add(-def.Policy.EndOffset).UnixNano(), def.BucketWidth)
	if stats.Window.High != wantHigh {
		t.Errorf("expected aligned high %d, got %d", wantHigh, stats.Window.High)
	}
}

func TestSchedulerStateTransitionsOnFailure(t *testing.T) {
	def := testViewDef("v")
	source := &failingSource{MemorySource: NewMemorySource(0), failures: 100}
	source.MemorySource.Insert(Row{Metric: "cpu.usage", Value: 1, Timestamp: 10})
	min := time.Minute.Nanoseconds()

	sched, _, _ := newTestScheduler(def, source)

	_, err := sched.ManualRefresh(context.Background(), 0, min)
	if err == nil {
		t.Fatalf("expected failure")
	}
	info := sched.Info()
	if info.State != StateFailed {
		t.Errorf("expected failed state, got %s", info.StateName)
	}
	if info.Failures != 1 {
		t.Errorf("expected 1 failure, got %d", info.Failures)
	}
	if info.LastError == "" {
		t.Errorf("expected last error to be recorded")
	}

	// The source heals; the next cycle succeeds and returns to idle.
	source.failures = 0
	if _, err := sched.ManualRefresh(context.Background(), 0, min); err != nil {
		t.Fatalf("healed refresh: %v", err)
	}
	if info := sched.Info(); info.State != StateIdle || info.LastError != "" {
		t.Errorf("expected idle after recovery, got %+v", info)
	}
}

func TestSchedulerRetriesTransientFailures(t *testing.T) {
	def := testViewDef("v")
	// Fails once, then succeeds; MaxAttempts 3 absorbs it within the cycle.
	source := &failingSource{MemorySource: NewMemorySource(0), failures: 1}
	source.MemorySource.Insert(Row{Metric: "cpu.usage", Value: 1, Timestamp: 10})
	min := time.Minute.Nanoseconds()

	sched, _, _ := newTestScheduler(def, source)

	stats, err := sched.ManualRefresh(context.Background(), 0, min)
	if err != nil {
		t.Fatalf("expected retry to absorb the failure: %v", err)
	}
	if stats.Refreshed != 1 {
		t.Errorf("expected 1 bucket, got %d", stats.Refreshed)
	}
	if info := sched.Info(); info.Failures != 0 {
		t.Errorf("in-cycle retry should not count as a failure, got %d", info.Failures)
	}
}

func TestSchedulerSerializesCycles(t *testing.T) {
	def := testViewDef("v")
	def.GroupBy = nil
	source := NewMemorySource(0)
	min := time.Minute.Nanoseconds()
	for i := int64(0); i < 20; i++ {
		source.Insert(Row{Metric: "cpu.usage", Value: float64(i), Timestamp: i * min})
	}

	sched, store, _ := newTestScheduler(def, source)

	// Concurrent manual refreshes of the same window must serialize, and
	// the second must see a clean window.
	var wg sync.WaitGroup
	results := make([]RefreshStats, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := sched.ManualRefresh(context.Background(), 0, 20*min)
			if err != nil {
				t.Errorf("refresh %d: %v", i, err)
			}
			results[i] = stats
		}(i)
	}
	wg.Wait()

	total := results[0].Refreshed + results[1].Refreshed
	if total != 20 {
		t.Errorf("expected 20 bucket refreshes across both cycles, got %d", total)
	}
	if store.CellCount("v") != 20 {
		t.Errorf("expected 20 cells, got %d", store.CellCount("v"))
	}
}

func TestSchedulerPublishesEvents(t *testing.T) {
	def := testViewDef("v")
	source := NewMemorySource(0)
	source.Insert(Row{Metric: "cpu.usage", Value: 1, Timestamp: 10})
	min := time.Minute.Nanoseconds()

	sched, _, events := newTestScheduler(def, source)
	sub := events.Subscribe()
	defer sub.Close()

	if _, err := sched.ManualRefresh(context.Background(), 0, min); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	started := <-sub.C()
	if started.Kind != EventRefreshStarted || !started.Manual || started.View != "v" {
		t.Errorf("unexpected first event: %+v", started)
	}
	completed := <-sub.C()
	if completed.Kind != EventRefreshCompleted {
		t.Errorf("unexpected second event: %+v", completed)
	}
	if completed.Stats.Refreshed != 1 {
		t.Errorf("completion event missing stats: %+v", completed.Stats)
	}
}

func TestSchedulerTickLoop(t *testing.T) {
	def := testViewDef("v")
	def.Policy.ScheduleInterval = 5 * time.Millisecond
	def.Policy.StartOffset = time.Hour
	def.Policy.EndOffset = 0

	source := NewMemorySource(0)
	now := time.Now()
	source.Insert(Row{Metric: "cpu.usage", Value: 7, Timestamp: now.Add(-10 * time.Minute).UnixNano()})

	sched, store, _ := newTestScheduler(def, source)
	sched.Start()
	defer sched.Stop()

	deadline := time.After(2 * time.Second)
	for store.CellCount("v") == 0 {
		select {
		case <-deadline:
			t.Fatalf("scheduler never materialized anything")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if info := sched.Info(); info.Ticks == 0 {
		t.Errorf("expected at least one tick")
	}
}

func TestSchedulerTickSkipsWhenBusy(t *testing.T) {
	def := testViewDef("v")
	source := NewMemorySource(0)
	source.Insert(Row{Metric: "cpu.usage", Value: 1, Timestamp: 10})
	min := time.Minute.Nanoseconds()

	sched, store, events := newTestScheduler(def, source)
	sub := events.Subscribe()
	defer sub.Close()

	// Simulate an in-flight cycle holding the single-flight lock. An
	// automatic tick must return without waiting for it.
	sched.refreshMu.Lock()
	done := make(chan struct{})
	go func() {
		sched.tick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		sched.refreshMu.Unlock()
		t.Fatal("tick queued behind the in-flight cycle instead of skipping")
	}
	sched.refreshMu.Unlock()

	// A skipped tick publishes nothing and materializes nothing.
	select {
	case ev := <-sub.C():
		t.Fatalf("skipped tick must not publish events, got %+v", ev)
	default:
	}
	if store.CellCount("v") != 0 {
		t.Errorf("skipped tick must not refresh, got %d cells", store.CellCount("v"))
	}

	// Manual refreshes keep queueing for the lock.
	if _, err := sched.ManualRefresh(context.Background(), 0, min); err != nil {
		t.Fatalf("manual refresh after skip: %v", err)
	}
	if store.CellCount("v") != 1 {
		t.Errorf("expected 1 cell after manual refresh, got %d", store.CellCount("v"))
	}
}

func TestSchedulerFailedWindowRetriedNextCycle(t *testing.T) {
	def := testViewDef("v")
	source := &failingSource{MemorySource: NewMemorySource(0), failures: 100}
	source.MemorySource.Insert(Row{Metric: "cpu.usage", Value: 3, Timestamp: 10})
	min := time.Minute.Nanoseconds()

	sched, store, _ := newTestScheduler(def, source)

	if _, err := sched.ManualRefresh(context.Background(), 0, min); err == nil {
		t.Fatalf("expected failure")
	}
	// The failed window is not remembered as done: refreshing it again
	// after the outage replans and materializes it.
	source.failures = 0
	stats, err := sched.ManualRefresh(context.Background(), 0, min)
	if err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if stats.Refreshed != 1 || store.CellCount("v") != 1 {
		t.Errorf("failed window was not retried, stats=%+v", stats)
	}
}

func TestRefreshErrorIs(t *testing.T) {
	deadlineErr := newRefreshError(RefreshErrorTypeDeadline, "v", Window{}, 1, 3, ErrRefreshIncomplete)
	if !errors.Is(deadlineErr, ErrRefreshIncomplete) {
		t.Errorf("deadline error should match ErrRefreshIncomplete")
	}
	sourceErr := newRefreshError(RefreshErrorTypeSource, "v", Window{}, 0, 1, errors.New("boom"))
	if !errors.Is(sourceErr, ErrSourceUnavailable) {
		t.Errorf("source error should match ErrSourceUnavailable")
	}
	if !retryableRefresh(sourceErr) {
		t.Errorf("source errors are retryable")
	}
	if retryableRefresh(deadlineErr) {
		t.Errorf("deadline errors are not retryable")
	}
}
