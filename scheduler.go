package cagg

import (
	"context"
	"log"
	"sync"
	"time"
)

// RefreshState is the scheduler state of one view.
type RefreshState int

const (
	// StateIdle means no refresh is in flight and the last cycle (if any)
	// succeeded.
	StateIdle RefreshState = iota
	// StateRunning means a refresh cycle is in flight.
	StateRunning
	// StateFailed means the last cycle failed. The failed window is not
	// remembered as done; the next tick recomputes the window fresh and
	// retries.
	StateFailed
)

func (s RefreshState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SchedulerInfo is a snapshot of one view's scheduler.
type SchedulerInfo struct {
	View      string       `json:"view"`
	State     RefreshState `json:"-"`
	StateName string       `json:"state"`
	LastRun   time.Time    `json:"last_run"`
	LastError string       `json:"last_error,omitempty"`
	LastStats RefreshStats `json:"last_stats"`
	Ticks     int64        `json:"ticks"`
	Failures  int64        `json:"failures"`
}

// viewScheduler drives the automatic refresh loop of a single view and
// serializes it with manual refresh requests.
//
// Refreshes of the same view are single-flight: refreshMu admits one
// cycle at a time, so a tick firing while a refresh runs is skipped, and
// a manual request arriving mid-cycle queues behind the in-flight cycle
// instead of racing it. Distinct views have distinct schedulers and run
// independently.
type viewScheduler struct {
	ref     *refresher
	policy  RefreshPolicy
	events  *EventHub
	retryer *Retryer
	now     func() time.Time

	refreshMu sync.Mutex // single-flight admission for cycles

	mu        sync.Mutex // guards the fields below
	state     RefreshState
	lastErr   error
	lastStats RefreshStats
	lastRun   time.Time
	ticks     int64
	failures  int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newViewScheduler(r *refresher, events *EventHub, retry RetryConfig, now func() time.Time) *viewScheduler {
	if now == nil {
		now = time.Now
	}
	retry.RetryIf = retryableRefresh
	ctx, cancel := context.WithCancel(context.Background())
	return &viewScheduler{
		ref:     r,
		policy:  r.def.Policy,
		events:  events,
		retryer: NewRetryer(retry),
		now:     now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the tick loop.
func (s *viewScheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop stops the tick loop and waits for an in-flight cycle to finish its
// current bucket work.
func (s *viewScheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *viewScheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.policy.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one automatic cycle over the policy window computed at tick
// time.
func (s *viewScheduler) tick() {
	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()

	window := s.policy.WindowAt(s.now())
	if _, err := s.runCycle(s.ctx, window, false); err != nil {
		log.Printf("cagg: refresh %q failed: %v", s.ref.def.Name, err)
	}
}

// ManualRefresh runs a user-requested refresh over [low, high). A zero
// high means "up to now minus the end offset", computed at invocation
// time. The request queues behind any in-flight automatic cycle for the
// same view. The context may carry a deadline; on expiry the refresh
// reports ErrRefreshIncomplete and keeps the buckets already upserted.
func (s *viewScheduler) ManualRefresh(ctx context.Context, low, high int64) (RefreshStats, error) {
	if high == 0 {
		high = s.now().Add(-s.policy.EndOffset).UnixNano()
	}
	return s.runCycle(ctx, Window{Low: low, High: high}, true)
}

// runCycle executes one refresh cycle under single-flight admission and
// drives the Idle -> Running -> {Idle, Failed} transitions.
//
// Manual requests queue for the lock; automatic ticks skip when a cycle
// is already in flight, since the next tick recomputes the window anyway.
func (s *viewScheduler) runCycle(ctx context.Context, window Window, manual bool) (RefreshStats, error) {
	if manual {
		s.refreshMu.Lock()
	} else if !s.refreshMu.TryLock() {
		return RefreshStats{}, nil
	}
	defer s.refreshMu.Unlock()

	started := s.now()
	s.setState(StateRunning, nil)
	s.events.Publish(RefreshEvent{
		View: s.ref.def.Name, Kind: EventRefreshStarted,
		Manual: manual, Window: window, At: started,
	})

	var stats RefreshStats
	err := s.retryer.Do(ctx, func() error {
		var rerr error
		stats, rerr = s.ref.refresh(ctx, window)
		return rerr
	})

	elapsed := s.now().Sub(started)
	s.mu.Lock()
	s.lastRun = started
	s.lastStats = stats
	s.mu.Unlock()

	if err != nil {
		s.setState(StateFailed, err)
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		s.events.Publish(RefreshEvent{
			View: s.ref.def.Name, Kind: EventRefreshFailed,
			Manual: manual, Window: window, Stats: stats,
			Error: err.Error(), At: s.now(), Duration: elapsed,
		})
		return stats, err
	}

	s.setState(StateIdle, nil)
	s.events.Publish(RefreshEvent{
		View: s.ref.def.Name, Kind: EventRefreshCompleted,
		Manual: manual, Window: window, Stats: stats,
		At: s.now(), Duration: elapsed,
	})
	return stats, nil
}

func (s *viewScheduler) setState(state RefreshState, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	s.mu.Unlock()
}

// Info returns a snapshot of the scheduler.
func (s *viewScheduler) Info() SchedulerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SchedulerInfo{
		View:      s.ref.def.Name,
		State:     s.state,
		StateName: s.state.String(),
		LastRun:   s.lastRun,
		LastStats: s.lastStats,
		Ticks:     s.ticks,
		Failures:  s.failures,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}
