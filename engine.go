package cagg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RowInserter is implemented by sources that accept writes through the
// engine. The default MemorySource implements it; a read-only external
// source does not, in which case Write fails.
type RowInserter interface {
	Insert(r Row)
}

// viewState bundles everything the engine tracks per view.
type viewState struct {
	def   *ViewDefinition
	log   *invalidationLog
	sched *viewScheduler
}

// Engine is the main continuous-aggregate handle. It owns the view
// catalog, the per-view schedulers, the materialization store, and the
// optional HTTP surface.
type Engine struct {
	config   Config
	source   SourceProvider
	store    MaterializationStore
	registry ViewRegistry
	events   *EventHub

	mu     sync.RWMutex
	views  map[string]*viewState
	closed bool

	httpServer *httpServer
	now        func() time.Time
}

// Open creates an engine from config, loads persisted and declarative
// view definitions, and starts the per-view schedulers and the HTTP
// server when enabled.
func Open(config Config) (*Engine, error) {
	config = config.withDefaults()

	e := &Engine{
		config:   config,
		source:   config.Source,
		store:    config.Store,
		registry: config.Registry,
		events:   NewEventHub(config.EventBufferSize),
		views:    make(map[string]*viewState),
		now:      time.Now,
	}
	if e.source == nil {
		e.source = NewMemorySource(config.Retention)
	}
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	if e.registry == nil {
		e.registry = NewMemoryRegistry()
	}

	// Rebuild the catalog from a durable store before anything else, so
	// declarative definitions cannot shadow persisted ones.
	if sqlStore, ok := e.store.(*SQLiteStore); ok {
		defs, err := sqlStore.LoadViewDefinitions(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load persisted views: %w", err)
		}
		for _, def := range defs {
			if err := e.createView(def, false); err != nil {
				return nil, fmt.Errorf("restore view %q: %w", def.Name, err)
			}
		}
	}

	if config.ViewsFile != "" {
		defs, err := LoadViewsFile(config.ViewsFile)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if err := e.CreateView(def); err != nil && !errors.Is(err, ErrViewExists) {
				return nil, err
			}
		}
	}

	if config.HTTP.Enabled {
		server, err := startHTTPServer(e, config.HTTP)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.httpServer = server
	}
	return e, nil
}

// CreateView validates and registers a new continuous aggregate and
// starts its refresh scheduler. All validation failures are reported
// here, synchronously; an invalid view is never created.
func (e *Engine) CreateView(def *ViewDefinition) error {
	return e.createView(def, true)
}

func (e *Engine) createView(def *ViewDefinition, persist bool) error {
	if def == nil {
		return newValidationError("", "", errEmptyViewName)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.views[def.Name]; ok {
		return ErrViewExists
	}
	if def.Created.IsZero() {
		def.Created = e.now()
	}
	if err := e.registry.Put(def); err != nil {
		return err
	}

	log := newInvalidationLog()
	ref := newRefresher(def, e.source, e.store, log, e.config.Workers)
	sched := newViewScheduler(ref, e.events, e.config.Retry, e.now)
	e.views[def.Name] = &viewState{def: def, log: log, sched: sched}
	sched.Start()

	if persist {
		if sqlStore, ok := e.store.(*SQLiteStore); ok {
			if err := sqlStore.SaveViewDefinition(context.Background(), def); err != nil {
				return fmt.Errorf("persist view %q: %w", def.Name, err)
			}
		}
	}
	return nil
}

// DropView stops a view's scheduler and discards its definition and all
// of its materialized state.
func (e *Engine) DropView(name string) error {
	e.mu.Lock()
	vs, ok := e.views[name]
	if !ok {
		e.mu.Unlock()
		return ErrViewNotFound
	}
	delete(e.views, name)
	e.mu.Unlock()

	vs.sched.Stop()
	if err := e.registry.Delete(name); err != nil && !errors.Is(err, ErrViewNotFound) {
		return err
	}
	if sqlStore, ok := e.store.(*SQLiteStore); ok {
		if err := sqlStore.DeleteViewDefinition(context.Background(), name); err != nil {
			return err
		}
	}
	return e.store.DeleteView(context.Background(), name)
}

// GetView returns a view definition.
func (e *Engine) GetView(name string) (*ViewDefinition, error) {
	return e.registry.Get(name)
}

// ListViews returns all view definitions ordered by name.
func (e *Engine) ListViews() []*ViewDefinition {
	return e.registry.List()
}

// Write inserts a raw row into the source and invalidates affected views
// when the row lands below their materialization watermark.
func (e *Engine) Write(r Row) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	e.mu.RUnlock()

	inserter, ok := e.source.(RowInserter)
	if !ok {
		return errors.New("source does not accept writes")
	}
	if err := ValidateRow(&r); err != nil {
		return err
	}
	inserter.Insert(r)

	for _, name := range e.registry.ViewsForMetric(r.Metric) {
		e.mu.RLock()
		vs, ok := e.views[name]
		e.mu.RUnlock()
		if ok {
			vs.log.Invalidate(r.Timestamp)
		}
	}
	return nil
}

// WriteBatch inserts multiple rows.
func (e *Engine) WriteBatch(rows []Row) error {
	for i := range rows {
		if err := e.Write(rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// Refresh runs a manual refresh of a view over [low, high). A zero high
// means "up to now minus the view's end offset", computed at invocation
// time. The request queues behind an in-flight automatic refresh for the
// same view. Use a context deadline to bound the wait; on expiry the
// refresh reports ErrRefreshIncomplete and keeps completed buckets.
func (e *Engine) Refresh(ctx context.Context, view string, low, high int64) (RefreshStats, error) {
	vs, err := e.viewState(view)
	if err != nil {
		return RefreshStats{}, err
	}
	return vs.sched.ManualRefresh(ctx, low, high)
}

// Query reads finalized rows of a view for bucket starts in
// [start, end), optionally filtered to group keys. For realtime views the
// result unions materialized buckets with aggregates computed on the fly
// from raw rows above the materialization watermark. Queries never block
// on a refresh in progress.
func (e *Engine) Query(ctx context.Context, view string, start, end int64, groupKeys []string) (*ResultIterator, error) {
	vs, err := e.viewState(view)
	if err != nil {
		return nil, err
	}
	window := Window{Low: start, High: end}
	if !vs.def.Realtime {
		return readFinalized(ctx, e.store, vs.def, window, groupKeys)
	}
	return e.realtimeRead(ctx, vs, window, groupKeys)
}

// SchedulerInfo returns the scheduler snapshot for a view.
func (e *Engine) SchedulerInfo(view string) (SchedulerInfo, error) {
	vs, err := e.viewState(view)
	if err != nil {
		return SchedulerInfo{}, err
	}
	return vs.sched.Info(), nil
}

// Subscribe returns a subscription to refresh lifecycle events.
func (e *Engine) Subscribe() *EventSubscription {
	return e.events.Subscribe()
}

// EngineStats summarizes the engine.
type EngineStats struct {
	Views      int             `json:"views"`
	Schedulers []SchedulerInfo `json:"schedulers"`
}

// Stats returns engine-wide statistics.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	states := make([]*viewState, 0, len(e.views))
	for _, vs := range e.views {
		states = append(states, vs)
	}
	e.mu.RUnlock()

	stats := EngineStats{Views: len(states)}
	for _, vs := range states {
		stats.Schedulers = append(stats.Schedulers, vs.sched.Info())
	}
	return stats
}

// Snapshot writes the full materialization state to the configured
// snapshot backend under the given key.
func (e *Engine) Snapshot(ctx context.Context, key string) error {
	if e.config.Snapshot.Backend == nil {
		return errors.New("no snapshot backend configured")
	}
	return writeSnapshot(ctx, e, e.config.Snapshot, key)
}

// RestoreSnapshot loads materialization state from the configured
// snapshot backend, upserting every cell it contains.
func (e *Engine) RestoreSnapshot(ctx context.Context, key string) error {
	if e.config.Snapshot.Backend == nil {
		return errors.New("no snapshot backend configured")
	}
	return readSnapshot(ctx, e, e.config.Snapshot, key)
}

// Close stops all schedulers, the HTTP server, and the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	states := make([]*viewState, 0, len(e.views))
	for _, vs := range e.views {
		states = append(states, vs)
	}
	e.mu.Unlock()

	for _, vs := range states {
		vs.sched.Stop()
	}
	if e.httpServer != nil {
		e.httpServer.Stop()
	}
	e.events.Close()
	return e.store.Close()
}

func (e *Engine) viewState(name string) (*viewState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	vs, ok := e.views[name]
	if !ok {
		return nil, ErrViewNotFound
	}
	return vs, nil
}
