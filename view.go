package cagg

import (
	"sort"
	"sync"
	"time"
)

// ViewDefinition describes a single continuous aggregate: the source
// metric, time bucketing, grouping, aggregate list, and refresh policy.
//
// Definitions are immutable once created. Changing any of these fields
// would invalidate every materialized cell, so a change requires dropping
// the view (which discards its materialized state) and recreating it.
type ViewDefinition struct {
	// Name is the unique view name.
	Name string `json:"name" yaml:"name"`

	// SourceMetric is the raw metric the view aggregates.
	SourceMetric string `json:"source_metric" yaml:"source_metric"`

	// BucketWidth is the fixed time-bucket width. Bucket starts are
	// aligned down to multiples of the width.
	BucketWidth time.Duration `json:"bucket_width" yaml:"bucket_width"`

	// GroupBy lists the tag keys that partition rows into groups.
	GroupBy []string `json:"group_by" yaml:"group_by"`

	// Aggregates lists the finalized output columns.
	Aggregates []Aggregate `json:"aggregates" yaml:"aggregates"`

	// Policy controls the automatic refresh schedule and window.
	Policy RefreshPolicy `json:"policy" yaml:"policy"`

	// Realtime, when set, makes reads union materialized buckets with
	// aggregates computed on the fly from raw rows above the
	// materialization watermark.
	Realtime bool `json:"realtime" yaml:"realtime"`

	// Created is set by the engine at creation time.
	Created time.Time `json:"created" yaml:"-"`
}

// Validate performs the static checks required at view creation. All
// failures here are synchronous: an invalid definition is rejected before
// any state exists, never at refresh time.
func (d *ViewDefinition) Validate() error {
	if d.Name == "" {
		return newValidationError(d.Name, "name", errEmptyViewName)
	}
	if err := ValidateMetricName(d.Name); err != nil {
		return newValidationError(d.Name, "name", err)
	}
	if d.SourceMetric == "" {
		return newValidationError(d.Name, "source_metric", errEmptySourceMetric)
	}
	if err := ValidateMetricName(d.SourceMetric); err != nil {
		return newValidationError(d.Name, "source_metric", err)
	}
	if d.BucketWidth <= 0 {
		return newValidationError(d.Name, "bucket_width", errBadBucketWidth)
	}
	if len(d.Aggregates) == 0 {
		return newValidationError(d.Name, "aggregates", errNoAggregates)
	}
	seen := make(map[string]bool, len(d.Aggregates))
	for _, a := range d.Aggregates {
		if a.Alias == "" {
			return newValidationError(d.Name, "aggregates", errDuplicateAlias)
		}
		if seen[a.Alias] {
			return newValidationError(d.Name, "aggregates."+a.Alias, errDuplicateAlias)
		}
		seen[a.Alias] = true
		if a.Func.Volatility() != VolatilityImmutable {
			return newValidationError(d.Name, "aggregates."+a.Alias, errNotImmutable)
		}
		if !a.Func.Mergeable() {
			return newValidationError(d.Name, "aggregates."+a.Alias, errNotMergeable)
		}
	}
	for _, k := range d.GroupBy {
		if err := ValidateTagKey(k); err != nil {
			return newValidationError(d.Name, "group_by", err)
		}
	}
	if err := d.Policy.Validate(); err != nil {
		return newValidationError(d.Name, "policy", err)
	}
	return nil
}

// GroupKeyFor computes the view's canonical group key for a row.
func (d *ViewDefinition) GroupKeyFor(r *Row) string {
	return MakeGroupKey(r.Tags, d.GroupBy)
}

// BucketFor returns the aligned bucket start enclosing ts.
func (d *ViewDefinition) BucketFor(ts int64) int64 {
	return BucketStart(ts, d.BucketWidth)
}

// ViewRegistry stores and retrieves view definitions. The engine goes
// through this interface so a catalog backed by external storage (such as
// the SQLite store) can replace the in-memory default.
type ViewRegistry interface {
	// Put stores a definition. It fails with ErrViewExists for taken names.
	Put(def *ViewDefinition) error

	// Get retrieves a definition or ErrViewNotFound.
	Get(name string) (*ViewDefinition, error)

	// Delete removes a definition or returns ErrViewNotFound.
	Delete(name string) error

	// List returns all definitions, ordered by name.
	List() []*ViewDefinition

	// ViewsForMetric returns the names of views sourced from a metric.
	ViewsForMetric(metric string) []string
}

// memoryRegistry is the default in-process ViewRegistry. It keeps a
// reverse metric-to-views index so write-path invalidation can find
// affected views without scanning.
type memoryRegistry struct {
	mu       sync.RWMutex
	views    map[string]*ViewDefinition
	byMetric map[string][]string
}

// NewMemoryRegistry creates an empty in-memory view registry.
func NewMemoryRegistry() ViewRegistry {
	return &memoryRegistry{
		views:    make(map[string]*ViewDefinition),
		byMetric: make(map[string][]string),
	}
}

func (r *memoryRegistry) Put(def *ViewDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[def.Name]; ok {
		return ErrViewExists
	}
	r.views[def.Name] = def
	r.byMetric[def.SourceMetric] = append(r.byMetric[def.SourceMetric], def.Name)
	return nil
}

func (r *memoryRegistry) Get(name string) (*ViewDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.views[name]
	if !ok {
		return nil, ErrViewNotFound
	}
	return def, nil
}

func (r *memoryRegistry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.views[name]
	if !ok {
		return ErrViewNotFound
	}
	delete(r.views, name)
	names := r.byMetric[def.SourceMetric]
	filtered := names[:0]
	for _, n := range names {
		if n != name {
			filtered = append(filtered, n)
		}
	}
	if len(filtered) == 0 {
		delete(r.byMetric, def.SourceMetric)
	} else {
		r.byMetric[def.SourceMetric] = filtered
	}
	return nil
}

func (r *memoryRegistry) List() []*ViewDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ViewDefinition, 0, len(r.views))
	for _, d := range r.views {
		out = append(out, d)
	}
	sortViewsByName(out)
	return out
}

func (r *memoryRegistry) ViewsForMetric(metric string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.byMetric[metric]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

func sortViewsByName(views []*ViewDefinition) {
	sort.Slice(views, func(i, j int) bool {
		return views[i].Name < views[j].Name
	})
}
