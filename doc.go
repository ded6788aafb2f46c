// Package cagg provides an embedded continuous-aggregate engine for
// time-series data: incremental materialization of time-bucketed
// aggregates with policy-driven background refresh.
//
// A continuous aggregate is defined once over a source metric, a bucket
// width, and a set of mergeable aggregate functions. A per-view scheduler
// periodically recomputes the buckets that became dirty inside the refresh
// window [now-StartOffset, now-EndOffset) and upserts partial aggregate
// state into a materialization store. Reads finalize partials lazily, so
// derived values such as averages are computed at query time.
//
// # Basic Usage
//
// Open an engine with default configuration:
//
//	eng, err := cagg.Open(cagg.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// Define a view:
//
//	err := eng.CreateView(&cagg.ViewDefinition{
//	    Name:         "cpu_hourly",
//	    SourceMetric: "cpu.usage",
//	    BucketWidth:  time.Hour,
//	    GroupBy:      []string{"host"},
//	    Aggregates: []cagg.Aggregate{
//	        {Alias: "avg_cpu", Func: cagg.AggAvg},
//	        {Alias: "max_cpu", Func: cagg.AggMax},
//	    },
//	    Policy: cagg.RefreshPolicy{
//	        StartOffset:      30 * 24 * time.Hour,
//	        EndOffset:        time.Hour,
//	        ScheduleInterval: time.Hour,
//	    },
//	})
//
// Write raw rows and read finalized buckets:
//
//	eng.Write(cagg.Row{Metric: "cpu.usage", Tags: map[string]string{"host": "web-1"},
//	    Value: 0.71, Timestamp: time.Now().UnixNano()})
//
//	it, err := eng.Query(ctx, "cpu_hourly", start, end, nil)
//
// # Features
//
// Materialization:
//   - Bucket-aligned incremental refresh with dirty-range invalidation tracking
//   - Commutative, associative partial aggregate state (merge-safe)
//   - Lazy read-time finalization (AVG = sum/count at read)
//   - In-memory and SQLite-backed materialization stores
//
// Scheduling:
//   - Per-view single-flight refresh with Idle/Running/Failed state machine
//   - Manual refresh that queues behind in-flight automatic refresh
//   - Failure retry with capped exponential backoff
//
// Integration:
//   - HTTP API with Prometheus remote-write ingest
//   - WebSocket stream of refresh lifecycle events
//   - Declarative YAML view and policy definitions
//   - Snappy-compressed, optionally encrypted snapshots to file, memory, or S3
package cagg
