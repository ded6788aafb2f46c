package cagg

import (
	"encoding/json"
	"fmt"
)

// AggFunc identifies an aggregate function.
type AggFunc int

const (
	// AggCount counts rows.
	AggCount AggFunc = iota
	// AggSum sums row values.
	AggSum
	// AggAvg averages row values. The average is derived from sum and count
	// at read time; it is never stored.
	AggAvg
	// AggMin keeps the minimum value.
	AggMin
	// AggMax keeps the maximum value.
	AggMax
	// AggFirst keeps the value with the earliest timestamp.
	AggFirst
	// AggLast keeps the value with the latest timestamp.
	AggLast
	// AggStddev computes the sample standard deviation (Welford/Chan merge).
	AggStddev
	// AggPercentile computes exact percentiles. It requires retaining raw
	// values and therefore has no mergeable partial form.
	AggPercentile
	// AggRate computes a per-second rate across neighboring observations.
	// It depends on rows outside a single bucket and is not mergeable.
	AggRate
	// AggAge reports the distance between wall-clock now and the latest
	// observation. It depends on evaluation time and is not immutable.
	AggAge
)

// Volatility classifies whether an aggregate's result depends only on its
// input rows.
type Volatility int

const (
	// VolatilityImmutable means the result is a pure function of input rows.
	VolatilityImmutable Volatility = iota
	// VolatilityVolatile means the result depends on evaluation time or
	// external state. Volatile aggregates cannot be materialized.
	VolatilityVolatile
)

// String returns the canonical lowercase function name.
func (f AggFunc) String() string {
	switch f {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggAvg:
		return "avg"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggFirst:
		return "first"
	case AggLast:
		return "last"
	case AggStddev:
		return "stddev"
	case AggPercentile:
		return "percentile"
	case AggRate:
		return "rate"
	case AggAge:
		return "age"
	default:
		return "unknown"
	}
}

// ParseAggFunc resolves a function name to an AggFunc.
func ParseAggFunc(name string) (AggFunc, bool) {
	switch name {
	case "count":
		return AggCount, true
	case "sum":
		return AggSum, true
	case "avg", "mean":
		return AggAvg, true
	case "min":
		return AggMin, true
	case "max":
		return AggMax, true
	case "first":
		return AggFirst, true
	case "last":
		return AggLast, true
	case "stddev":
		return AggStddev, true
	case "percentile":
		return AggPercentile, true
	case "rate":
		return AggRate, true
	case "age":
		return AggAge, true
	}
	return 0, false
}

// Mergeable reports whether the function has a partial form whose merge is
// commutative and associative. Only mergeable functions can back a
// continuous aggregate.
func (f AggFunc) Mergeable() bool {
	switch f {
	case AggCount, AggSum, AggAvg, AggMin, AggMax, AggFirst, AggLast, AggStddev:
		return true
	}
	return false
}

// Volatility returns the function's volatility class.
func (f AggFunc) Volatility() Volatility {
	if f == AggAge {
		return VolatilityVolatile
	}
	return VolatilityImmutable
}

// MarshalJSON encodes the function as its canonical name.
func (f AggFunc) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON decodes a function from its canonical name.
func (f *AggFunc) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	fn, ok := ParseAggFunc(name)
	if !ok {
		return fmt.Errorf("unknown aggregate function %q", name)
	}
	*f = fn
	return nil
}

// Aggregate pairs an aggregate function with its output alias in a view.
type Aggregate struct {
	// Alias is the column name of the finalized value.
	Alias string `json:"alias" yaml:"alias"`
	// Func is the aggregate function.
	Func AggFunc `json:"func" yaml:"-"`
}
