package cagg

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PartialState is the mergeable accumulator for one (bucket, group key)
// cell. It carries enough state to finalize every mergeable AggFunc, so a
// single upsert serves all aggregates of a view.
//
// Merging two partials is commutative and associative, which is what makes
// incremental refresh safe under out-of-order and parallel recomputation.
// Ties on First/Last timestamps resolve to the smaller/larger value so that
// merge order can never change the outcome.
type PartialState struct {
	Count   int64
	Sum     float64
	Min     float64
	Max     float64
	First   float64
	FirstTs int64
	Last    float64
	LastTs  int64
	Mean    float64
	M2      float64 // Welford's online variance accumulator
}

// Add folds a single observation into the partial.
func (p *PartialState) Add(value float64, timestamp int64) {
	if p.Count == 0 {
		p.Min = value
		p.Max = value
		p.First = value
		p.FirstTs = timestamp
		p.Last = value
		p.LastTs = timestamp
	} else {
		if value < p.Min {
			p.Min = value
		}
		if value > p.Max {
			p.Max = value
		}
		if timestamp < p.FirstTs || (timestamp == p.FirstTs && value < p.First) {
			p.FirstTs = timestamp
			p.First = value
		}
		if timestamp > p.LastTs || (timestamp == p.LastTs && value > p.Last) {
			p.LastTs = timestamp
			p.Last = value
		}
	}
	p.Count++
	p.Sum += value

	// Welford's online algorithm for mean / variance
	delta := value - p.Mean
	p.Mean += delta / float64(p.Count)
	p.M2 += delta * (value - p.Mean)
}

// Merge folds another partial into p. Either side may be empty.
func (p *PartialState) Merge(o *PartialState) {
	if o == nil || o.Count == 0 {
		return
	}
	if p.Count == 0 {
		*p = *o
		return
	}
	if o.Min < p.Min {
		p.Min = o.Min
	}
	if o.Max > p.Max {
		p.Max = o.Max
	}
	if o.FirstTs < p.FirstTs || (o.FirstTs == p.FirstTs && o.First < p.First) {
		p.FirstTs = o.FirstTs
		p.First = o.First
	}
	if o.LastTs > p.LastTs || (o.LastTs == p.LastTs && o.Last > p.Last) {
		p.LastTs = o.LastTs
		p.Last = o.Last
	}

	// Chan et al. parallel variance merge.
	n := p.Count + o.Count
	delta := o.Mean - p.Mean
	p.M2 = (p.M2 + o.M2) + delta*delta*float64(p.Count)*float64(o.Count)/float64(n)
	p.Mean = (p.Mean*float64(p.Count) + o.Mean*float64(o.Count)) / float64(n)

	p.Count = n
	p.Sum += o.Sum
}

// Clone returns a copy of the partial.
func (p *PartialState) Clone() *PartialState {
	c := *p
	return &c
}

// Finalize computes the terminal value for one aggregate function.
// An empty partial yields 0 for count and ErrNoData for everything else;
// finalization never divides by a zero count.
func (p *PartialState) Finalize(f AggFunc) (float64, error) {
	if p.Count == 0 {
		if f == AggCount {
			return 0, nil
		}
		return 0, ErrNoData
	}
	switch f {
	case AggCount:
		return float64(p.Count), nil
	case AggSum:
		return p.Sum, nil
	case AggAvg:
		return p.Sum / float64(p.Count), nil
	case AggMin:
		return p.Min, nil
	case AggMax:
		return p.Max, nil
	case AggFirst:
		return p.First, nil
	case AggLast:
		return p.Last, nil
	case AggStddev:
		if p.Count < 2 {
			return 0, nil
		}
		return math.Sqrt(p.M2 / float64(p.Count-1)), nil
	default:
		return 0, fmt.Errorf("finalize: %s has no mergeable partial form", f)
	}
}

// partialEncodedSize is the fixed wire size of an encoded PartialState.
const partialEncodedSize = 80

// Encode serializes the partial into a fixed-width big-endian form.
// The encoding is deterministic: equal states encode to equal bytes, which
// idempotence checks and snapshots rely on.
func (p *PartialState) Encode() []byte {
	buf := make([]byte, partialEncodedSize)
	binary.BigEndian.PutUint64(buf[0:], uint64(p.Count))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(p.Sum))
	binary.BigEndian.PutUint64(buf[16:], math.Float64bits(p.Min))
	binary.BigEndian.PutUint64(buf[24:], math.Float64bits(p.Max))
	binary.BigEndian.PutUint64(buf[32:], math.Float64bits(p.First))
	binary.BigEndian.PutUint64(buf[40:], uint64(p.FirstTs))
	binary.BigEndian.PutUint64(buf[48:], math.Float64bits(p.Last))
	binary.BigEndian.PutUint64(buf[56:], uint64(p.LastTs))
	binary.BigEndian.PutUint64(buf[64:], math.Float64bits(p.Mean))
	binary.BigEndian.PutUint64(buf[72:], math.Float64bits(p.M2))
	return buf
}

// DecodePartialState deserializes a partial encoded by Encode.
func DecodePartialState(buf []byte) (*PartialState, error) {
	if len(buf) != partialEncodedSize {
		return nil, fmt.Errorf("partial state: bad encoded size %d", len(buf))
	}
	return &PartialState{
		Count:   int64(binary.BigEndian.Uint64(buf[0:])),
		Sum:     math.Float64frombits(binary.BigEndian.Uint64(buf[8:])),
		Min:     math.Float64frombits(binary.BigEndian.Uint64(buf[16:])),
		Max:     math.Float64frombits(binary.BigEndian.Uint64(buf[24:])),
		First:   math.Float64frombits(binary.BigEndian.Uint64(buf[32:])),
		FirstTs: int64(binary.BigEndian.Uint64(buf[40:])),
		Last:    math.Float64frombits(binary.BigEndian.Uint64(buf[48:])),
		LastTs:  int64(binary.BigEndian.Uint64(buf[56:])),
		Mean:    math.Float64frombits(binary.BigEndian.Uint64(buf[64:])),
		M2:      math.Float64frombits(binary.BigEndian.Uint64(buf[72:])),
	}, nil
}
