package chunk

import (
	"fmt"

	"typegraph/internal/sigvalue"
)

// Estimator computes a deterministic cost for a value. Costs are monotonic in
// the length of the value's compact JSON encoding.
type Estimator interface {
	Cost(v sigvalue.Value) int
}

// TokenEstimator approximates model tokens as ceil(len(json) / Divisor).
type TokenEstimator struct {
	Divisor int
}

func (e TokenEstimator) Cost(v sigvalue.Value) int {
	d := e.Divisor
	if d <= 0 {
		d = 4
	}
	n := encodedLen(v)
	return (n + d - 1) / d
}

// ByteEstimator charges one unit per byte of compact JSON.
type ByteEstimator struct{}

func (ByteEstimator) Cost(v sigvalue.Value) int { return encodedLen(v) }

// NewEstimator maps a configuration name to an Estimator.
func NewEstimator(kind string) (Estimator, error) {
	switch kind {
	case "", "tokens":
		return TokenEstimator{Divisor: 4}, nil
	case "bytes":
		return ByteEstimator{}, nil
	default:
		return nil, fmt.Errorf("unknown estimator %q", kind)
	}
}

func encodedLen(v sigvalue.Value) int {
	b, err := sigvalue.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
