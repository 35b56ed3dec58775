// Package vecmatch compares face feature vectors.
//
// The metric is owned here; callers only pass tolerances. Euclidean is the
// rule face_recognition uses for compare_faces: a candidate matches a
// reference when their L2 distance is <= tolerance.
package vecmatch

import (
	"errors"
	"fmt"
	"math"
)

// Vector is a fixed-dimension face encoding. Treat it as immutable once
// produced; the clusterer stores the caller's slice as-is.
type Vector []float64

// ErrDimensionMismatch is returned when two vectors of different length meet.
// It is a caller contract violation, not a runtime condition.
var ErrDimensionMismatch = errors.New("vecmatch: dimension mismatch")

// Matcher reports whether candidate is within tolerance of any reference.
type Matcher interface {
	Matches(refs []Vector, candidate Vector, tolerance float64) (bool, error)
}

// Euclidean is the default Matcher.
type Euclidean struct{}

func (Euclidean) Matches(refs []Vector, candidate Vector, tolerance float64) (bool, error) {
	for _, ref := range refs {
		d, err := Distance(ref, candidate)
		if err != nil {
			return false, err
		}
		if d <= tolerance {
			return true, nil
		}
	}
	return false, nil
}

// Distance returns the L2 distance between a and b.
func Distance(a, b Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Mean returns the per-dimension arithmetic mean of vs.
// All vectors must share the dimension of vs[0]; an empty input yields nil.
//
// The mean is accumulated incrementally so that N copies of the same vector
// average back to exactly that vector.
func Mean(vs []Vector) (Vector, error) {
	if len(vs) == 0 {
		return nil, nil
	}
	dim := len(vs[0])
	out := make(Vector, dim)
	for k, v := range vs {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(v), dim)
		}
		n := float64(k + 1)
		for i, x := range v {
			out[i] += (x - out[i]) / n
		}
	}
	return out, nil
}
