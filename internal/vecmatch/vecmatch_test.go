package vecmatch

import (
	"errors"
	"math"
	"testing"
)

func TestEuclideanMatches(t *testing.T) {
	t.Parallel()
	m := Euclidean{}
	refs := []Vector{{0, 0}, {10, 10}}

	tests := []struct {
		name string
		cand Vector
		tol  float64
		want bool
	}{
		{name: "exact", cand: Vector{0, 0}, tol: 0.2, want: true},
		{name: "on boundary", cand: Vector{0.5, 0}, tol: 0.5, want: true},
		{name: "outside", cand: Vector{0.3, 0.4}, tol: 0.2, want: false},
		{name: "second reference", cand: Vector{10.1, 10}, tol: 0.2, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Matches(refs, tt.cand, tt.tol)
			if err != nil {
				t.Fatalf("Matches error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEuclideanEmptyRefs(t *testing.T) {
	t.Parallel()
	ok, err := Euclidean{}.Matches(nil, Vector{1}, 1)
	if err != nil || ok {
		t.Fatalf("Matches(nil) = %v, %v; want false, nil", ok, err)
	}
}

func TestDimensionMismatch(t *testing.T) {
	t.Parallel()
	_, err := Euclidean{}.Matches([]Vector{{1, 2, 3}}, Vector{1, 2}, 0.5)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	if _, err := Mean([]Vector{{1, 2}, {1}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Mean err = %v, want ErrDimensionMismatch", err)
	}
}

func TestMeanOfIdenticalVectorsIsExact(t *testing.T) {
	t.Parallel()
	v := Vector{0.1, -0.3, 1.0 / 3.0, 7e-5, math.Pi}
	for _, n := range []int{1, 2, 3, 10, 37} {
		vs := make([]Vector, n)
		for i := range vs {
			vs[i] = v
		}
		got, err := Mean(vs)
		if err != nil {
			t.Fatalf("Mean error: %v", err)
		}
		for i := range v {
			if got[i] != v[i] {
				t.Fatalf("n=%d: Mean[%d] = %v, want %v", n, i, got[i], v[i])
			}
		}
	}
}

func TestMean(t *testing.T) {
	t.Parallel()
	got, err := Mean([]Vector{{0, 2}, {2, 4}, {4, 6}})
	if err != nil {
		t.Fatalf("Mean error: %v", err)
	}
	want := Vector{2, 4}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("Mean = %v, want %v", got, want)
		}
	}
	if out, _ := Mean(nil); out != nil {
		t.Fatalf("Mean(nil) = %v, want nil", out)
	}
}
