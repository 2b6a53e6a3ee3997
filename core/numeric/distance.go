// Package numeric provides the numerical building blocks used by the
// Gaussian process guider: pairwise distances, Gaussian sampling, spectral
// estimation, windowing, linear detrending and finiteness checks.
package numeric

import (
	"errors"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// Errors
// =============================================================================

// ErrDimensionMismatch is the panic value raised when two matrices passed to
// SquareDistance do not share the same number of rows.
var ErrDimensionMismatch = errors.New("numeric: dimension mismatch")

// =============================================================================
// Square Distance
// =============================================================================

// SquareDistance returns the matrix of pairwise squared Euclidean distances
// between the columns of a and the columns of b. For a d×n and a d×m input the
// result is n×m. A mismatch in d is a precondition violation and panics with
// ErrDimensionMismatch.
//
// If either input has no columns the empty (zero-value) matrix is returned.
func SquareDistance(a, b *mat.Dense) *mat.Dense {
	ra, ca := dims(a)
	rb, cb := dims(b)
	if ca == 0 || cb == 0 {
		return &mat.Dense{}
	}
	if ra != rb {
		panic(ErrDimensionMismatch)
	}

	colsA := columns(a, ra, ca)
	colsB := columns(b, rb, cb)

	out := mat.NewDense(ca, cb, nil)
	for i, x := range colsA {
		for j, y := range colsB {
			diff := vek.Sub(x, y)
			out.Set(i, j, vek.Dot(diff, diff))
		}
	}
	return out
}

// SquareDistanceSelf is SquareDistance(a, a). The result is exactly symmetric.
func SquareDistanceSelf(a *mat.Dense) *mat.Dense {
	r, c := dims(a)
	if c == 0 {
		return &mat.Dense{}
	}

	cols := columns(a, r, c)
	out := mat.NewDense(c, c, nil)
	for i := 0; i < c; i++ {
		for j := i + 1; j < c; j++ {
			diff := vek.Sub(cols[i], cols[j])
			d := vek.Dot(diff, diff)
			out.Set(i, j, d)
			out.Set(j, i, d)
		}
	}
	return out
}

// SquareDistance1D is the one-dimensional special case used by the kernels:
// entry (i, j) is (x[i]-y[j])².
func SquareDistance1D(x, y []float64) *mat.Dense {
	if len(x) == 0 || len(y) == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(len(x), len(y), nil)
	for i, xi := range x {
		for j, yj := range y {
			d := xi - yj
			out.Set(i, j, d*d)
		}
	}
	return out
}

func dims(m *mat.Dense) (int, int) {
	if m == nil || m.IsEmpty() {
		return 0, 0
	}
	return m.Dims()
}

func columns(m *mat.Dense, r, c int) [][]float64 {
	cols := make([][]float64, c)
	for j := 0; j < c; j++ {
		cols[j] = mat.Col(make([]float64, r), j, m)
	}
	return cols
}
