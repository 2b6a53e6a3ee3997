package gp

import (
	"math"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// LDLT Factorization
// =============================================================================
//
// LDLT is a symmetric-indefinite factorization with diagonal pivoting:
//
//	P A Pᵀ = L D Lᵀ
//
// where L is unit lower triangular and D is diagonal. Pivoting always selects
// the remaining diagonal entry of largest magnitude. The regularized Gram matrix
// is not guaranteed to be strictly positive definite once heteroscedastic
// noise and the periodic kernel interact, so this is used instead of a plain
// Cholesky factorization.

// LDLT holds a factorization produced by Factorize.
type LDLT struct {
	n    int
	l    []float64 // row-major n×n, unit lower triangular
	d    []float64
	perm []int
}

// Factorize computes the factorization of a. It returns false when a pivot
// is zero or non-finite; the receiver is still populated so D can be
// inspected.
func (f *LDLT) Factorize(a mat.Symmetric) bool {
	n := a.SymmetricDim()
	f.n = n
	f.l = make([]float64, n*n)
	f.d = make([]float64, n)
	f.perm = make([]int, n)

	w := make([]float64, n*n)
	for i := 0; i < n; i++ {
		f.perm[i] = i
		for j := 0; j < n; j++ {
			w[i*n+j] = a.At(i, j)
		}
	}

	ok := true
	for k := 0; k < n; k++ {
		p := k
		best := math.Abs(w[k*n+k])
		for i := k + 1; i < n; i++ {
			if v := math.Abs(w[i*n+i]); v > best {
				p, best = i, v
			}
		}
		if p != k {
			f.swap(w, k, p)
		}

		dk := w[k*n+k]
		f.d[k] = dk
		f.l[k*n+k] = 1
		if dk == 0 || math.IsNaN(dk) || math.IsInf(dk, 0) {
			ok = false
			continue
		}

		for i := k + 1; i < n; i++ {
			f.l[i*n+k] = w[i*n+k] / dk
		}
		for i := k + 1; i < n; i++ {
			lik := f.l[i*n+k]
			if lik == 0 {
				continue
			}
			for j := k + 1; j <= i; j++ {
				v := w[i*n+j] - lik*dk*f.l[j*n+k]
				w[i*n+j] = v
				w[j*n+i] = v
			}
		}
	}
	return ok
}

// swap exchanges positions k and p in the working matrix, the already
// computed columns of L and the permutation.
func (f *LDLT) swap(w []float64, k, p int) {
	n := f.n
	for j := 0; j < n; j++ {
		w[k*n+j], w[p*n+j] = w[p*n+j], w[k*n+j]
	}
	for i := 0; i < n; i++ {
		w[i*n+k], w[i*n+p] = w[i*n+p], w[i*n+k]
	}
	for j := 0; j < k; j++ {
		f.l[k*n+j], f.l[p*n+j] = f.l[p*n+j], f.l[k*n+j]
	}
	f.perm[k], f.perm[p] = f.perm[p], f.perm[k]
}

// Size returns the dimension of the factorized matrix.
func (f *LDLT) Size() int { return f.n }

// D returns a copy of the diagonal factor.
func (f *LDLT) D() []float64 {
	out := make([]float64, len(f.d))
	copy(out, f.d)
	return out
}

// Finite reports whether every pivot is finite and nonzero.
func (f *LDLT) Finite() bool {
	for _, d := range f.d {
		if d == 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return false
		}
	}
	return true
}

// SolveVec solves A x = b. Zero pivots contribute zero to the solution.
func (f *LDLT) SolveVec(b []float64) []float64 {
	n := f.n
	z := make([]float64, n)
	for k := 0; k < n; k++ {
		z[k] = b[f.perm[k]]
	}

	// L z = c
	for i := 1; i < n; i++ {
		z[i] -= vek.Dot(f.l[i*n:i*n+i], z[:i])
	}

	// D w = z
	for i := 0; i < n; i++ {
		if f.d[i] == 0 {
			z[i] = 0
			continue
		}
		z[i] /= f.d[i]
	}

	// Lᵀ y = w
	for i := n - 2; i >= 0; i-- {
		sum := 0.0
		for j := i + 1; j < n; j++ {
			sum += f.l[j*n+i] * z[j]
		}
		z[i] -= sum
	}

	x := make([]float64, n)
	for k := 0; k < n; k++ {
		x[f.perm[k]] = z[k]
	}
	return x
}

// Solve solves A X = B column by column.
func (f *LDLT) Solve(b mat.Matrix) *mat.Dense {
	r, c := b.Dims()
	out := mat.NewDense(r, c, nil)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, b)
		out.SetCol(j, f.SolveVec(col))
	}
	return out
}

// SqrtFactor returns S with A ≈ S Sᵀ, S = Pᵀ L sqrt(max(D, 0)). Negative
// pivots are treated as zero.
func (f *LDLT) SqrtFactor() *mat.Dense {
	n := f.n
	s := mat.NewDense(n, n, nil)
	for k := 0; k < n; k++ {
		for j := 0; j <= k; j++ {
			s.Set(f.perm[k], j, f.l[k*n+j]*math.Sqrt(math.Max(f.d[j], 0)))
		}
	}
	return s
}
