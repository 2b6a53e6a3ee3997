// Package covariance implements the periodic + aperiodic covariance
// functions of the guiding Gaussian process.
//
// Kernels are a closed set: a Kernel value carries its Kind tag and its own
// parameter slices, and Evaluate dispatches on the tag. Copying a Kernel with
// Clone yields an instance that shares no storage with the original.
//
// All parameters are given in natural (not log) space. Signal parameters are
// amplitudes: the kernel scales each term by the square of its signal
// parameter.
package covariance

import (
	"errors"
	"fmt"
	"math"

	"github.com/adalundhe/ppec/core/numeric"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrParameterCount indicates a parameter slice of the wrong length.
	ErrParameterCount = errors.New("covariance: wrong number of parameters")

	// ErrUnknownKind indicates a Kind outside the closed set.
	ErrUnknownKind = errors.New("covariance: unknown kernel kind")
)

// =============================================================================
// Kind
// =============================================================================

// Kind tags the concrete kernel variant.
type Kind int

const (
	// PeriodicSquareExponential is the 2-term kernel: a long-scale square
	// exponential plus a periodic term. It is used as the output projection
	// so predictions ignore the short-scale term.
	//
	// Parameters: [lsSE0, svSE0, lsP, svP]. Extra parameters: [period].
	PeriodicSquareExponential Kind = iota

	// PeriodicSquareExponential2 is the 3-term kernel used for inference:
	// long-scale square exponential, periodic term and short-scale square
	// exponential.
	//
	// Parameters: [lsSE0, svSE0, lsP, svP, lsSE1, svSE1]. Extra parameters: [period].
	PeriodicSquareExponential2
)

// String returns the kernel name.
func (k Kind) String() string {
	switch k {
	case PeriodicSquareExponential:
		return "periodic_square_exponential"
	case PeriodicSquareExponential2:
		return "periodic_square_exponential_2"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParameterCount is the number of hyperparameters for the kind.
func (k Kind) ParameterCount() int {
	switch k {
	case PeriodicSquareExponential:
		return 4
	case PeriodicSquareExponential2:
		return 6
	default:
		return 0
	}
}

// ExtraParameterCount is the number of secondary constants (the period).
func (k Kind) ExtraParameterCount() int {
	switch k {
	case PeriodicSquareExponential, PeriodicSquareExponential2:
		return 1
	default:
		return 0
	}
}

// =============================================================================
// Kernel
// =============================================================================

// Kernel is a covariance function over 1-D time offsets.
type Kernel struct {
	kind   Kind
	params []float64
	extra  []float64
}

// New creates a kernel of the given kind. Nil slices select unit parameters
// and a period of 1; otherwise lengths must match the kind.
func New(kind Kind, params, extra []float64) (Kernel, error) {
	if kind.ParameterCount() == 0 {
		return Kernel{}, ErrUnknownKind
	}
	k := Kernel{
		kind:   kind,
		params: ones(kind.ParameterCount()),
		extra:  ones(kind.ExtraParameterCount()),
	}
	if params != nil {
		if err := k.SetParameters(params); err != nil {
			return Kernel{}, err
		}
	}
	if extra != nil {
		if err := k.SetExtraParameters(extra); err != nil {
			return Kernel{}, err
		}
	}
	return k, nil
}

// MustNew is New for statically known arguments; it panics on error.
func MustNew(kind Kind, params, extra []float64) Kernel {
	k, err := New(kind, params, extra)
	if err != nil {
		panic(err)
	}
	return k
}

// Kind returns the variant tag.
func (k Kernel) Kind() Kind { return k.kind }

// ParameterCount returns the number of hyperparameters.
func (k Kernel) ParameterCount() int { return k.kind.ParameterCount() }

// ExtraParameterCount returns the number of extra parameters.
func (k Kernel) ExtraParameterCount() int { return k.kind.ExtraParameterCount() }

// Parameters returns a copy of the hyperparameters.
func (k Kernel) Parameters() []float64 { return clone(k.params) }

// ExtraParameters returns a copy of the extra parameters.
func (k Kernel) ExtraParameters() []float64 { return clone(k.extra) }

// SetParameters replaces the hyperparameters.
func (k *Kernel) SetParameters(p []float64) error {
	if len(p) != k.kind.ParameterCount() {
		return fmt.Errorf("%w: %s wants %d, got %d",
			ErrParameterCount, k.kind, k.kind.ParameterCount(), len(p))
	}
	k.params = clone(p)
	return nil
}

// SetExtraParameters replaces the extra parameters.
func (k *Kernel) SetExtraParameters(p []float64) error {
	if len(p) != k.kind.ExtraParameterCount() {
		return fmt.Errorf("%w: %s wants %d extra, got %d",
			ErrParameterCount, k.kind, k.kind.ExtraParameterCount(), len(p))
	}
	k.extra = clone(p)
	return nil
}

// Clone returns an independent copy of the kernel.
func (k Kernel) Clone() Kernel {
	return Kernel{
		kind:   k.kind,
		params: clone(k.params),
		extra:  clone(k.extra),
	}
}

// Evaluate returns the len(x1)×len(x2) covariance matrix between two location
// vectors. Either input being empty yields the empty matrix. When x1 and x2
// hold the same values the result is exactly symmetric.
func (k Kernel) Evaluate(x1, x2 []float64) *mat.Dense {
	if len(x1) == 0 || len(x2) == 0 {
		return &mat.Dense{}
	}

	if len(k.params) != k.kind.ParameterCount() || len(k.extra) != k.kind.ExtraParameterCount() {
		// zero-value kernels evaluate with unit parameters
		k = Kernel{kind: k.kind, params: ones(k.kind.ParameterCount()), extra: ones(k.kind.ExtraParameterCount())}
	}

	sq := numeric.SquareDistance1D(x1, x2)
	out := mat.NewDense(len(x1), len(x2), nil)

	switch k.kind {
	case PeriodicSquareExponential:
		term := k.periodicSE()
		out.Apply(func(i, j int, d2 float64) float64 {
			return term(d2)
		}, sq)
	case PeriodicSquareExponential2:
		term := k.periodicSE()
		lsSE1, svSE1 := k.params[4], k.params[5]
		out.Apply(func(i, j int, d2 float64) float64 {
			return term(d2) + squareExponential(d2, lsSE1, svSE1)
		}, sq)
	}
	return out
}

// EvaluatePoint is the scalar covariance k(a, b).
func (k Kernel) EvaluatePoint(a, b float64) float64 {
	return k.Evaluate([]float64{a}, []float64{b}).At(0, 0)
}

// periodicSE returns the long-scale SE + periodic terms shared by both
// variants, as a function of the squared distance.
func (k Kernel) periodicSE() func(d2 float64) float64 {
	lsSE0, svSE0 := k.params[0], k.params[1]
	lsP, svP := k.params[2], k.params[3]
	period := k.extra[0]

	return func(d2 float64) float64 {
		return squareExponential(d2, lsSE0, svSE0) + periodic(math.Sqrt(d2), lsP, svP, period)
	}
}

// squareExponential is sv²·exp(-d²/(2ls²)).
func squareExponential(d2, ls, sv float64) float64 {
	return sv * sv * math.Exp(-0.5*d2/(ls*ls))
}

// periodic is sv²·exp(-2·sin²(πd/P)/ls²).
func periodic(d, ls, sv, period float64) float64 {
	s := math.Sin(math.Pi*d/period) / ls
	return sv * sv * math.Exp(-2.0*s*s)
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1.0
	}
	return out
}

func clone(p []float64) []float64 {
	if p == nil {
		return nil
	}
	out := make([]float64, len(p))
	copy(out, p)
	return out
}
