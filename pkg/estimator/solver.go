package estimator

import (
	"errors"
	"fmt"
	"math"

	"github.com/sanonone/matchgraph/pkg/graph"
	"gonum.org/v1/gonum/floats"
)

// ErrSolverDiverged is returned when the conjugate gradient iteration
// produces a non-finite value. It is fatal for the run.
var ErrSolverDiverged = errors.New("estimator: solver diverged")

// solver computes columns of (L + λ'I)^-1 by Jacobi-preconditioned conjugate
// gradients. The matrix is symmetric positive definite for any λ' > 0.
type solver struct {
	tol      float64
	maxIter  int
	minShift float64
}

// workspace holds the per-goroutine vectors of one column solve.
type workspace struct {
	x, r, z, p, q []float64
	invDiag       []float64
	decided       []int32
}

func newWorkspace(dim int) *workspace {
	return &workspace{
		x:       make([]float64, dim),
		r:       make([]float64, dim),
		z:       make([]float64, dim),
		p:       make([]float64, dim),
		q:       make([]float64, dim),
		invDiag: make([]float64, dim),
	}
}

// shift returns the diagonal correction added on top of the stored λ so
// that the effective regularization is never below minShift.
func (s *solver) shift(v graph.CSRView) (effective, extra float64) {
	effective = math.Max(v.Lambda, s.minShift)
	return effective, effective - v.Lambda
}

// prepare loads the inverse diagonal of the shifted matrix into ws.
func (s *solver) prepare(v graph.CSRView, ws *workspace) {
	_, extra := s.shift(v)
	for i := 0; i < v.Dim; i++ {
		ws.invDiag[i] = 1 / (v.Values[v.DiagPos[i]] + extra)
	}
}

// column solves (A + extra·I)x = e_col and scales x by the effective λ, so
// ws.x[j] is the confidence of the pair (col, j). It returns the number of
// iterations used. prepare must have been called for the same view.
func (s *solver) column(v graph.CSRView, col int, ws *workspace) (int, error) {
	lam, extra := s.shift(v)
	x, r, z, p, q := ws.x, ws.r, ws.z, ws.p, ws.q

	// x0 = 0, r0 = e_col
	for i := range x {
		x[i] = 0
		r[i] = 0
	}
	r[col] = 1
	floats.MulTo(z, ws.invDiag, r)
	copy(p, z)
	rz := floats.Dot(r, z)

	iter := 0
	for ; iter < s.maxIter; iter++ {
		v.MulVec(q, p, extra)
		pq := floats.Dot(p, q)
		alpha := rz / pq
		if math.IsNaN(alpha) || math.IsInf(alpha, 0) {
			return iter, fmt.Errorf("%w: column %d, iteration %d", ErrSolverDiverged, col, iter)
		}

		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, q)
		// ||e_col|| = 1, so the absolute residual is also the relative one.
		if floats.Norm(r, 2) < s.tol {
			iter++
			break
		}

		floats.MulTo(z, ws.invDiag, r)
		rzNext := floats.Dot(r, z)
		beta := rzNext / rz
		rz = rzNext
		floats.AddScaledTo(p, z, beta, p)
	}

	floats.Scale(lam, x)
	return iter, nil
}
