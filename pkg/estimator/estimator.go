// Package estimator ranks the Unknown pairs of a match graph by how well
// their label is predicted by what is already known, and picks the next
// batch of pairs to verify.
//
// The confidence of a pair (i, j) is entry j of the solution of
// (L + λI)x = λ·e_i, where L is the Laplacian of the Similar edges. Pairs
// joined by short chains of Similar edges score close to 1; pairs in
// different components score 0, the neutral point.
package estimator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
	"github.com/sanonone/matchgraph/pkg/graph"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidK is returned when a selection is requested with k < 1.
var ErrInvalidK = errors.New("estimator: k must be at least 1")

// Policy selects how SelectKBest ranks candidates.
type Policy string

const (
	// Global ranks all Unknown pairs together and takes the overall top k.
	Global Policy = "global"
	// PerRow takes the best Unknown partner of each item in turn, which
	// spreads the batch over the item set.
	PerRow Policy = "per-row"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case Global, PerRow:
		return Policy(s), nil
	}
	return "", fmt.Errorf("estimator: unknown policy %q (want %q or %q)", s, Global, PerRow)
}

// Options configures an Estimator.
type Options struct {
	Policy Policy
	// Seed drives SelectRandomK.
	Seed uint64
	// Workers bounds the number of concurrent column solves.
	// Zero means one per physical core.
	Workers int
	// Tolerance is the residual norm at which a column solve stops.
	Tolerance float64
	// MaxIterations caps a column solve. Zero means 2·dim.
	MaxIterations int
	// MinShift is the smallest regularization used by the solver; it keeps
	// the system definite when λ = 0.
	MinShift float64
}

// DefaultOptions returns the options used by the command line tool.
func DefaultOptions() Options {
	return Options{
		Policy:    Global,
		Seed:      1,
		Tolerance: 1e-8,
		MinShift:  1e-3,
	}
}

// Estimator selects the pairs to verify next. Its batch buffers are reused
// across calls, so an Estimator must not be shared between goroutines.
type Estimator struct {
	opts   Options
	solver solver
	rng    *rand.Rand

	// cursor is the first row visited by the next per-row selection.
	cursor int

	batch Batch

	lastSolverIters atomic.Int64
}

// New creates an Estimator.
func New(opts Options) (*Estimator, error) {
	if opts.Policy == "" {
		opts.Policy = Global
	}
	if _, err := ParsePolicy(string(opts.Policy)); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers()
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 1e-8
	}
	if opts.MinShift <= 0 {
		opts.MinShift = 1e-3
	}

	return &Estimator{
		opts: opts,
		solver: solver{
			tol:      opts.Tolerance,
			maxIter:  opts.MaxIterations,
			minShift: opts.MinShift,
		},
		rng: rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

func defaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Policy returns the configured selection policy.
func (e *Estimator) Policy() Policy { return e.opts.Policy }

// SolverIterations returns the total CG iterations of the last selection
// or estimate.
func (e *Estimator) SolverIterations() int64 { return e.lastSolverIters.Load() }

func (e *Estimator) solverFor(dim int) solver {
	s := e.solver
	if s.maxIter <= 0 {
		s.maxIter = 2 * dim
	}
	return s
}

// Confidence is a dense dim×dim confidence matrix.
type Confidence struct {
	Dim    int
	Values []float64
}

// At returns the confidence of the pair (i, j).
func (c *Confidence) At(i, j int) float64 { return c.Values[i*c.Dim+j] }

// EstimateConfidence solves every column and returns the full matrix. The
// matrix is symmetrized by averaging (i,j) and (j,i). It needs dim² memory
// and is meant for diagnostics; selection does not go through it.
func (e *Estimator) EstimateConfidence(ctx context.Context, g *graph.Graph) (*Confidence, error) {
	dim := g.Dim()
	e.lastSolverIters.Store(0)
	conf := &Confidence{Dim: dim, Values: make([]float64, dim*dim)}

	err := e.forEachColumn(ctx, g, nil, func(_, col int, ws *workspace) error {
		copy(conf.Values[col*dim:(col+1)*dim], ws.x)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < dim; i++ {
		for j := i + 1; j < dim; j++ {
			avg := (conf.Values[i*dim+j] + conf.Values[j*dim+i]) / 2
			conf.Values[i*dim+j] = avg
			conf.Values[j*dim+i] = avg
		}
	}
	return conf, nil
}

// forEachColumn solves the given columns (all of them when cols is nil) on
// a bounded worker pool. fn runs on the worker that solved the column, with
// ws.x holding the confidences of col and ws.decided its labeled partners.
// worker identifies the calling goroutine in [0, workers).
func (e *Estimator) forEachColumn(ctx context.Context, g *graph.Graph, cols []int, fn func(worker, col int, ws *workspace) error) error {
	dim := g.Dim()
	view := g.CSR(graph.Borrow)
	s := e.solverFor(dim)

	total := dim
	if cols != nil {
		total = len(cols)
	}
	workers := e.workerCount(total)
	var next atomic.Int64

	// The diagonal is shared read-only by all workers.
	shared := newWorkspace(dim)
	s.prepare(view, shared)

	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			ws := newWorkspace(dim)
			ws.invDiag = shared.invDiag
			for {
				n := int(next.Add(1) - 1)
				if n >= total {
					return nil
				}
				col := n
				if cols != nil {
					col = cols[n]
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				iters, err := s.column(view, col, ws)
				e.lastSolverIters.Add(int64(iters))
				if err != nil {
					return err
				}
				ws.decided = g.AppendDecided(ws.decided[:0], col)
				if err := fn(w, col, ws); err != nil {
					return err
				}
			}
		})
	}
	return eg.Wait()
}

// workerCount returns how many workers forEachColumn starts for n columns.
func (e *Estimator) workerCount(n int) int {
	return max(1, min(e.opts.Workers, n))
}

// SelectKBest returns up to k Unknown pairs ranked by confidence under the
// configured policy. The batch holds min(k, UnknownCount) pairs.
func (e *Estimator) SelectKBest(ctx context.Context, g *graph.Graph, k int) (*Batch, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	e.batch.reset()
	e.lastSolverIters.Store(0)
	if g.UnknownCount() == 0 {
		return &e.batch, nil
	}

	var picked []candidate
	var err error
	switch e.opts.Policy {
	case PerRow:
		picked, err = e.selectPerRow(ctx, g, k)
	default:
		picked, err = e.selectGlobal(ctx, g, k)
	}
	if err != nil {
		return nil, err
	}

	for _, c := range picked {
		e.batch.add(int(c.i), int(c.j))
	}
	return &e.batch, nil
}

// forUnknown calls fn for every j such that (col, j) is Unknown, in
// ascending order. decided is the sorted list from Graph.AppendDecided.
func forUnknown(dim int, decided []int32, fn func(j int)) {
	d := 0
	for j := 0; j < dim; j++ {
		if d < len(decided) && int(decided[d]) == j {
			d++
			continue
		}
		fn(j)
	}
}
