// Package engine drives the discovery loop. Each iteration selects a batch
// of Unknown pairs, has the oracle verify them and folds the verdicts back
// into the match graph:
//
//	Uninitialized → Initialized → {Predicting → Verifying → Updating}* → Terminated
//
// Basic usage:
//
//	opts := engine.DefaultOptions()
//	e, err := engine.New(opts, items, comparator, initializer.NewRandom(opts.Seed))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	summary, err := e.Run(ctx)
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sanonone/matchgraph/pkg/estimator"
	"github.com/sanonone/matchgraph/pkg/graph"
	"github.com/sanonone/matchgraph/pkg/initializer"
	"github.com/sanonone/matchgraph/pkg/items"
	"github.com/sanonone/matchgraph/pkg/metrics"
	"github.com/sanonone/matchgraph/pkg/oracle"
	"github.com/sanonone/matchgraph/pkg/persistence"
)

// ErrInvalidState is returned when an operation is not allowed in the
// engine's current state.
var ErrInvalidState = errors.New("operation not allowed in current state")

// Selector picks the pairs to verify next. *estimator.Estimator implements it.
type Selector interface {
	SelectKBest(ctx context.Context, g *graph.Graph, k int) (*estimator.Batch, error)
	SelectRandomK(g *graph.Graph, k int) (*estimator.Batch, error)
	SolverIterations() int64
}

// Mode says how a batch was selected.
type Mode string

const (
	ModeKBest  Mode = "kbest"
	ModeRandom Mode = "random"
)

// StepResult describes one completed iteration.
type StepResult struct {
	Iteration int
	Mode      Mode
	Selected  int
	Applied   int
	Similar   int

	SolverIterations   int64
	SolverDuration     time.Duration
	ComparatorDuration time.Duration
	UpdateDuration     time.Duration
}

// Summary describes a finished run.
type Summary struct {
	RunID      uuid.UUID
	Iterations int
	Resumed    bool
	Similar    int
	Dissimilar int
	Unknown    int
	Elapsed    time.Duration
}

// Engine runs the discovery loop over one item set. It is not safe for
// concurrent use.
type Engine struct {
	opts   Options
	k      int
	base   *slog.Logger
	logger *slog.Logger
	runID  uuid.UUID

	g        *graph.Graph
	src      items.Source
	sel      Selector
	cmp      oracle.Comparator
	verifier initializer.Verifier
	init     initializer.Initializer
	journal  *persistence.Journal

	state   State
	iter    int
	resumed bool
}

// New validates opts and builds the graph, estimator and oracle for src.
// Nothing is computed until Initialize or Run.
func New(opts Options, src items.Source, cmp oracle.Comparator, init initializer.Initializer) (*Engine, error) {
	dim := src.Len()
	if err := opts.Validate(dim); err != nil {
		return nil, err
	}
	if cmp == nil || init == nil {
		return nil, fmt.Errorf("%w: comparator and initializer are required", ErrInvalidOptions)
	}

	g, err := graph.New(dim, opts.Lambda, graph.WithWorkers(opts.Workers))
	if err != nil {
		return nil, err
	}
	policy := estimator.Global
	if opts.Policy != "" {
		policy = estimator.Policy(opts.Policy)
	}
	est, err := estimator.New(estimator.Options{
		Policy:        policy,
		Seed:          opts.Seed,
		Workers:       opts.Workers,
		Tolerance:     opts.SolverTolerance,
		MaxIterations: opts.SolverMaxIterations,
	})
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	e := &Engine{
		opts:  opts,
		k:     opts.batchSize(dim),
		base:  logger,
		runID: runID,
		g:     g,
		src:   src,
		sel:   est,
		cmp:   cmp,
		init:  init,
	}
	e.setRunID(runID)
	return e, nil
}

func (e *Engine) setRunID(id uuid.UUID) {
	e.runID = id
	e.logger = e.base.With("run_id", id.String())
	e.verifier = oracle.New(e.cmp, e.opts.OracleConcurrency, e.logger)
}

// Graph returns the match graph. It must not be mutated while the engine
// is running.
func (e *Engine) Graph() *graph.Graph { return e.g }

// State returns the current state of the loop.
func (e *Engine) State() State { return e.state }

// Iteration returns the number of completed iterations.
func (e *Engine) Iteration() int { return e.iter }

// RunID identifies this run in logs and in the journal.
func (e *Engine) RunID() uuid.UUID { return e.runID }

// Initialize seeds the graph. With a journal configured, an existing journal
// is replayed instead and the iteration counter continues from it.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.state != Uninitialized {
		return fmt.Errorf("%w: initialize in state %s", ErrInvalidState, e.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if e.opts.JournalPath != "" {
		resumed, err := e.openJournal()
		if err != nil {
			return e.fail(err)
		}
		if resumed {
			e.state = Initialized
			e.observe()
			return nil
		}
	}

	start := time.Now()
	if err := e.init.Seed(ctx, e.g, e.src, e.verifier, e.k); err != nil {
		return e.fail(fmt.Errorf("initialization: %w", err))
	}
	metrics.StageDuration.WithLabelValues("initialize").Observe(time.Since(start).Seconds())

	if e.journal != nil {
		// The graph was empty before seeding, so every label is part of the
		// initial batch.
		var pairs []graph.Pair
		var labels []bool
		for p := range e.g.SimilarPairs() {
			pairs = append(pairs, p)
			labels = append(labels, true)
		}
		for p := range e.g.DissimilarPairs() {
			pairs = append(pairs, p)
			labels = append(labels, false)
		}
		if err := e.journal.Append(pairs, labels); err != nil {
			return e.fail(fmt.Errorf("journal: %w", err))
		}
	}

	e.state = Initialized
	e.observe()
	e.logger.Info("initialized",
		"items", e.g.Dim(),
		"k", e.k,
		"lambda", e.g.Lambda(),
		"similar", e.g.SimilarCount(),
		"dissimilar", e.g.DissimilarCount(),
	)
	return nil
}

// openJournal resumes the configured journal when it holds at least the
// initial batch, and creates a fresh one otherwise.
func (e *Engine) openJournal() (bool, error) {
	path := e.opts.JournalPath
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		j, batches, err := persistence.Resume(path, e.g)
		if err != nil {
			return false, fmt.Errorf("resume journal: %w", err)
		}
		if batches > 0 {
			e.journal = j
			e.setRunID(j.Header().RunID)
			e.iter = batches - 1
			e.resumed = true
			e.logger.Info("resumed from journal",
				"path", path,
				"iterations", e.iter,
				"similar", e.g.SimilarCount(),
				"dissimilar", e.g.DissimilarCount(),
			)
			return true, nil
		}
		_ = j.Close()
	}

	j, err := persistence.Create(path, persistence.Header{
		RunID:  e.runID,
		Dim:    e.g.Dim(),
		Lambda: e.g.Lambda(),
	})
	if err != nil {
		return false, err
	}
	e.journal = j
	return false, nil
}

// Step runs one predict/verify/update iteration. Any error terminates the
// engine; the batch is either fully applied or not applied at all.
func (e *Engine) Step(ctx context.Context) (StepResult, error) {
	switch e.state {
	case Initialized, Updating:
	default:
		return StepResult{}, fmt.Errorf("%w: step in state %s", ErrInvalidState, e.state)
	}
	if err := ctx.Err(); err != nil {
		return StepResult{}, e.fail(err)
	}

	res := StepResult{Iteration: e.iter, Mode: ModeKBest}
	if e.opts.RandomStep > 0 && e.iter%e.opts.RandomStep == 0 {
		res.Mode = ModeRandom
	}

	e.state = Predicting
	start := time.Now()
	var batch *estimator.Batch
	var err error
	if res.Mode == ModeRandom {
		batch, err = e.sel.SelectRandomK(e.g, e.k)
	} else {
		batch, err = e.sel.SelectKBest(ctx, e.g, e.k)
	}
	if err != nil {
		return res, e.fail(fmt.Errorf("select: %w", err))
	}
	res.SolverDuration = time.Since(start)
	res.SolverIterations = e.sel.SolverIterations()
	res.Selected = batch.Len()
	if err := ctx.Err(); err != nil {
		return res, e.fail(err)
	}

	e.state = Verifying
	start = time.Now()
	if err := e.verifier.Verify(ctx, e.src, e.g, batch.Rows, batch.Cols, batch.Results); err != nil {
		return res, e.fail(fmt.Errorf("verify: %w", err))
	}
	res.ComparatorDuration = time.Since(start)
	if err := ctx.Err(); err != nil {
		return res, e.fail(err)
	}

	e.state = Updating
	start = time.Now()
	pairs := batch.Pairs()
	applied, err := e.g.ApplyBatch(pairs, batch.Results)
	if err != nil {
		return res, e.fail(fmt.Errorf("update: %w", err))
	}
	if e.journal != nil {
		if err := e.journal.Append(pairs, batch.Results); err != nil {
			return res, e.fail(fmt.Errorf("journal: %w", err))
		}
	}
	res.UpdateDuration = time.Since(start)
	res.Applied = applied
	for _, ok := range batch.Results {
		if ok {
			res.Similar++
		}
	}

	e.iter++
	e.record(res)
	return res, nil
}

func (e *Engine) record(res StepResult) {
	metrics.Iterations.WithLabelValues(string(res.Mode)).Inc()
	metrics.Labels.WithLabelValues(graph.Similar.String()).Add(float64(res.Similar))
	metrics.Labels.WithLabelValues(graph.Dissimilar.String()).Add(float64(res.Selected - res.Similar))
	metrics.SolverIterations.Add(float64(res.SolverIterations))
	metrics.StageDuration.WithLabelValues("select").Observe(res.SolverDuration.Seconds())
	metrics.StageDuration.WithLabelValues("verify").Observe(res.ComparatorDuration.Seconds())
	metrics.StageDuration.WithLabelValues("update").Observe(res.UpdateDuration.Seconds())
	e.observe()

	if res.Selected == 0 {
		e.logger.Warn("no unknown pairs left, iteration is a no-op", "iter", res.Iteration)
		return
	}
	e.logger.Info("iteration",
		"iter", res.Iteration,
		"mode", res.Mode,
		"selected", res.Selected,
		"new_similar", res.Similar,
		"solver", res.SolverDuration,
		"solver_iters", res.SolverIterations,
		"comparator", res.ComparatorDuration,
		"similar", e.g.SimilarCount(),
		"dissimilar", e.g.DissimilarCount(),
	)
}

func (e *Engine) observe() {
	metrics.ObserveCounts(e.g.SimilarCount(), e.g.DissimilarCount(), e.g.UnknownCount())
}

// Run initializes the engine if needed and runs until Options.Iterations
// iterations are complete. The journal, if any, is synced and closed on
// return.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	defer e.closeJournal()

	if e.state == Uninitialized {
		if err := e.Initialize(ctx); err != nil {
			return e.summary(start), err
		}
	}
	for e.iter < e.opts.Iterations {
		if _, err := e.Step(ctx); err != nil {
			return e.summary(start), err
		}
	}
	e.state = Terminated

	s := e.summary(start)
	e.logger.Info("run finished",
		"iterations", s.Iterations,
		"similar", s.Similar,
		"dissimilar", s.Dissimilar,
		"unknown", s.Unknown,
		"elapsed", s.Elapsed,
	)
	return s, nil
}

func (e *Engine) summary(start time.Time) Summary {
	return Summary{
		RunID:      e.runID,
		Iterations: e.iter,
		Resumed:    e.resumed,
		Similar:    e.g.SimilarCount(),
		Dissimilar: e.g.DissimilarCount(),
		Unknown:    e.g.UnknownCount(),
		Elapsed:    time.Since(start),
	}
}

// Close releases the journal. It is only needed when Run was not used.
func (e *Engine) Close() error {
	return e.closeJournal()
}

func (e *Engine) closeJournal() error {
	if e.journal == nil {
		return nil
	}
	j := e.journal
	e.journal = nil
	if err := j.Sync(); err != nil {
		_ = j.Close()
		return err
	}
	return j.Close()
}

func (e *Engine) fail(err error) error {
	e.logger.Error("run terminated", "state", e.state, "iter", e.iter, "error", err)
	e.state = Terminated
	return err
}
