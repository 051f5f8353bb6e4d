// Package initializer seeds a graph with its first labeled batch, so that the
// first confidence solve has Similar edges to propagate from.
package initializer

import (
	"context"
	"errors"
	"fmt"

	"github.com/sanonone/matchgraph/pkg/estimator"
	"github.com/sanonone/matchgraph/pkg/graph"
	"github.com/sanonone/matchgraph/pkg/items"
)

// ErrInvalidBatchSize is returned when Seed is called with batchSize < 1.
var ErrInvalidBatchSize = errors.New("initializer: batch size must be at least 1")

// Verifier resolves pairs to verdicts. *oracle.Oracle implements it.
type Verifier interface {
	Verify(ctx context.Context, src items.Source, g *graph.Graph, idx1, idx2 []int, result []bool) error
}

// Initializer populates g with an initial labeled batch.
type Initializer interface {
	Seed(ctx context.Context, g *graph.Graph, src items.Source, v Verifier, batchSize int) error
}

// Random verifies batchSize Unknown pairs drawn uniformly at random.
type Random struct {
	seed uint64
}

// NewRandom returns a Random initializer drawing pairs from a PCG source
// seeded with seed.
func NewRandom(seed uint64) *Random { return &Random{seed: seed} }

func (r *Random) Seed(ctx context.Context, g *graph.Graph, src items.Source, v Verifier, batchSize int) error {
	if batchSize < 1 {
		return ErrInvalidBatchSize
	}
	e, err := estimator.New(estimator.Options{Seed: r.seed, Workers: 1})
	if err != nil {
		return err
	}
	b, err := e.SelectRandomK(g, batchSize)
	if err != nil {
		return err
	}
	if err := v.Verify(ctx, src, g, b.Rows, b.Cols, b.Results); err != nil {
		return fmt.Errorf("initializer: verify: %w", err)
	}
	_, err = g.ApplyBatch(b.Pairs(), b.Results)
	return err
}

// Fixed seeds a predetermined list of pairs. When Similar is nil the pairs
// are verified; otherwise Similar holds their labels and the verifier is not
// consulted. batchSize is ignored.
type Fixed struct {
	Pairs   []graph.Pair
	Similar []bool
}

func (f Fixed) Seed(ctx context.Context, g *graph.Graph, src items.Source, v Verifier, _ int) error {
	if len(f.Pairs) == 0 {
		return nil
	}
	labels := f.Similar
	if labels == nil {
		idx1 := make([]int, len(f.Pairs))
		idx2 := make([]int, len(f.Pairs))
		for n, p := range f.Pairs {
			idx1[n], idx2[n] = p.I, p.J
		}
		labels = make([]bool, len(f.Pairs))
		if err := v.Verify(ctx, src, g, idx1, idx2, labels); err != nil {
			return fmt.Errorf("initializer: verify: %w", err)
		}
	}
	_, err := g.ApplyBatch(f.Pairs, labels)
	return err
}
