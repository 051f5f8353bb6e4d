// Package oracle resolves selected pairs to definite Similar/Dissimilar
// verdicts. A Comparator decides a single pair; the Oracle runs a batch of
// comparisons concurrently and returns only once all of them are done.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sanonone/matchgraph/pkg/graph"
	"github.com/sanonone/matchgraph/pkg/items"
	"github.com/sanonone/matchgraph/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// ErrBatchMismatch is returned when idx1, idx2 and result differ in length.
var ErrBatchMismatch = errors.New("oracle: index and result arrays differ in length")

// Comparator decides whether two items are Similar. It must be safe for
// concurrent use.
type Comparator interface {
	Compare(ctx context.Context, a, b items.Item) (bool, error)
}

// ComparatorFunc adapts a function to the Comparator interface.
type ComparatorFunc func(ctx context.Context, a, b items.Item) (bool, error)

func (f ComparatorFunc) Compare(ctx context.Context, a, b items.Item) (bool, error) {
	return f(ctx, a, b)
}

// Oracle verifies batches of pairs with a Comparator.
type Oracle struct {
	cmp         Comparator
	concurrency int
	logger      *slog.Logger
}

// New creates an Oracle running at most concurrency comparisons at once.
// concurrency <= 0 means one per pair.
func New(cmp Comparator, concurrency int, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{cmp: cmp, concurrency: concurrency, logger: logger}
}

// Verify compares the pairs (idx1[n], idx2[n]) and stores the verdicts in
// result. A comparison that fails resolves to false (Dissimilar) and is
// logged; Verify itself fails only on malformed input or a cancelled
// context, in which case result must be discarded.
func (o *Oracle) Verify(ctx context.Context, src items.Source, g *graph.Graph, idx1, idx2 []int, result []bool) error {
	if len(idx1) != len(idx2) || len(idx1) != len(result) {
		return fmt.Errorf("%w: %d, %d, %d", ErrBatchMismatch, len(idx1), len(idx2), len(result))
	}
	for n := range idx1 {
		if _, err := g.Label(idx1[n], idx2[n]); err != nil {
			return fmt.Errorf("oracle: pair %d: %w", n, err)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	if o.concurrency > 0 {
		eg.SetLimit(o.concurrency)
	}
	for n := range idx1 {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := o.compare(ctx, src, idx1[n], idx2[n])
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				metrics.ComparatorFailures.Inc()
				o.logger.Warn("comparison failed, recording as dissimilar",
					"i", idx1[n], "j", idx2[n], "error", err)
				ok = false
			}
			result[n] = ok
			return nil
		})
	}
	return eg.Wait()
}

func (o *Oracle) compare(ctx context.Context, src items.Source, i, j int) (bool, error) {
	a, err := src.Item(i)
	if err != nil {
		return false, err
	}
	b, err := src.Item(j)
	if err != nil {
		return false, err
	}
	return o.cmp.Compare(ctx, a, b)
}
