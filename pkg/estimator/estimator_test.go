package estimator

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/sanonone/matchgraph/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraph(t *testing.T, dim int, lambda float64, similar ...graph.Pair) *graph.Graph {
	t.Helper()
	g, err := graph.New(dim, lambda)
	require.NoError(t, err)
	labels := make([]bool, len(similar))
	for n := range labels {
		labels[n] = true
	}
	_, err = g.ApplyBatch(similar, labels)
	require.NoError(t, err)
	return g
}

func newEstimator(t *testing.T, policy Policy, workers int) *Estimator {
	t.Helper()
	opts := DefaultOptions()
	opts.Policy = policy
	opts.Workers = workers
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("per-row")
	require.NoError(t, err)
	assert.Equal(t, PerRow, p)

	_, err = ParsePolicy("best")
	require.Error(t, err)

	_, err = New(Options{Policy: "best"})
	require.Error(t, err)
}

func TestConfidenceClosedForm(t *testing.T) {
	// L + I for the single edge 0-1 plus isolated item 2:
	// [ 2 -1  0 ]
	// [-1  2  0 ]
	// [ 0  0  1 ]
	// Its inverse has 2/3 and 1/3 in the upper block and 1 for item 2.
	g := newGraph(t, 3, 1, graph.Pair{I: 0, J: 1})
	e := newEstimator(t, Global, 2)

	conf, err := e.EstimateConfidence(context.Background(), g)
	require.NoError(t, err)

	assert.InDelta(t, 2.0/3, conf.At(0, 0), 1e-6)
	assert.InDelta(t, 1.0/3, conf.At(0, 1), 1e-6)
	assert.InDelta(t, 1.0/3, conf.At(1, 0), 1e-6)
	assert.InDelta(t, 1.0, conf.At(2, 2), 1e-6)
	assert.Equal(t, 0.0, conf.At(0, 2))
	assert.Equal(t, 0.0, conf.At(2, 1))
	assert.Positive(t, e.SolverIterations())
}

func TestZeroLambdaStaysDefinite(t *testing.T) {
	g := newGraph(t, 4, 0, graph.Pair{I: 0, J: 1}, graph.Pair{I: 1, J: 2})
	e := newEstimator(t, Global, 1)

	conf, err := e.EstimateConfidence(context.Background(), g)
	require.NoError(t, err)

	// With a tiny shift the component {0,1,2} is almost fully predicted.
	assert.Greater(t, conf.At(0, 2), 0.3)
	assert.InDelta(t, 1.0, conf.At(3, 3), 1e-6)
	assert.Equal(t, 0.0, conf.At(0, 3))
}

func TestGlobalRanksConnectedPairsFirst(t *testing.T) {
	g := newGraph(t, 6, 1,
		graph.Pair{I: 0, J: 1}, graph.Pair{I: 1, J: 2}, graph.Pair{I: 3, J: 4})
	e := newEstimator(t, Global, 3)

	b, err := e.SelectKBest(context.Background(), g, 3)
	require.NoError(t, err)

	// (0,2) is the only Unknown pair inside a component; the rest tie at
	// zero and fall back to index order.
	assert.Equal(t, []int{0, 0, 0}, b.Rows)
	assert.Equal(t, []int{2, 3, 4}, b.Cols)
	assert.Len(t, b.Results, 3)
}

func TestGlobalIsDeterministicAcrossWorkerCounts(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	g := newGraph(t, 30, 0.5)
	for n := 0; n < 40; n++ {
		i, j := rng.IntN(30), rng.IntN(30)
		if i != j {
			_, err := g.ApplyBatch([]graph.Pair{{I: i, J: j}}, []bool{rng.IntN(2) == 0})
			require.NoError(t, err)
		}
	}

	var ref []graph.Pair
	for _, workers := range []int{1, 2, 7} {
		e := newEstimator(t, Global, workers)
		b, err := e.SelectKBest(context.Background(), g, 10)
		require.NoError(t, err)
		got := append([]graph.Pair(nil), b.Pairs()...)
		if ref == nil {
			ref = got
			continue
		}
		assert.Equal(t, ref, got, "workers=%d", workers)
	}
}

func TestPerRowVisitsRowsRoundRobin(t *testing.T) {
	g := newGraph(t, 6, 1)
	e := newEstimator(t, PerRow, 2)

	b, err := e.SelectKBest(context.Background(), g, 3)
	require.NoError(t, err)
	assert.Equal(t, []graph.Pair{{0, 1}, {0, 2}, {0, 3}}, b.Pairs())

	// The next call starts at row 4.
	b, err = e.SelectKBest(context.Background(), g, 2)
	require.NoError(t, err)
	assert.Equal(t, []graph.Pair{{0, 4}, {0, 5}}, b.Pairs())
}

func TestPerRowFillsShortBatch(t *testing.T) {
	g := newGraph(t, 3, 1)
	e := newEstimator(t, PerRow, 4)

	b, err := e.SelectKBest(context.Background(), g, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []graph.Pair{{0, 1}, {0, 2}, {1, 2}}, b.Pairs())
}

func TestInvalidK(t *testing.T) {
	g := newGraph(t, 3, 1)
	e := newEstimator(t, Global, 1)

	_, err := e.SelectKBest(context.Background(), g, 0)
	require.ErrorIs(t, err, ErrInvalidK)
	_, err = e.SelectRandomK(g, -1)
	require.ErrorIs(t, err, ErrInvalidK)
}

func TestBatchSizeBoundary(t *testing.T) {
	g := newGraph(t, 4, 1)
	_, err := g.ApplyBatch(
		[]graph.Pair{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}},
		[]bool{true, false, true, false, false},
	)
	require.NoError(t, err)
	require.Equal(t, 1, g.UnknownCount())

	for _, policy := range []Policy{Global, PerRow} {
		e := newEstimator(t, policy, 2)
		b, err := e.SelectKBest(context.Background(), g, 3)
		require.NoError(t, err)
		assert.Equal(t, []graph.Pair{{2, 3}}, b.Pairs(), string(policy))

		b, err = e.SelectRandomK(g, 3)
		require.NoError(t, err)
		assert.Equal(t, []graph.Pair{{2, 3}}, b.Pairs())
	}

	require.NoError(t, g.InsertDissimilar(3, 2))
	e := newEstimator(t, Global, 2)
	b, err := e.SelectKBest(context.Background(), g, 3)
	require.NoError(t, err)
	assert.Zero(t, b.Len())
	b, err = e.SelectRandomK(g, 3)
	require.NoError(t, err)
	assert.Zero(t, b.Len())
}

// TestNoReselection labels every selected pair and checks that no pair is
// ever offered twice, until the graph is exhausted.
func TestNoReselection(t *testing.T) {
	type selectFn func(e *Estimator, g *graph.Graph, k int) (*Batch, error)
	kbest := func(e *Estimator, g *graph.Graph, k int) (*Batch, error) {
		return e.SelectKBest(context.Background(), g, k)
	}
	random := func(e *Estimator, g *graph.Graph, k int) (*Batch, error) {
		return e.SelectRandomK(g, k)
	}

	cases := map[string]struct {
		policy Policy
		sel    selectFn
	}{
		"global":  {Global, kbest},
		"per-row": {PerRow, kbest},
		"random":  {Global, random},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			const dim, k = 9, 4
			g := newGraph(t, dim, 0.5)
			e := newEstimator(t, tc.policy, 3)
			rng := rand.New(rand.NewPCG(1, 2))
			seen := make(map[graph.Pair]bool)

			for round := 0; ; round++ {
				require.Less(t, round, 100)
				unknown := g.UnknownCount()
				b, err := tc.sel(e, g, k)
				require.NoError(t, err)
				require.Equal(t, min(k, unknown), b.Len())
				if b.Len() == 0 {
					break
				}

				for n, p := range b.Pairs() {
					require.NotEqual(t, p.I, p.J)
					require.False(t, seen[p.Canonical()], "pair %v selected twice", p)
					seen[p.Canonical()] = true
					l, err := g.Label(p.I, p.J)
					require.NoError(t, err)
					require.Equal(t, graph.Unknown, l)
					b.Results[n] = rng.IntN(3) == 0
				}
				applied, err := g.ApplyBatch(b.Pairs(), b.Results)
				require.NoError(t, err)
				require.Equal(t, b.Len(), applied)
			}
			assert.Len(t, seen, dim*(dim-1)/2)
		})
	}
}

func TestRandomIsReproducible(t *testing.T) {
	g := newGraph(t, 20, 1, graph.Pair{I: 0, J: 1}, graph.Pair{I: 5, J: 6})

	opts := DefaultOptions()
	opts.Seed = 42
	a, err := New(opts)
	require.NoError(t, err)
	b, err := New(opts)
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		ba, err := a.SelectRandomK(g, 5)
		require.NoError(t, err)
		pa := append([]graph.Pair(nil), ba.Pairs()...)
		bb, err := b.SelectRandomK(g, 5)
		require.NoError(t, err)
		assert.Equal(t, pa, bb.Pairs())
	}

	opts.Seed = 43
	c, err := New(opts)
	require.NoError(t, err)
	a2, err := New(DefaultOptions())
	require.NoError(t, err)
	bc, err := c.SelectRandomK(g, 5)
	require.NoError(t, err)
	pc := append([]graph.Pair(nil), bc.Pairs()...)
	ba2, err := a2.SelectRandomK(g, 5)
	require.NoError(t, err)
	assert.NotEqual(t, pc, ba2.Pairs())
}

func TestRandomEnumeratesSparseRemainder(t *testing.T) {
	g := newGraph(t, 6, 1)
	// Label all but three pairs so the enumeration path is used.
	var pairs []graph.Pair
	for i := 0; i < 6; i++ {
		for j := i + 1; j < 6; j++ {
			if !(i == 0 && j == 5) && !(i == 2 && j == 3) && !(i == 1 && j == 4) {
				pairs = append(pairs, graph.Pair{I: i, J: j})
			}
		}
	}
	_, err := g.ApplyBatch(pairs, make([]bool, len(pairs)))
	require.NoError(t, err)

	e := newEstimator(t, Global, 1)
	b, err := e.SelectRandomK(g, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []graph.Pair{{0, 5}, {2, 3}, {1, 4}}, b.Pairs())
}
