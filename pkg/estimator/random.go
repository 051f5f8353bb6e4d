package estimator

import (
	"github.com/sanonone/matchgraph/pkg/graph"
)

// SelectRandomK samples min(k, UnknownCount) distinct Unknown pairs
// uniformly at random, ignoring confidence. For a given seed and graph state
// the sequence of batches is reproducible.
func (e *Estimator) SelectRandomK(g *graph.Graph, k int) (*Batch, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	e.batch.reset()
	e.lastSolverIters.Store(0)

	unknown := g.UnknownCount()
	n := min(k, unknown)
	if n == 0 {
		return &e.batch, nil
	}

	// Rejection sampling is cheap while Unknown pairs are dense. Once most
	// pairs are labeled, enumerate the remaining ones instead.
	if 4*unknown >= g.TotalPairs() && n <= unknown/2 {
		e.sampleByRejection(g, n)
	} else {
		e.sampleByEnumeration(g, n)
	}
	return &e.batch, nil
}

func (e *Estimator) sampleByRejection(g *graph.Graph, n int) {
	dim := g.Dim()
	seen := make(map[graph.Pair]struct{}, n)
	for e.batch.Len() < n {
		i, j := e.rng.IntN(dim), e.rng.IntN(dim)
		if i == j {
			continue
		}
		p := graph.Pair{I: i, J: j}.Canonical()
		if _, dup := seen[p]; dup {
			continue
		}
		if l, _ := g.Label(p.I, p.J); l != graph.Unknown {
			continue
		}
		seen[p] = struct{}{}
		e.batch.add(p.I, p.J)
	}
}

// sampleByEnumeration lists every Unknown pair and draws n of them with a
// partial Fisher-Yates shuffle.
func (e *Estimator) sampleByEnumeration(g *graph.Graph, n int) {
	dim := g.Dim()
	pool := make([]graph.Pair, 0, g.UnknownCount())
	var decided []int32
	for i := 0; i < dim; i++ {
		decided = g.AppendDecided(decided[:0], i)
		forUnknown(dim, decided, func(j int) {
			if j > i {
				pool = append(pool, graph.Pair{I: i, J: j})
			}
		})
	}

	for s := 0; s < n; s++ {
		r := s + e.rng.IntN(len(pool)-s)
		pool[s], pool[r] = pool[r], pool[s]
		e.batch.add(pool[s].I, pool[s].J)
	}
}
