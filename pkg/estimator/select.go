package estimator

import (
	"context"

	"github.com/sanonone/matchgraph/pkg/graph"
)

// selectGlobal solves every column and keeps the k best Unknown pairs
// overall. Column i contributes the pairs (i, j) with j > i, so every pair
// is scored exactly once. Each worker ranks into its own heap and the heaps
// are merged at the end.
func (e *Estimator) selectGlobal(ctx context.Context, g *graph.Graph, k int) ([]candidate, error) {
	dim := g.Dim()
	heaps := make([]*topK, e.workerCount(dim))
	for w := range heaps {
		heaps[w] = newTopK(k)
	}

	err := e.forEachColumn(ctx, g, nil, func(w, col int, ws *workspace) error {
		h := heaps[w]
		forUnknown(dim, ws.decided, func(j int) {
			if j > col {
				h.offer(candidate{i: int32(col), j: int32(j), score: ws.x[j]})
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	best := newTopK(k)
	for _, h := range heaps {
		best.merge(h)
	}
	return best.sorted(), nil
}

// selectPerRow visits rows round-robin, starting where the previous call
// stopped, and takes the single best Unknown partner of each row until k
// distinct pairs are found. Rows are solved in windows of one column per
// worker. When every row has been visited and fewer than k pairs were
// found, the batch is filled with the best remaining Unknown pairs.
func (e *Estimator) selectPerRow(ctx context.Context, g *graph.Graph, k int) ([]candidate, error) {
	dim := g.Dim()
	workers := e.workerCount(dim)

	chosen := make(map[[2]int32]struct{}, k)
	picked := make([]candidate, 0, k)

	// fill ranks pairs (i < j) of visited rows. 2k entries are enough to
	// still hold k pairs after dropping the at most k-1 chosen ones.
	fills := make([]*topK, workers)
	for w := range fills {
		fills[w] = newTopK(2 * k)
	}

	window := make([]int, 0, workers)
	visited := 0

	for visited < dim && len(picked) < k {
		window = window[:0]
		for n := 0; n < workers && visited+n < dim; n++ {
			window = append(window, (e.cursor+visited+n)%dim)
		}

		results := make([]candidate, len(window))
		found := make([]bool, len(window))
		slot := make(map[int]int, len(window))
		for n, row := range window {
			slot[row] = n
		}

		err := e.forEachColumn(ctx, g, window, func(w, col int, ws *workspace) error {
			n := slot[col]
			fill := fills[w]
			forUnknown(dim, ws.decided, func(j int) {
				c := canonical(col, j, ws.x[j])
				if !found[n] || better(c, results[n]) {
					results[n], found[n] = c, true
				}
				if j > col {
					fill.offer(c)
				}
			})
			return nil
		})
		if err != nil {
			return nil, err
		}

		// Consume the window in row order so the result does not depend on
		// worker scheduling.
		for n := range window {
			visited++
			if !found[n] {
				continue
			}
			c := results[n]
			key := [2]int32{c.i, c.j}
			if _, dup := chosen[key]; dup {
				continue
			}
			chosen[key] = struct{}{}
			picked = append(picked, c)
			if len(picked) == k {
				break
			}
		}
	}
	e.cursor = (e.cursor + visited) % dim

	if len(picked) < k && visited == dim {
		all := newTopK(2 * k)
		for _, f := range fills {
			all.merge(f)
		}
		for _, c := range all.sorted() {
			if len(picked) == k {
				break
			}
			key := [2]int32{c.i, c.j}
			if _, dup := chosen[key]; dup {
				continue
			}
			chosen[key] = struct{}{}
			picked = append(picked, c)
		}
	}
	return picked, nil
}

func canonical(a, b int, score float64) candidate {
	if a > b {
		a, b = b, a
	}
	return candidate{i: int32(a), j: int32(b), score: score}
}
