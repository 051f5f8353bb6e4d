package graph

import (
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
)

// InsertSimilar records i~j. The pair is folded in through a one-pair rebuild.
func (g *Graph) InsertSimilar(i, j int) error {
	_, err := g.ApplyBatch([]Pair{{I: i, J: j}}, []bool{true})
	return err
}

// InsertDissimilar records i!~j. The adjacency structure is not touched.
func (g *Graph) InsertDissimilar(i, j int) error {
	_, err := g.ApplyBatch([]Pair{{I: i, J: j}}, []bool{false})
	return err
}

// ApplyBatch folds a batch of verified pairs into the graph and returns how
// many of them were new.
//
// All pairs are validated before anything is written, so a batch either
// applies completely or not at all. Pairs that are already labeled, and
// repeats inside the batch, are skipped: the first label recorded for a pair
// wins. Dissimilar pairs go to the exclusion set. Similar pairs trigger a
// single structural rebuild for the whole batch.
func (g *Graph) ApplyBatch(pairs []Pair, similar []bool) (int, error) {
	if len(pairs) != len(similar) {
		return 0, fmt.Errorf("%w: %d pairs, %d labels", ErrBatchMismatch, len(pairs), len(similar))
	}
	for _, p := range pairs {
		if err := g.checkPair(p.I, p.J); err != nil {
			return 0, err
		}
	}

	seen := make(map[Pair]struct{}, len(pairs))
	var newSimilar []Pair
	applied := 0
	for n, p := range pairs {
		p = p.Canonical()
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if g.label(p.I, p.J) != Unknown {
			continue
		}

		if similar[n] {
			newSimilar = append(newSimilar, p)
		} else {
			g.dissimilar.add(p.I, p.J)
			g.numDissimilar++
		}
		applied++
	}

	if len(newSimilar) > 0 {
		g.rebuild(newSimilar)
	}
	return applied, nil
}

// rebuild relays the CSR structure after adding the given Similar pairs.
//
//  1. degree counts are updated.
//  2. row offsets are recomputed by an inclusive prefix sum over degree+1.
//  3. every row is merged with its additions into the spare buffer, which
//     then becomes the live layout.
//
// Rows are independent once the offsets are known, so step 3 runs on
// several goroutines for large graphs.
func (g *Graph) rebuild(pairs []Pair) {
	// 1. Degrees and per-row additions
	additions := make(map[int32][]int32, 2*len(pairs))
	for _, p := range pairs {
		i, j := int32(p.I), int32(p.J)
		g.degrees[i]++
		g.degrees[j]++
		additions[i] = append(additions[i], j)
		additions[j] = append(additions[j], i)
	}
	for _, cols := range additions {
		slices.Sort(cols)
	}
	g.numSimilar += len(pairs)

	// 2. Row offsets
	next := &g.spare
	inclusiveScan(next.rowPtr, g.degrees, 1)
	nnz := int(next.rowPtr[g.dim])

	// Grow by reallocation; the old contents are rewritten below anyway.
	if cap(next.colIdx) < nnz {
		next.colIdx = make([]int32, nnz, growCap(cap(next.colIdx), nnz))
		next.values = make([]float64, nnz, cap(next.colIdx))
	}
	next.colIdx = next.colIdx[:nnz]
	next.values = next.values[:nnz]

	// 3. Relayout
	relayRows := func(lo, hi int) {
		for r := lo; r < hi; r++ {
			g.relayRow(r, additions[int32(r)])
		}
	}
	if g.dim < g.parallelMinRows || g.workers < 2 {
		relayRows(0, g.dim)
	} else {
		var eg errgroup.Group
		eg.SetLimit(g.workers)
		chunk := (g.dim + g.workers - 1) / g.workers
		for lo := 0; lo < g.dim; lo += chunk {
			hi := min(lo+chunk, g.dim)
			eg.Go(func() error {
				relayRows(lo, hi)
				return nil
			})
		}
		_ = eg.Wait()
	}

	g.cur, g.spare = g.spare, g.cur
	g.generation++
}

// relayRow merges the old sorted row r with its sorted additions into the
// spare layout and sets the diagonal position and values of the row.
func (g *Graph) relayRow(r int, add []int32) {
	old := g.cur.colIdx[g.cur.rowPtr[r]:g.cur.rowPtr[r+1]]
	next := &g.spare
	pos := int(next.rowPtr[r])
	diag := float64(g.degrees[r]) + g.lambda

	emit := func(c int32) {
		next.colIdx[pos] = c
		if int(c) == r {
			next.diagPos[r] = int64(pos)
			next.values[pos] = diag
		} else {
			next.values[pos] = -1
		}
		pos++
	}

	a := 0
	for _, c := range old {
		for a < len(add) && add[a] < c {
			emit(add[a])
			a++
		}
		emit(c)
	}
	for ; a < len(add); a++ {
		emit(add[a])
	}
}

// inclusiveScan writes the running sums of counts[i]+bias into dst[1:],
// with dst[0] = 0. dst must have len(counts)+1 elements. The sums are 64-bit
// since a dense graph holds more than 2^31 entries.
func inclusiveScan(dst []int64, counts []int32, bias int64) {
	dst[0] = 0
	var acc int64
	for i, c := range counts {
		acc += int64(c) + bias
		dst[i+1] = acc
	}
}

func growCap(have, need int) int {
	c := have
	if c == 0 {
		c = need
	}
	for c < need {
		c += c/2 + 1
	}
	return c
}
