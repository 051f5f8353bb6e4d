package estimator

import "github.com/sanonone/matchgraph/pkg/graph"

// Batch is the set of pairs chosen for verification in one iteration.
// Rows, Cols and Results are parallel arrays; Results is filled by the
// oracle. A Batch is owned by the Estimator that returned it and is
// overwritten by the next selection call.
type Batch struct {
	Rows    []int
	Cols    []int
	Results []bool

	pairs []graph.Pair
}

// Len returns the number of selected pairs.
func (b *Batch) Len() int { return len(b.Rows) }

// Pairs returns the selected pairs. The slice is reused across calls.
func (b *Batch) Pairs() []graph.Pair {
	b.pairs = b.pairs[:0]
	for n := range b.Rows {
		b.pairs = append(b.pairs, graph.Pair{I: b.Rows[n], J: b.Cols[n]})
	}
	return b.pairs
}

func (b *Batch) reset() {
	b.Rows = b.Rows[:0]
	b.Cols = b.Cols[:0]
	b.Results = b.Results[:0]
}

func (b *Batch) add(i, j int) {
	b.Rows = append(b.Rows, i)
	b.Cols = append(b.Cols, j)
	b.Results = append(b.Results, false)
}
