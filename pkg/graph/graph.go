// Package graph implements the sparse match graph: the canonical record of
// every verified pair and the numeric structure derived from it.
//
// Similar pairs are stored as a compressed sparse row (CSR) matrix that also
// holds one diagonal entry per item. The matrix values form the regularized
// Laplacian L + λI consumed by the confidence solver: the diagonal of row i
// is degree(i)+λ and every off-diagonal entry is -1. Dissimilar pairs carry
// no numeric weight; they live in a separate ordered exclusion structure.
//
// The graph is append-only. Labels are never retracted or changed, and new
// Similar pairs are folded in by a batched structural rebuild (see
// ApplyBatch). A Graph is not safe for concurrent mutation; concurrent reads
// are fine between mutations.
package graph

import (
	"fmt"
	"iter"
	"math"
	"runtime"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
)

// csr holds one layout of the adjacency structure.
type csr struct {
	rowPtr  []int64   // len dim+1, rowPtr[i]..rowPtr[i+1] is row i
	colIdx  []int32   // sorted column indices per row, diagonal included
	diagPos []int64   // absolute position of the diagonal entry of each row
	values  []float64 // -1 off the diagonal, degree+lambda on it
}

// Graph is the sparse match graph over dim items.
type Graph struct {
	dim    int
	lambda float64

	numSimilar    int
	numDissimilar int

	degrees []int32

	// cur is the live layout. spare is the buffer the next rebuild writes
	// into; the two are swapped at the end of every rebuild.
	cur   csr
	spare csr

	dissimilar *dissimilarSet

	// generation is bumped by every structural mutation and tags borrowed views.
	generation uint64

	workers         int
	parallelMinRows int
}

// Option configures a Graph.
type Option func(*Graph)

// WithWorkers sets how many goroutines a rebuild may use. Values < 1 are ignored.
func WithWorkers(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithParallelThreshold sets the number of rows below which a rebuild runs
// on a single goroutine.
func WithParallelThreshold(rows int) Option {
	return func(g *Graph) {
		if rows > 0 {
			g.parallelMinRows = rows
		}
	}
}

// New creates an empty match graph over dim items with regularization lambda.
func New(dim int, lambda float64, opts ...Option) (*Graph, error) {
	if dim < 2 {
		return nil, fmt.Errorf("%w: dimension must be at least 2, got %d", ErrInvalidConfiguration, dim)
	}
	if dim > math.MaxInt32 {
		return nil, fmt.Errorf("%w: dimension %d exceeds %d", ErrInvalidConfiguration, dim, math.MaxInt32)
	}
	if lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("%w: lambda must be in [0,1], got %g", ErrInvalidConfiguration, lambda)
	}

	g := &Graph{
		dim:             dim,
		lambda:          lambda,
		degrees:         make([]int32, dim),
		dissimilar:      newDissimilarSet(),
		workers:         runtime.GOMAXPROCS(0),
		parallelMinRows: 4096,
	}
	for _, opt := range opts {
		opt(g)
	}

	// Every row starts with its diagonal entry only.
	g.cur = csr{
		rowPtr:  make([]int64, dim+1),
		colIdx:  make([]int32, dim),
		diagPos: make([]int64, dim),
		values:  make([]float64, dim),
	}
	for i := 0; i < dim; i++ {
		g.cur.rowPtr[i+1] = int64(i + 1)
		g.cur.colIdx[i] = int32(i)
		g.cur.diagPos[i] = int64(i)
		g.cur.values[i] = lambda
	}
	g.spare = csr{
		rowPtr:  make([]int64, dim+1),
		diagPos: make([]int64, dim),
	}

	return g, nil
}

// Dim returns the number of items.
func (g *Graph) Dim() int { return g.dim }

// Lambda returns the regularization constant.
func (g *Graph) Lambda() float64 { return g.lambda }

// SimilarCount returns the number of distinct unordered Similar pairs.
func (g *Graph) SimilarCount() int { return g.numSimilar }

// DissimilarCount returns the number of distinct unordered Dissimilar pairs.
func (g *Graph) DissimilarCount() int { return g.numDissimilar }

// TotalPairs returns dim*(dim-1)/2.
func (g *Graph) TotalPairs() int { return g.dim * (g.dim - 1) / 2 }

// UnknownCount returns how many pairs are still unlabeled.
func (g *Graph) UnknownCount() int {
	return g.TotalPairs() - g.numSimilar - g.numDissimilar
}

// NNZ returns the number of stored entries, diagonal included.
func (g *Graph) NNZ() int { return int(g.cur.rowPtr[g.dim]) }

// Generation returns the structural version of the graph.
func (g *Graph) Generation() uint64 { return g.generation }

// Degree returns the number of Similar pairs incident to item i.
func (g *Graph) Degree(i int) (int, error) {
	if err := g.checkIndex(i); err != nil {
		return 0, err
	}
	return int(g.degrees[i]), nil
}

// Diagonal returns degree(i)+lambda as stored in the matrix.
func (g *Graph) Diagonal(i int) (float64, error) {
	if err := g.checkIndex(i); err != nil {
		return 0, err
	}
	return g.cur.values[g.cur.diagPos[i]], nil
}

func (g *Graph) checkIndex(i int) error {
	if i < 0 || i >= g.dim {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidIndex, i, g.dim)
	}
	return nil
}

func (g *Graph) checkPair(i, j int) error {
	if err := g.checkIndex(i); err != nil {
		return err
	}
	if err := g.checkIndex(j); err != nil {
		return err
	}
	if i == j {
		return fmt.Errorf("%w: self pair (%d,%d)", ErrInvalidIndex, i, j)
	}
	return nil
}

// Label returns the relation between items i and j.
func (g *Graph) Label(i, j int) (Label, error) {
	if err := g.checkPair(i, j); err != nil {
		return Unknown, err
	}
	return g.label(i, j), nil
}

func (g *Graph) label(i, j int) Label {
	if g.hasSimilar(i, j) {
		return Similar
	}
	if g.dissimilar.contains(i, j) {
		return Dissimilar
	}
	return Unknown
}

func (g *Graph) hasSimilar(i, j int) bool {
	row := g.cur.colIdx[g.cur.rowPtr[i]:g.cur.rowPtr[i+1]]
	_, found := slices.BinarySearch(row, int32(j))
	return found
}

// Neighbors returns the items Similar to i in ascending order.
func (g *Graph) Neighbors(i int) ([]int, error) {
	if err := g.checkIndex(i); err != nil {
		return nil, err
	}
	row := g.cur.colIdx[g.cur.rowPtr[i]:g.cur.rowPtr[i+1]]
	out := make([]int, 0, len(row)-1)
	for _, c := range row {
		if int(c) != i {
			out = append(out, int(c))
		}
	}
	return out, nil
}

// DissimilarPartners returns the items Dissimilar to i in ascending order.
func (g *Graph) DissimilarPartners(i int) ([]int, error) {
	if err := g.checkIndex(i); err != nil {
		return nil, err
	}
	rb := g.dissimilar.partnersOf(i, false)
	if rb == nil {
		return nil, nil
	}
	out := make([]int, 0, rb.GetCardinality())
	it := rb.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out, nil
}

// AppendDecided appends to dst, in ascending order, every j for which the
// pair (i,j) is no longer a candidate. That is the Similar neighbors and
// Dissimilar partners of i, plus i itself. It panics if i is out of range.
func (g *Graph) AppendDecided(dst []int32, i int) []int32 {
	row := g.cur.colIdx[g.cur.rowPtr[i]:g.cur.rowPtr[i+1]]
	rb := g.dissimilar.partnersOf(i, false)
	if rb == nil || rb.IsEmpty() {
		return append(dst, row...)
	}

	// Both inputs are sorted and disjoint, so a plain merge keeps the order.
	it := rb.Iterator()
	next, has := int32(0), it.HasNext()
	if has {
		next = int32(it.Next())
	}
	for _, c := range row {
		for has && next < c {
			dst = append(dst, next)
			if has = it.HasNext(); has {
				next = int32(it.Next())
			}
		}
		dst = append(dst, c)
	}
	for has {
		dst = append(dst, next)
		if has = it.HasNext(); has {
			next = int32(it.Next())
		}
	}
	return dst
}

// SimilarPairs yields every Similar pair once, in canonical (I < J) order.
func (g *Graph) SimilarPairs() iter.Seq[Pair] {
	return func(yield func(Pair) bool) {
		for i := 0; i < g.dim; i++ {
			row := g.cur.colIdx[g.cur.rowPtr[i]:g.cur.rowPtr[i+1]]
			for _, c := range row {
				if int(c) > i && !yield(Pair{I: i, J: int(c)}) {
					return
				}
			}
		}
	}
}

// DissimilarPairs yields every Dissimilar pair once, in canonical order.
func (g *Graph) DissimilarPairs() iter.Seq[Pair] {
	return func(yield func(Pair) bool) {
		g.dissimilar.scan(func(item int, partners *roaring.Bitmap) bool {
			it := partners.Iterator()
			for it.HasNext() {
				j := int(it.Next())
				if j > item && !yield(Pair{I: item, J: j}) {
					return false
				}
			}
			return true
		})
	}
}
