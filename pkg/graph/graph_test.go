package graph

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func degree(t *testing.T, g *Graph, i int) int {
	t.Helper()
	d, err := g.Degree(i)
	require.NoError(t, err)
	return d
}

func diagonal(t *testing.T, g *Graph, i int) float64 {
	t.Helper()
	d, err := g.Diagonal(i)
	require.NoError(t, err)
	return d
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	_, err := New(1, 0.5)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = New(10, -0.1)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = New(10, 1.5)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	g, err := New(2, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, g.UnknownCount())
}

func TestEmptyGraphHasOnlyDiagonal(t *testing.T) {
	g, err := New(5, 0.5)
	require.NoError(t, err)

	assert.Equal(t, 5, g.NNZ())
	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, degree(t, g, i))
		assert.Equal(t, 0.5, diagonal(t, g, i))
	}
	l, err := g.Label(0, 4)
	require.NoError(t, err)
	assert.Equal(t, Unknown, l)
}

func TestInsertSimilarUpdatesBothEndpoints(t *testing.T) {
	g, err := New(4, 1)
	require.NoError(t, err)

	require.NoError(t, g.InsertSimilar(2, 0))

	assert.Equal(t, 1, g.SimilarCount())
	assert.Equal(t, 1, degree(t, g, 0))
	assert.Equal(t, 1, degree(t, g, 2))
	assert.Equal(t, 2.0, diagonal(t, g, 0))
	assert.Equal(t, 2.0, diagonal(t, g, 2))
	assert.Equal(t, 1.0, diagonal(t, g, 1))
	assert.Equal(t, 4+2, g.NNZ())

	for _, p := range [][2]int{{0, 2}, {2, 0}} {
		l, err := g.Label(p[0], p[1])
		require.NoError(t, err)
		assert.Equal(t, Similar, l)
	}
}

func TestInsertDissimilarLeavesStructureAlone(t *testing.T) {
	g, err := New(4, 1)
	require.NoError(t, err)
	gen := g.Generation()

	require.NoError(t, g.InsertDissimilar(3, 1))

	assert.Equal(t, gen, g.Generation())
	assert.Equal(t, 0, degree(t, g, 1))
	assert.Equal(t, 1, g.DissimilarCount())
	l, _ := g.Label(1, 3)
	assert.Equal(t, Dissimilar, l)

	partners, err := g.DissimilarPartners(3)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, partners)
}

func TestInvalidIndex(t *testing.T) {
	g, err := New(3, 1)
	require.NoError(t, err)

	require.ErrorIs(t, g.InsertSimilar(1, 1), ErrInvalidIndex)
	require.ErrorIs(t, g.InsertSimilar(0, 3), ErrInvalidIndex)
	require.ErrorIs(t, g.InsertDissimilar(-1, 2), ErrInvalidIndex)
	_, err = g.Label(2, 2)
	require.ErrorIs(t, err, ErrInvalidIndex)
	_, err = g.Degree(3)
	require.ErrorIs(t, err, ErrInvalidIndex)
	_, err = g.Diagonal(-1)
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestApplyBatchIsAtomic(t *testing.T) {
	g, err := New(4, 1)
	require.NoError(t, err)

	pairs := []Pair{{0, 1}, {1, 2}, {2, 7}}
	_, err = g.ApplyBatch(pairs, []bool{true, false, true})
	require.ErrorIs(t, err, ErrInvalidIndex)

	assert.Equal(t, 0, g.SimilarCount())
	assert.Equal(t, 0, g.DissimilarCount())

	_, err = g.ApplyBatch(pairs[:2], []bool{true})
	require.ErrorIs(t, err, ErrBatchMismatch)
}

func TestApplyBatchSkipsRepeatsAndKeepsFirstLabel(t *testing.T) {
	g, err := New(5, 1)
	require.NoError(t, err)

	n, err := g.ApplyBatch([]Pair{{0, 1}, {1, 0}, {3, 4}}, []bool{true, false, false})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Relabeling is ignored.
	n, err = g.ApplyBatch([]Pair{{1, 0}, {4, 3}}, []bool{false, true})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	l, _ := g.Label(0, 1)
	assert.Equal(t, Similar, l)
	l, _ = g.Label(3, 4)
	assert.Equal(t, Dissimilar, l)
	assert.Equal(t, 1, g.SimilarCount())
	assert.Equal(t, 1, g.DissimilarCount())
}

// TestRandomBatchesKeepInvariants drives the graph with random batches and
// checks symmetry, degree accounting and the CSR layout after every batch.
func TestRandomBatchesKeepInvariants(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		opts := []Option{WithWorkers(4)}
		if parallel {
			opts = append(opts, WithParallelThreshold(2))
		}
		const dim = 40
		g, err := New(dim, 0.25, opts...)
		require.NoError(t, err)

		rng := rand.New(rand.NewPCG(7, 11))
		truth := make(map[Pair]Label)
		prevSimilar := 0

		for round := 0; round < 60; round++ {
			k := 1 + rng.IntN(12)
			pairs := make([]Pair, 0, k)
			labels := make([]bool, 0, k)
			for len(pairs) < k {
				i, j := rng.IntN(dim), rng.IntN(dim)
				if i == j {
					continue
				}
				pairs = append(pairs, Pair{i, j})
				labels = append(labels, rng.IntN(3) == 0)
			}
			_, err := g.ApplyBatch(pairs, labels)
			require.NoError(t, err)
			for n, p := range pairs {
				c := p.Canonical()
				if _, ok := truth[c]; ok {
					continue
				}
				if labels[n] {
					truth[c] = Similar
				} else {
					truth[c] = Dissimilar
				}
			}

			require.GreaterOrEqual(t, g.SimilarCount(), prevSimilar)
			prevSimilar = g.SimilarCount()
			checkInvariants(t, g, truth)
		}
	}
}

func checkInvariants(t *testing.T, g *Graph, truth map[Pair]Label) {
	t.Helper()
	dim := g.Dim()
	similar, dissimilar := 0, 0
	for i := 0; i < dim; i++ {
		deg := 0
		for j := 0; j < dim; j++ {
			if i == j {
				continue
			}
			lij, err := g.Label(i, j)
			require.NoError(t, err)
			lji, _ := g.Label(j, i)
			require.Equal(t, lij, lji, "symmetry (%d,%d)", i, j)
			require.Equal(t, truth[Pair{i, j}.Canonical()], lij, "label (%d,%d)", i, j)
			if lij == Similar {
				deg++
			}
			if i < j {
				switch lij {
				case Similar:
					similar++
				case Dissimilar:
					dissimilar++
				}
			}
		}
		require.Equal(t, deg, degree(t, g, i), "degree of %d", i)
		require.Equal(t, float64(deg)+g.Lambda(), diagonal(t, g, i))
	}
	require.Equal(t, similar, g.SimilarCount())
	require.Equal(t, dissimilar, g.DissimilarCount())
	require.Equal(t, dim+2*similar, g.NNZ())

	v := g.CSR(Borrow)
	for i := 0; i < dim; i++ {
		row := v.ColIdx[v.RowPtr[i]:v.RowPtr[i+1]]
		for n := 1; n < len(row); n++ {
			require.Less(t, row[n-1], row[n], "row %d not sorted", i)
		}
		require.Equal(t, int32(i), v.ColIdx[v.DiagPos[i]])
	}
}

func TestBorrowedViewExpiresOnMutation(t *testing.T) {
	g, err := New(6, 1)
	require.NoError(t, err)
	require.NoError(t, g.InsertSimilar(0, 1))

	borrowed := g.CSR(Borrow)
	owned := g.CSR(Copy)
	assert.True(t, borrowed.Valid())
	assert.Equal(t, Copy, owned.Mode())

	// Dissimilar labels are not structural.
	require.NoError(t, g.InsertDissimilar(2, 3))
	assert.True(t, borrowed.Valid())

	require.NoError(t, g.InsertSimilar(4, 5))
	assert.False(t, borrowed.Valid())
	assert.True(t, owned.Valid())

	// The copy still describes the graph as it was.
	assert.Equal(t, 6+2, owned.NNZ())
	assert.Equal(t, 6+4, g.CSR(Borrow).NNZ())
}

func TestMulVecMatchesLaplacian(t *testing.T) {
	g, err := New(3, 0.5)
	require.NoError(t, err)
	_, err = g.ApplyBatch([]Pair{{0, 1}, {1, 2}}, []bool{true, true})
	require.NoError(t, err)

	// L + 0.5I for the path 0-1-2:
	// [ 1.5 -1    0  ]
	// [ -1   2.5 -1  ]
	// [ 0   -1    1.5]
	x := []float64{1, 2, 3}
	dst := make([]float64, 3)
	g.CSR(Borrow).MulVec(dst, x, 0)
	assert.InDeltaSlice(t, []float64{-0.5, 1, 2.5}, dst, 1e-12)

	g.CSR(Copy).MulVec(dst, x, 1)
	assert.InDeltaSlice(t, []float64{0.5, 3, 5.5}, dst, 1e-12)
}

func TestAppendDecidedMergesBothSets(t *testing.T) {
	g, err := New(8, 1)
	require.NoError(t, err)
	_, err = g.ApplyBatch(
		[]Pair{{3, 1}, {3, 6}, {3, 0}, {3, 7}, {3, 4}},
		[]bool{true, true, false, false, true},
	)
	require.NoError(t, err)

	got := g.AppendDecided(nil, 3)
	assert.Equal(t, []int32{0, 1, 3, 4, 6, 7}, got)

	got = g.AppendDecided(nil, 2)
	assert.Equal(t, []int32{2}, got)
}

func TestInclusiveScan(t *testing.T) {
	dst := make([]int64, 5)
	inclusiveScan(dst, []int32{0, 2, 1, 3}, 1)
	assert.Equal(t, []int64{0, 1, 4, 6, 10}, dst)
}

func TestInclusiveScanCompleteGraphOffsets(t *testing.T) {
	// Offsets of a complete graph on 50000 items pass math.MaxInt32.
	const dim = 50000
	counts := make([]int32, dim)
	for i := range counts {
		counts[i] = dim - 1
	}
	dst := make([]int64, dim+1)
	inclusiveScan(dst, counts, 1)

	assert.Equal(t, int64(dim)*dim, dst[dim])
	assert.Greater(t, dst[dim], int64(math.MaxInt32))
	for i := 1; i <= dim; i++ {
		require.Equal(t, int64(i)*dim, dst[i])
	}
}

func TestStorageGrowsToCompleteGraph(t *testing.T) {
	const dim = 12
	g, err := New(dim, 1)
	require.NoError(t, err)

	for i := 0; i < dim; i++ {
		for j := i + 1; j < dim; j++ {
			require.NoError(t, g.InsertSimilar(i, j))
		}
	}
	assert.Equal(t, dim*(dim-1)/2, g.SimilarCount())
	assert.Equal(t, 0, g.UnknownCount())
	assert.Equal(t, dim*dim, g.NNZ())
	for i := 0; i < dim; i++ {
		assert.Equal(t, dim-1, degree(t, g, i))
	}
}
