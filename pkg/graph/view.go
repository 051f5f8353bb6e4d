package graph

import "slices"

// AccessMode selects how CSR hands out the adjacency arrays.
type AccessMode uint8

const (
	// Borrow returns slices into the graph's own storage. The view stays
	// valid only until the next structural mutation.
	Borrow AccessMode = iota
	// Copy returns caller-owned copies that stay valid forever.
	Copy
)

func (m AccessMode) String() string {
	if m == Copy {
		return "copy"
	}
	return "borrow"
}

// CSRView exposes the regularized Laplacian L + λI in CSR form.
// Row i spans ColIdx[RowPtr[i]:RowPtr[i+1]], sorted by column, and
// DiagPos[i] is the absolute position of its diagonal entry.
type CSRView struct {
	Values  []float64
	ColIdx  []int32
	RowPtr  []int64
	DiagPos []int64

	Dim    int
	Lambda float64

	mode       AccessMode
	generation uint64
	src        *Graph
}

// CSR returns the adjacency structure as a borrowed view or an owned copy.
func (g *Graph) CSR(mode AccessMode) CSRView {
	v := CSRView{
		Dim:        g.dim,
		Lambda:     g.lambda,
		mode:       mode,
		generation: g.generation,
		src:        g,
	}
	nnz := g.NNZ()
	if mode == Copy {
		v.Values = slices.Clone(g.cur.values[:nnz])
		v.ColIdx = slices.Clone(g.cur.colIdx[:nnz])
		v.RowPtr = slices.Clone(g.cur.rowPtr)
		v.DiagPos = slices.Clone(g.cur.diagPos)
		v.src = nil
		return v
	}
	v.Values = g.cur.values[:nnz:nnz]
	v.ColIdx = g.cur.colIdx[:nnz:nnz]
	v.RowPtr = g.cur.rowPtr
	v.DiagPos = g.cur.diagPos
	return v
}

// Mode reports whether the view is borrowed or owned.
func (v CSRView) Mode() AccessMode { return v.mode }

// Generation returns the graph generation the view was taken at.
func (v CSRView) Generation() uint64 { return v.generation }

// Valid reports whether the arrays can still be read. Copies are always
// valid; borrowed views expire with the next structural mutation.
func (v CSRView) Valid() bool {
	if v.mode == Copy {
		return true
	}
	return v.src != nil && v.src.generation == v.generation
}

// NNZ returns the number of stored entries.
func (v CSRView) NNZ() int { return len(v.ColIdx) }

// MulVec computes dst = (A + shift·I)·x where A is the viewed matrix.
func (v CSRView) MulVec(dst, x []float64, shift float64) {
	for i := 0; i < v.Dim; i++ {
		sum := shift * x[i]
		for p := v.RowPtr[i]; p < v.RowPtr[i+1]; p++ {
			sum += v.Values[p] * x[v.ColIdx[p]]
		}
		dst[i] = sum
	}
}
