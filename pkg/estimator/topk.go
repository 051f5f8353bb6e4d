package estimator

import (
	"container/heap"
	"slices"
)

// candidate is an Unknown pair (i < j) with its confidence score.
type candidate struct {
	i, j  int32
	score float64
}

// better is the total order used by every ranking: higher score first,
// ties broken by the smaller (i, j).
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.i != b.i {
		return a.i < b.i
	}
	return a.j < b.j
}

// worstFirst is a heap whose top is the worst kept candidate, so that a
// bounded top-k can evict it in O(log k) when something better shows up.
type worstFirst []candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(a, b int) bool { return better(h[b], h[a]) }
func (h worstFirst) Swap(a, b int)      { h[a], h[b] = h[b], h[a] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK keeps the k best candidates offered to it.
type topK struct {
	k int
	h worstFirst
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(worstFirst, 0, k)}
}

func (t *topK) offer(c candidate) {
	if t.k <= 0 {
		return
	}
	if len(t.h) < t.k {
		heap.Push(&t.h, c)
		return
	}
	if better(c, t.h[0]) {
		t.h[0] = c
		heap.Fix(&t.h, 0)
	}
}

// merge folds every candidate of other into t.
func (t *topK) merge(other *topK) {
	for _, c := range other.h {
		t.offer(c)
	}
}

// sorted returns the kept candidates best first.
func (t *topK) sorted() []candidate {
	out := slices.Clone(t.h)
	slices.SortFunc(out, func(a, b candidate) int {
		if better(a, b) {
			return -1
		}
		if better(b, a) {
			return 1
		}
		return 0
	})
	return out
}
