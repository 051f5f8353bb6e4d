package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIndex is returned when an item index is out of range or when
	// both ends of a pair are the same item.
	ErrInvalidIndex = errors.New("graph: invalid index")

	// ErrInvalidConfiguration is returned by New for dim < 2 or lambda outside [0,1].
	ErrInvalidConfiguration = errors.New("graph: invalid configuration")

	// ErrBatchMismatch is returned when a batch has a different number of pairs and labels.
	ErrBatchMismatch = errors.New("graph: pairs and labels length mismatch")
)

// Label is the tri-state relation between two items.
type Label uint8

const (
	// Unknown means the pair has not been verified yet.
	Unknown Label = iota
	// Similar means the oracle matched the two items.
	Similar
	// Dissimilar means the oracle rejected the pair.
	Dissimilar
)

func (l Label) String() string {
	switch l {
	case Unknown:
		return "unknown"
	case Similar:
		return "similar"
	case Dissimilar:
		return "dissimilar"
	default:
		return fmt.Sprintf("label(%d)", uint8(l))
	}
}

// Pair is an unordered pair of item indices.
type Pair struct {
	I, J int
}

// Canonical returns the pair with I < J.
func (p Pair) Canonical() Pair {
	if p.I > p.J {
		return Pair{I: p.J, J: p.I}
	}
	return p
}

func (p Pair) String() string {
	return fmt.Sprintf("(%d,%d)", p.I, p.J)
}
