package engine

import "fmt"

// State is a stage of the discovery loop.
type State uint8

const (
	Uninitialized State = iota
	Initialized
	Predicting
	Verifying
	Updating
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Predicting:
		return "predicting"
	case Verifying:
		return "verifying"
	case Updating:
		return "updating"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}
