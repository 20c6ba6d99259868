package registry

import (
	"fmt"

	"simswap.dev/internal/hotswap/hotswaperr"
)

// State is a module lifecycle state.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	Initializing
	Active
	Pausing
	Paused
	Resuming
	Stopping
	Unloading
	Error
)

var stateNames = map[State]string{
	Unloaded:     "unloaded",
	Loading:      "loading",
	Loaded:       "loaded",
	Initializing: "initializing",
	Active:       "active",
	Pausing:      "pausing",
	Paused:       "paused",
	Resuming:     "resuming",
	Stopping:     "stopping",
	Unloading:    "unloading",
	Error:        "error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// legalTransitions is the forward edge set of the lifecycle machine. Error is
// reachable from any non-terminal state and is handled separately.
var legalTransitions = map[State][]State{
	Unloaded:     {Loading},
	Loading:      {Loaded},
	Loaded:       {Initializing, Unloading},
	Initializing: {Active},
	Active:       {Pausing, Stopping},
	Pausing:      {Paused},
	Paused:       {Resuming, Stopping},
	Resuming:     {Active},
	Stopping:     {Unloading},
	Unloading:    {Unloaded},
	Error:        {Unloading, Loading},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	if to == Error {
		return from != Unloaded
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(name string, from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("module %q: transition %s -> %s: %w",
			name, from, to, hotswaperr.ErrInvalidArgument)
	}
	return nil
}
