package testrun

import (
	"fmt"
)

type State int

const (
	Created State = iota
	Initializing
	Running
	Finalizing
	Completed
	Failed
	Canceled
)

var stateNames = [...]string{
	Created:      "CREATED",
	Initializing: "INITIALIZING",
	Running:      "RUNNING",
	Finalizing:   "FINALIZING",
	Completed:    "COMPLETED",
	Failed:       "FAILED",
	Canceled:     "CANCELED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if name == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown test run state %q", s)
}

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Failed, Canceled:
		return true
	default:
		return false
	}
}

func (s State) IsCompleted() bool { return s == Completed }

func (s State) IsFinalizing() bool { return s == Finalizing }

// IsCompletedFailedCanceledOrFinalizing reports whether the run is done with
// its test tasks. A finalizing run still writes its result and is not
// removable yet.
func (s State) IsCompletedFailedCanceledOrFinalizing() bool {
	return s.IsTerminal() || s.IsFinalizing()
}

// CanTransition reports whether from -> to is allowed.
func (s State) CanTransition(to State) bool {
	switch s {
	case Created:
		return to == Initializing || to == Failed || to == Canceled
	case Initializing:
		return to == Running || to == Failed || to == Canceled
	case Running:
		return to == Finalizing || to == Failed || to == Canceled
	case Finalizing:
		return to == Completed || to == Failed || to == Canceled
	default:
		return false
	}
}
