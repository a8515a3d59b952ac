package session

import "fmt"

// State is the step a session completed last.
type State int

const (
	StateLoaded State = iota
	StateAttributed
	StateAnalyzed
	StateExtended
	StateSymbolsResolved
	StatePlanned
	StateInjected
	StateFlushed
	StateAborted
)

var stateNames = [...]string{
	StateLoaded:          "LOADED",
	StateAttributed:      "ATTRIBUTED",
	StateAnalyzed:        "ANALYZED",
	StateExtended:        "EXTENDED",
	StateSymbolsResolved: "SYMBOLS_RESOLVED",
	StatePlanned:         "PLANNED",
	StateInjected:        "INJECTED",
	StateFlushed:         "FLUSHED",
	StateAborted:         "ABORTED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// reached reports whether the session got past s without aborting.
func (s State) reached(o State) bool {
	return s != StateAborted && s >= o
}

// InvalidSessionStateError is returned when an operation is called out of
// order, or after the session aborted.
type InvalidSessionStateError struct {
	Op       string
	State    State
	Expected State
	// Cause is the error that aborted the session, if it did.
	Cause error
}

func (e *InvalidSessionStateError) Error() string {
	if e.State == StateAborted {
		return fmt.Sprintf("cannot %s: session aborted: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("cannot %s in state %s, session must be %s", e.Op, e.State, e.Expected)
}
