package schema

import "fmt"

// State is the lifecycle state of a media asset.
//
// State is the single source of truth for gallery visibility and for
// eligibility of an asset for upload or recovery.
type State string

const (
	StateCaptured    State = "CAPTURED"
	StateFileReady   State = "FILE_READY"
	StateDBCommitted State = "DB_COMMITTED"
	StateUploading   State = "UPLOADING"
	StateSynced      State = "SYNCED"
	StateDownloaded  State = "DOWNLOADED"
	StateFileMissing State = "FILE_MISSING"
	StateCorrupt     State = "CORRUPT"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateCaptured,
	StateFileReady,
	StateDBCommitted,
	StateUploading,
	StateSynced,
	StateDownloaded,
	StateFileMissing,
	StateCorrupt,
}

// transitions is the directed adjacency of the state machine.
// Anything not listed here is rejected.
var transitions = map[State][]State{
	StateCaptured:    {StateFileReady},
	StateFileReady:   {StateDBCommitted},
	StateDBCommitted: {StateUploading, StateFileMissing, StateCorrupt},
	StateUploading:   {StateSynced, StateDBCommitted},
	StateSynced:      {StateFileMissing, StateCorrupt},
	StateDownloaded:  {StateFileMissing, StateCorrupt},
	StateFileMissing: {StateDBCommitted, StateCorrupt},
	StateCorrupt:     {StateFileMissing},
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// String returns the stored representation of the state.
func (s State) String() string {
	return string(s)
}

// CanTransition reports whether the machine permits moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Next returns the states reachable from s in one step.
func (s State) Next() []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// IsVisible reports whether assets in this state appear in the gallery.
func (s State) IsVisible() bool {
	switch s {
	case StateDBCommitted, StateSynced, StateDownloaded, StateFileMissing:
		return true
	default:
		return false
	}
}

// IsUploadable reports whether the upload phase may pick up the asset.
func (s State) IsUploadable() bool {
	return s == StateDBCommitted
}

// NeedsRecovery reports whether the asset's bytes must be recovered.
func (s State) NeedsRecovery() bool {
	return s == StateFileMissing
}

// VisibleStates returns the states that are shown in the gallery.
func VisibleStates() []State {
	var out []State
	for _, s := range AllStates {
		if s.IsVisible() {
			out = append(out, s)
		}
	}
	return out
}

// Transition validates a move from one state to another.
//
// It never clamps to a neighbouring state: an unlisted edge returns an
// error wrapping ErrInvalidTransition.
func Transition(from, to State) (State, error) {
	if !from.Valid() {
		return from, &Error{Kind: ErrInvalidArgument, Op: "transition", Err: fmt.Errorf("unknown state %q", from)}
	}
	if !to.Valid() {
		return from, &Error{Kind: ErrInvalidArgument, Op: "transition", Err: fmt.Errorf("unknown state %q", to)}
	}
	if !from.CanTransition(to) {
		return from, &Error{Kind: ErrInvalidTransition, Op: "transition", Err: fmt.Errorf("%s -> %s", from, to)}
	}
	return to, nil
}

// ParseState converts a stored string back into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", &Error{Kind: ErrInvalidArgument, Op: "parse state", Err: fmt.Errorf("unknown state %q", s)}
	}
	return st, nil
}
