// Package statemachine implements the download state machine from
// spec §4.C7: the allowed transition edges and the activeness
// predicate that the rest of the engine hooks into for concurrency
// slot acquire/release.
package statemachine

import "fmt"

// State is one of the download lifecycle states.
type State string

const (
	Queued     State = "QUEUED"
	Starting   State = "STARTING"
	Downloading State = "DOWNLOADING"
	Paused     State = "PAUSED"
	Merging    State = "MERGING"
	Verifying  State = "VERIFYING"
	Completed  State = "COMPLETED"
	Failed     State = "FAILED"
	Cancelled  State = "CANCELLED"
)

var edges = map[State]map[State]bool{
	Queued:      set(Starting, Paused, Cancelled, Failed),
	Starting:    set(Downloading, Paused, Failed, Cancelled),
	Downloading: set(Paused, Merging, Verifying, Failed, Cancelled),
	Paused:      set(Queued, Cancelled),
	Merging:     set(Verifying, Failed, Cancelled),
	// Verifying's Cancelled edge is not in spec §4.C7's table; it exists
	// so cancel-from-any-active-state (§4.C12) has somewhere to land
	// mid-verification.
	Verifying: set(Completed, Failed, Cancelled),
	Completed: set(Queued, Paused),
	Failed:    set(Queued, Merging),
	Cancelled: set(Paused, Queued),
}

func set(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	allowed, ok := edges[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Validate returns an error if from -> to is not an allowed edge.
func Validate(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	return nil
}

// IsActive reports whether s counts as "active" for concurrency-slot
// and scheduling purposes.
func IsActive(s State) bool {
	switch s {
	case Starting, Downloading, Merging, Verifying:
		return true
	default:
		return false
	}
}

// Hooks are invoked by the State Store around a validated transition
// so the Engine can acquire/release concurrency slots and deregister
// host bookkeeping without the state machine knowing about either.
type Hooks struct {
	OnExit  func(id int64, from State)
	OnEnter func(id int64, to State)
}

// Fire runs OnExit(from) then OnEnter(to) if the transition changes
// activeness, matching spec §4.C7: "on leaving an active state ...
// release slots; on entering an active state ... acquire them."
func (h Hooks) Fire(id int64, from, to State) {
	if from == to {
		return
	}
	wasActive, isActive := IsActive(from), IsActive(to)
	if wasActive && !isActive && h.OnExit != nil {
		h.OnExit(id, from)
	}
	if isActive && !wasActive && h.OnEnter != nil {
		h.OnEnter(id, to)
	}
}
