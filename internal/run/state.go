package run

import (
	"fmt"
	"sync"
)

// State is a run's lifecycle position.
type State uint8

const (
	Idle State = iota
	Resolving
	PerSheet
	Aggregating
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Resolving:
		return "Resolving"
	case PerSheet:
		return "PerSheet"
	case Aggregating:
		return "Aggregating"
	case Done:
		return "Done"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Done || s == Aborted }

// CanTransition reports whether s may move to next.
//
//	Idle -> Resolving -> PerSheet -> Aggregating -> Done
//	Resolving, PerSheet, Aggregating -> Aborted
func (s State) CanTransition(next State) bool {
	switch s {
	case Idle:
		return next == Resolving
	case Resolving:
		return next == PerSheet || next == Aborted
	case PerSheet:
		return next == Aggregating || next == Aborted
	case Aggregating:
		return next == Done || next == Aborted
	}
	return false
}

// Phase is the per-sheet sub-state reported through progress events.
type Phase uint8

const (
	NoPhase Phase = iota
	Normalizing
	Diffing
	Batching
	Executing
)

func (p Phase) String() string {
	switch p {
	case Normalizing:
		return "Normalizing"
	case Diffing:
		return "Diffing"
	case Batching:
		return "Batching"
	case Executing:
		return "Executing"
	default:
		return ""
	}
}

// Event is one progress notification.
type Event struct {
	State State
	Phase Phase
	Sheet string
	Batch int
	Rows  int
}

// machine guards transitions. Illegal transitions are programming errors.
// Events are delivered one at a time even when sheets run in parallel.
type machine struct {
	state    State
	progress func(Event)

	mu sync.Mutex
}

func (m *machine) to(next State) {
	if !m.state.CanTransition(next) {
		panic(fmt.Sprintf("run: illegal transition %s -> %s", m.state, next))
	}
	m.state = next
	m.emit(Event{State: next})
}

func (m *machine) emit(e Event) {
	if m.progress == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress(e)
}
