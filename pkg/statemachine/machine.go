package statemachine

import (
	"fmt"
	"sync"
)

// Machine is a stateless transition resolver. It holds the transition table
// only; the current state is supplied by the caller on every Resolve call.
// This fits aggregates whose state lives in a persisted row: the row is
// loaded, resolved against the table, and written back under a conditional
// update, so one Machine safely serves any number of aggregates concurrently.
//
// Transitions are indexed [fromState][event] for O(1) lookup. Multiple
// transitions for the same from/event pair are allowed; the first one whose
// guards all pass wins, which enables guard-based branching.
type Machine struct {
	mu          sync.RWMutex
	transitions map[string]map[string][]Transition
}

// New creates a Machine from the given transition definitions.
func New(transitions ...Transition) (*Machine, error) {
	m := &Machine{transitions: make(map[string]map[string][]Transition)}
	for i, t := range transitions {
		if err := m.add(t); err != nil {
			return nil, fmt.Errorf("transition[%d]: %w", i, err)
		}
	}
	return m, nil
}

// MustNew creates a Machine and panics on invalid definitions, following the
// fail-fast pattern for startup configuration.
func MustNew(transitions ...Transition) *Machine {
	m, err := New(transitions...)
	if err != nil {
		panic(fmt.Sprintf("statemachine: %v", err))
	}
	return m
}

// Add registers an additional transition.
func (m *Machine) Add(t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(t)
}

func (m *Machine) add(t Transition) error {
	if t.From == nil || t.To == nil || t.Event == nil {
		return ErrInvalidTransition
	}
	from, event := t.From.Name(), t.Event.Name()
	if _, ok := m.transitions[from]; !ok {
		m.transitions[from] = make(map[string][]Transition)
	}
	m.transitions[from][event] = append(m.transitions[from][event], t)
	return nil
}
