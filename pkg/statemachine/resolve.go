package statemachine

import (
	"context"
	"fmt"
)

// Resolve returns the target state for the given current state and event.
// It runs guards to select a transition and executes the winning transition's
// actions before returning; an action error aborts the resolution and no
// target state is produced.
func (m *Machine) Resolve(ctx context.Context, from State, event Event, data any) (State, error) {
	if from == nil {
		return nil, ErrInvalidState
	}
	if event == nil {
		return nil, ErrInvalidEvent
	}

	m.mu.RLock()
	candidates := m.candidates(from, event)
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, NewErrNoTransitionAvailable(from.Name(), event.Name())
	}

	// First transition with passing guards wins (priority ordering).
	var match *Transition
	for i := range candidates {
		if guardsPass(ctx, candidates[i], from, event, data) {
			match = &candidates[i]
			break
		}
	}
	if match == nil {
		return nil, NewErrTransitionRejected(from.Name(), event.Name())
	}

	for _, action := range match.Actions {
		if action == nil {
			continue
		}
		if err := action(ctx, from, match.To, event, data); err != nil {
			return nil, fmt.Errorf("action failed: %w", err)
		}
	}

	return match.To, nil
}

// CanResolve reports whether any transition exists for the state/event pair
// whose guards would allow it. No actions are executed.
func (m *Machine) CanResolve(ctx context.Context, from State, event Event, data any) bool {
	if from == nil || event == nil {
		return false
	}

	m.mu.RLock()
	candidates := m.candidates(from, event)
	m.mu.RUnlock()

	for i := range candidates {
		if guardsPass(ctx, candidates[i], from, event, data) {
			return true
		}
	}
	return false
}

// TargetsFrom returns the names of all states reachable from the given state,
// ignoring guards. Useful for diagnostics and exhaustive table tests.
func (m *Machine) TargetsFrom(from State) []string {
	if from == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	byEvent, ok := m.transitions[from.Name()]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, ts := range byEvent {
		for _, t := range ts {
			if _, dup := seen[t.To.Name()]; dup {
				continue
			}
			seen[t.To.Name()] = struct{}{}
			out = append(out, t.To.Name())
		}
	}
	return out
}

func (m *Machine) candidates(from State, event Event) []Transition {
	byEvent, ok := m.transitions[from.Name()]
	if !ok {
		return nil
	}
	return byEvent[event.Name()]
}

func guardsPass(ctx context.Context, t Transition, from State, event Event, data any) bool {
	for _, guard := range t.Guards {
		if guard != nil && !guard(ctx, from, event, data) {
			return false
		}
	}
	return true
}
