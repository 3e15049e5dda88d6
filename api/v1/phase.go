package v1

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Phase is one state of a resource's application-defined state machine.
type Phase string

// PhaseMachine is a closed transition table over a domain's phases. The
// runtime is phase-agnostic; domains declare their machine once and the
// table is validated at construction, so an invalid transition fails fast
// instead of silently no-oping.
type PhaseMachine struct {
	initial     Phase
	transitions map[Phase]sets.Set[Phase]
	terminal    sets.Set[Phase]
}

// NewPhaseMachine builds a validated machine. Every transition target must
// itself be a declared phase, and terminal phases may not have outgoing
// transitions.
func NewPhaseMachine(initial Phase, transitions map[Phase][]Phase, terminal ...Phase) (*PhaseMachine, error) {
	known := sets.New[Phase](initial)
	for from, tos := range transitions {
		known.Insert(from)
		known.Insert(tos...)
	}

	term := sets.New[Phase](terminal...)
	for _, p := range terminal {
		if !known.Has(p) {
			return nil, fmt.Errorf("terminal phase %q is not part of the machine", p)
		}
		if len(transitions[p]) > 0 {
			return nil, fmt.Errorf("terminal phase %q has outgoing transitions", p)
		}
	}

	m := &PhaseMachine{
		initial:     initial,
		transitions: make(map[Phase]sets.Set[Phase], len(transitions)),
		terminal:    term,
	}
	for from, tos := range transitions {
		m.transitions[from] = sets.New[Phase](tos...)
	}
	return m, nil
}

// Initial returns the phase a fresh resource starts in.
func (m *PhaseMachine) Initial() Phase {
	return m.initial
}

// CanTransition reports whether from -> to is declared. The empty phase is
// treated as the initial phase so unset statuses behave like new resources.
func (m *PhaseMachine) CanTransition(from, to Phase) bool {
	if from == "" {
		from = m.initial
	}
	if from == to {
		return true
	}
	return m.transitions[from].Has(to)
}

// Transition validates from -> to and returns to, or an error naming the
// rejected edge.
func (m *PhaseMachine) Transition(from, to Phase) (Phase, error) {
	if !m.CanTransition(from, to) {
		return from, fmt.Errorf("invalid phase transition %q -> %q", from, to)
	}
	return to, nil
}

// Terminal reports whether p is a terminal phase. Terminal resources are
// skipped by the resync sweep.
func (m *PhaseMachine) Terminal(p Phase) bool {
	return m.terminal.Has(p)
}
