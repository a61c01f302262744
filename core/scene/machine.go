package scene

import (
	"sync"

	"github.com/koscakluka/ema-classroom/core/conversations"
)

// Machine tracks the active persona of one session.
type Machine struct {
	policy     Policy
	directives map[Persona]PersonaDirective
	initial    Persona

	mu      sync.Mutex
	current Persona
}

type MachineOption func(*Machine)

func WithPolicy(policy Policy) MachineOption {
	return func(m *Machine) {
		if policy != nil {
			m.policy = policy
		}
	}
}

// WithDirective overrides the directive used for directive.Persona.
func WithDirective(directive PersonaDirective) MachineOption {
	return func(m *Machine) {
		if directive.Persona.Valid() {
			m.directives[directive.Persona] = directive
		}
	}
}

func WithInitialPersona(persona Persona) MachineOption {
	return func(m *Machine) {
		if persona.Valid() {
			m.initial = persona
		}
	}
}

func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		policy:     DefaultPolicy(),
		directives: DefaultDirectives(),
		initial:    PersonaStudent,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current = m.initial
	return m
}

func (m *Machine) Current() Persona {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Directive returns the directive of the current persona.
func (m *Machine) Directive() PersonaDirective {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.directives[m.current]
}

// Observe lets the policy inspect the history and reports a directive only
// when the persona changes.
func (m *Machine) Observe(history []conversations.TurnEvent) (PersonaDirective, bool) {
	next := m.policy.Decide(history)
	if !next.Valid() {
		return PersonaDirective{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if next == m.current {
		return PersonaDirective{}, false
	}
	m.current = next
	return m.directives[next], true
}

// Reset returns the machine to its initial persona.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.initial
}
