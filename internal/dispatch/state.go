package dispatch

import (
	"fmt"
	"sync"

	"fleet-admin/internal/topology"
)

// State is a session's position in its lifecycle
type State string

const (
	StatePending        State = "pending"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateElevating      State = "elevating"
	StateExecuting      State = "executing"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

var transitions = map[State][]State{
	StatePending:        {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateFailed},
	StateAuthenticating: {StateElevating, StateExecuting, StateFailed},
	StateElevating:      {StateExecuting, StateFailed},
	StateExecuting:      {StateCompleted, StateFailed},
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateFunc observes session transitions
type StateFunc func(host topology.Host, from, to State)

// Session tracks one host's connection through the state machine. It is
// owned by the dispatcher; observers only see transitions.
type Session struct {
	Host topology.Host

	mu      sync.Mutex
	state   State
	history []State
	observe StateFunc
}

func newSession(host topology.Host, observe StateFunc) *Session {
	return &Session{Host: host, state: StatePending, history: []State{StatePending}, observe: observe}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns every state the session has been in, in order
func (s *Session) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}

// Transition moves the session to the next state, rejecting illegal moves
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("illegal session transition for %s: %s -> %s", s.Host.Name, from, to)
	}
	s.state = to
	s.history = append(s.history, to)
	s.mu.Unlock()

	if s.observe != nil {
		s.observe(s.Host, from, to)
	}
	return nil
}
