package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runboxd/runbox/sandbox"
)

// State is a session lifecycle state
type State string

// Session states. Transitions are monotonic and one-directional: a
// session never re-enters Running after leaving it.
const (
	StateQueued       State = "queued"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateTimedOut     State = "timed_out"
	StateRejected     State = "rejected"
)

// allowedTransitions encodes the session state machine
var allowedTransitions = map[State][]State{
	StateQueued:       {StateProvisioning, StateRejected, StateFailed},
	StateProvisioning: {StateRunning, StateFailed, StateTimedOut},
	StateRunning:      {StateCompleted, StateFailed, StateTimedOut},
}

// Session is the service-side record of one request's lifecycle, from
// admission to teardown
type Session struct {
	ID       string
	Language sandbox.Language

	mu        sync.Mutex
	state     State
	startedAt time.Time
	endedAt   time.Time
}

func newSession(language sandbox.Language) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Language:  language,
		state:     StateQueued,
		startedAt: time.Now(),
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves the session to the next state, enforcing the state
// machine. An illegal transition is a programming error and is reported
// rather than applied.
func (s *Session) advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range allowedTransitions[s.state] {
		if allowed == next {
			s.state = next
			if isTerminal(next) {
				s.endedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("illegal session transition: %s -> %s", s.state, next)
}

func isTerminal(state State) bool {
	switch state {
	case StateCompleted, StateFailed, StateTimedOut, StateRejected:
		return true
	}
	return false
}

// Elapsed returns the session's wall time so far, or its total wall time
// once the session has ended
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		return time.Since(s.startedAt)
	}
	return s.endedAt.Sub(s.startedAt)
}
