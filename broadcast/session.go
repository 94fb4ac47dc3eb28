package broadcast

import (
	"errors"
	"fmt"
	"sync"
)

// State is a session lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrIllegalTransition is returned when a session is moved out of order.
var ErrIllegalTransition = errors.New("illegal session transition")

// Session is one observer connection. Messages are queued in a bounded
// outbox; when it is full the oldest pending message is dropped.
type Session struct {
	ID string

	mu            sync.Mutex
	state         State
	participantID string
	out           chan Message
	closed        chan struct{}
	dropped       int
}

func newSession(id string, outbox int) *Session {
	if outbox <= 0 {
		outbox = 1
	}
	return &Session{
		ID:     id,
		out:    make(chan Message, outbox),
		closed: make(chan struct{}),
	}
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ParticipantID is the verified identity bound to the session, empty before authentication.
func (s *Session) ParticipantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantID
}

// Outbox yields queued messages in order.
func (s *Session) Outbox() <-chan Message { return s.out }

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Dropped counts messages discarded because the outbox was full.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("%w: %s -> %s (session is %s)", ErrIllegalTransition, from, to, s.state)
	}
	s.state = to
	return nil
}

func (s *Session) authenticate(participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return fmt.Errorf("%w: authenticate while %s", ErrIllegalTransition, s.state)
	}
	s.state = StateAuthenticated
	s.participantID = participantID
	return nil
}

// close moves the session to StateClosed. It reports false when the session
// was already closed.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	close(s.closed)
	return true
}

// enqueue queues m for a subscribed session, evicting the oldest message
// when the outbox is full.
func (s *Session) enqueue(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSubscribed {
		return false
	}
	for {
		select {
		case s.out <- m:
			return true
		default:
		}
		select {
		case <-s.out:
			s.dropped++
		default:
		}
	}
}
