// Package broadcast pushes committed throne state to connected observers.
package broadcast

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"throne-api/domain"
	"throne-api/reign"
)

// ErrUnknownSession is returned by Send for sessions that are not connected.
var ErrUnknownSession = errors.New("unknown session")

// Authenticator verifies an observer credential and returns the participant id.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// SnapshotSource provides the committed state handed to new subscribers.
type SnapshotSource interface {
	Snapshot() domain.Snapshot
}

// Forwarder carries locally originated messages to other instances.
type Forwarder interface {
	Forward(Message)
}

// HubConfig configures a Hub.
type HubConfig struct {
	// Outbox is the per-session queue length. Defaults to 16.
	Outbox int
	// FeedLimit bounds the activity feed payload. Defaults to 50.
	FeedLimit int
	Logger    *log.Logger
}

// Hub tracks observer sessions and fans committed state out to them.
type Hub struct {
	auth Authenticator
	cfg  HubConfig
	log  *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	source   SnapshotSource
	forward  Forwarder
}

// NewHub returns an empty hub verifying sessions with auth.
func NewHub(auth Authenticator, cfg HubConfig) *Hub {
	if cfg.Outbox <= 0 {
		cfg.Outbox = 16
	}
	if cfg.FeedLimit <= 0 {
		cfg.FeedLimit = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	return &Hub{auth: auth, cfg: cfg, log: cfg.Logger, sessions: make(map[string]*Session)}
}

// Attach sets the state source used for subscribe snapshots.
func (h *Hub) Attach(src SnapshotSource) {
	h.mu.Lock()
	h.source = src
	h.mu.Unlock()
}

// SetForwarder routes every Broadcast through f as well.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	h.forward = f
	h.mu.Unlock()
}

// Connect registers a new session in StateConnecting.
func (h *Hub) Connect() *Session {
	s := newSession(uuid.NewString(), h.cfg.Outbox)
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	return s
}

// Authenticate verifies the credential and binds the participant to s. A
// failed verification closes the session.
func (h *Hub) Authenticate(s *Session, authHeader string) (string, error) {
	participantID, err := h.auth.UserIDFromAuthHeader(authHeader)
	if err != nil {
		h.Disconnect(s)
		return "", err
	}
	if err := s.authenticate(participantID); err != nil {
		return "", err
	}
	return participantID, nil
}

// Subscribe starts delivery to s and queues a full state snapshot first.
func (h *Hub) Subscribe(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := s.transition(StateAuthenticated, StateSubscribed); err != nil {
		return err
	}
	if h.source == nil {
		return nil
	}
	for _, m := range h.snapshotMessages(h.source.Snapshot(), reign.Change{Users: true, GameState: true, Feed: true}) {
		s.enqueue(m)
	}
	return nil
}

// Disconnect closes s and forgets it.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	if s.close() {
		h.log.WithFields(log.Fields{"session": s.ID, "dropped": s.Dropped()}).Debug("observer session closed")
	}
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Send delivers m to one session.
func (h *Hub) Send(sessionID string, m Message) error {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	if !s.enqueue(m) {
		return ErrIllegalTransition
	}
	return nil
}

// Broadcast delivers m to every subscribed session here and on other instances.
func (h *Hub) Broadcast(m Message) {
	h.mu.RLock()
	f := h.forward
	h.mu.RUnlock()
	h.Deliver(m)
	if f != nil {
		f.Forward(m)
	}
}

// Deliver fans m out to local sessions only.
func (h *Hub) Deliver(m Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.sessions {
		if s.enqueue(m) {
			n++
		}
	}
	return n
}

// Notify implements reign.Notifier.
func (h *Hub) Notify(snap domain.Snapshot, change reign.Change) {
	for _, m := range h.snapshotMessages(snap, change) {
		h.Broadcast(m)
	}
}

func (h *Hub) snapshotMessages(snap domain.Snapshot, change reign.Change) []Message {
	out := make([]Message, 0, 3)
	add := func(m Message, err error) {
		if err != nil {
			h.log.WithError(err).Error("encode observer message")
			return
		}
		out = append(out, m)
	}
	if change.Users {
		add(usersMessage(snap))
	}
	if change.GameState {
		add(gameStateMessage(snap))
	}
	if change.Feed {
		add(feedMessage(snap, h.cfg.FeedLimit))
	}
	return out
}
