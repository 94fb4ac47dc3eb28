package storage

import (
	"context"
	"fmt"
	"sync"

	"throne-api/domain"
)

// MemoryStore keeps the throne in process memory. It is used when no table
// storage is configured and in tests.
type MemoryStore struct {
	mu           sync.Mutex
	ledger       domain.Ledger
	lastID       string
	participants map[string]domain.Participant
	events       []domain.ActivityEvent
	commits      int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledger:       domain.Ledger{NextSeq: 1},
		participants: map[string]domain.Participant{},
	}
}

// Load returns a copy of the stored state with at most eventLimit recent events.
func (m *MemoryStore) Load(_ context.Context, eventLimit int) (domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := domain.Snapshot{
		Participants: make(map[string]domain.Participant, len(m.participants)),
		Ledger:       m.ledger.Clone(),
	}
	for id, p := range m.participants {
		snap.Participants[id] = p.Clone()
	}
	events := append([]domain.ActivityEvent(nil), m.events...)
	domain.SortRecent(events)
	if eventLimit > 0 && len(events) > eventLimit {
		events = events[:eventLimit]
	}
	snap.Events = events
	return snap, nil
}

// Commit applies t atomically under the store lock.
func (m *MemoryStore) Commit(_ context.Context, t domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID != "" && t.ID == m.lastID {
		return nil
	}
	if m.ledger.Version != t.PrevVersion {
		return fmt.Errorf("%w: ledger at version %d, transition expects %d", ErrRejected, m.ledger.Version, t.PrevVersion)
	}
	for _, e := range t.Events {
		for _, existing := range m.events {
			if existing.Seq == e.Seq {
				return fmt.Errorf("%w: event seq %d exists", ErrRejected, e.Seq)
			}
		}
	}
	m.ledger = t.Ledger.Clone()
	m.lastID = t.ID
	for _, p := range t.Participants {
		m.participants[p.ID] = p.Clone()
	}
	m.events = append(m.events, t.Events...)
	m.commits++
	return nil
}

// Applied reports whether transitionID was the last committed transition.
func (m *MemoryStore) Applied(_ context.Context, transitionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID == transitionID, nil
}

// Commits returns the number of applied transitions.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Events returns every stored event in insertion order.
func (m *MemoryStore) Events() []domain.ActivityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ActivityEvent(nil), m.events...)
}
