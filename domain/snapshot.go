package domain

import (
	"fmt"
	"sort"
)

// Snapshot is an immutable view of the committed state. Callers must not
// mutate the maps or slices they receive.
type Snapshot struct {
	Participants map[string]Participant
	Ledger       Ledger
	// Events holds the most recent activity, newest first.
	Events []ActivityEvent
}

// Participant looks up a participant by id.
func (s Snapshot) Participant(id string) (Participant, bool) {
	p, ok := s.Participants[id]
	return p, ok
}

// DisplayName resolves a participant id to its display name, or "" when unknown.
func (s Snapshot) DisplayName(id string) string {
	return s.Participants[id].DisplayName
}

// DisplayNameTaken reports whether another participant already uses name.
func (s Snapshot) DisplayNameTaken(name string) bool {
	want := NormalizeDisplayName(name)
	for _, p := range s.Participants {
		if NormalizeDisplayName(p.DisplayName) == want {
			return true
		}
	}
	return false
}

// ParticipantList returns participants ordered by descending credit, then by join time.
func (s Snapshot) ParticipantList() []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Credit != out[j].Credit {
			return out[i].Credit > out[j].Credit
		}
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Recent returns at most limit events, newest first.
func (s Snapshot) Recent(limit int) []ActivityEvent {
	if limit <= 0 || limit > len(s.Events) {
		limit = len(s.Events)
	}
	out := make([]ActivityEvent, limit)
	copy(out, s.Events[:limit])
	return out
}

// Holder returns the participant currently on the throne.
func (s Snapshot) Holder() (Participant, bool) {
	if s.Ledger.Vacant() {
		return Participant{}, false
	}
	return s.Participant(s.Ledger.HolderID)
}

// ParticipantViews converts the registry to its wire shape.
func (s Snapshot) ParticipantViews() []ParticipantView {
	list := s.ParticipantList()
	out := make([]ParticipantView, len(list))
	for i, p := range list {
		out[i] = p.View()
	}
	return out
}

// EventViews converts the most recent limit events to their wire shape.
func (s Snapshot) EventViews(limit int) []EventView {
	events := s.Recent(limit)
	out := make([]EventView, len(events))
	for i, e := range events {
		out[i] = e.View(s.DisplayName)
	}
	return out
}

// CheckInvariants verifies the single-holder rule: at most one participant is
// reigning and it is the ledger holder.
func (s Snapshot) CheckInvariants() error {
	reigning := 0
	for id, p := range s.Participants {
		if !p.Reigning() {
			continue
		}
		reigning++
		if id != s.Ledger.HolderID {
			return Consistency("snapshot.check", fmt.Errorf("participant %s reigning while ledger holder is %q", id, s.Ledger.HolderID))
		}
	}
	if reigning > 1 {
		return Consistency("snapshot.check", fmt.Errorf("%d participants reigning", reigning))
	}
	if !s.Ledger.Vacant() {
		holder, ok := s.Participants[s.Ledger.HolderID]
		if !ok {
			return Consistency("snapshot.check", fmt.Errorf("ledger holder %s not registered", s.Ledger.HolderID))
		}
		if !holder.Reigning() {
			return Consistency("snapshot.check", fmt.Errorf("ledger holder %s has no reign", s.Ledger.HolderID))
		}
	}
	return nil
}
