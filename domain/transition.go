package domain

// Transition is one atomic change set against the persisted state. It is
// committed entirely or not at all.
type Transition struct {
	ID string
	// PrevVersion is the ledger version the transition was computed from.
	PrevVersion uint64
	// Ledger is the full ledger state after the transition.
	Ledger Ledger
	// Participants are upserted in full.
	Participants []Participant
	// Events are appended in sequence order.
	Events []ActivityEvent
}

// Apply returns a new snapshot with t applied on top of s. Events beyond
// keep are dropped from the in-memory window.
func (s Snapshot) Apply(t Transition, keep int) Snapshot {
	participants := make(map[string]Participant, len(s.Participants)+len(t.Participants))
	for id, p := range s.Participants {
		participants[id] = p
	}
	for _, p := range t.Participants {
		participants[p.ID] = p.Clone()
	}

	events := make([]ActivityEvent, 0, len(s.Events)+len(t.Events))
	for i := len(t.Events) - 1; i >= 0; i-- {
		events = append(events, t.Events[i])
	}
	events = append(events, s.Events...)
	SortRecent(events)
	if keep > 0 && len(events) > keep {
		events = events[:keep]
	}

	return Snapshot{Participants: participants, Ledger: t.Ledger.Clone(), Events: events}
}
