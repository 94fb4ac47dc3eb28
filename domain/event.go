package domain

import (
	"sort"
	"time"
)

// EventKind enumerates activity log entries.
type EventKind string

const (
	EventJoin     EventKind = "join"
	EventPublish  EventKind = "publish"
	EventTakeover EventKind = "takeover"
	EventDethrone EventKind = "dethrone"
	EventFailed   EventKind = "failed"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventJoin, EventPublish, EventTakeover, EventDethrone, EventFailed:
		return true
	}
	return false
}

// ActivityEvent is one append-only activity log entry.
type ActivityEvent struct {
	ID           string
	Seq          uint64
	Kind         EventKind
	ActorID      string
	TargetID     string
	TransitionID string
	Message      string
	OccurredAt   time.Time
}

// EventView is the wire shape of an activity event.
type EventView struct {
	ID             string    `json:"id"`
	Type           EventKind `json:"type"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	TargetUserID   *string   `json:"targetUserId"`
	TargetUsername *string   `json:"targetUsername"`
	Timestamp      int64     `json:"timestamp"`
	Message        *string   `json:"message"`
}

// View converts the event to its wire shape, resolving usernames through names.
func (e ActivityEvent) View(names func(id string) string) EventView {
	v := EventView{
		ID:        e.ID,
		Type:      e.Kind,
		UserID:    e.ActorID,
		Timestamp: e.OccurredAt.UnixMilli(),
	}
	if names != nil {
		v.Username = names(e.ActorID)
	}
	if e.TargetID != "" {
		id := e.TargetID
		v.TargetUserID = &id
		if names != nil {
			n := names(e.TargetID)
			v.TargetUsername = &n
		}
	}
	if e.Message != "" {
		msg := e.Message
		v.Message = &msg
	}
	return v
}

// SortRecent orders events newest first: OccurredAt descending, ties by
// descending sequence so events of one transition stay adjacent and stable.
func SortRecent(events []ActivityEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.After(events[j].OccurredAt)
		}
		return events[i].Seq > events[j].Seq
	})
}
