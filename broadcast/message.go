package broadcast

import (
	"encoding/json"

	"throne-api/domain"
)

// Topics pushed to observers.
const (
	TopicUsers     = "usersUpdated"
	TopicGameState = "gameStateUpdated"
	TopicFeed      = "activityFeedUpdated"
)

// Message is one observer notification. Data is the JSON payload of the topic.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewMessage encodes v as the payload of a typ message.
func NewMessage(typ string, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Data: data}, nil
}

func usersMessage(snap domain.Snapshot) (Message, error) {
	return NewMessage(TopicUsers, snap.ParticipantViews())
}

func gameStateMessage(snap domain.Snapshot) (Message, error) {
	return NewMessage(TopicGameState, snap.Ledger.View())
}

func feedMessage(snap domain.Snapshot, limit int) (Message, error) {
	return NewMessage(TopicFeed, snap.EventViews(limit))
}
