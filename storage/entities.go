package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"throne-api/domain"
)

// PartitionKey holds every row of the throne so a transition fits one batch.
const PartitionKey = "throne"

const (
	edmInt64 = "Edm.Int64"

	ledgerRowKey      = "ledger"
	participantPrefix = "participant-"
	eventPrefix       = "event-"
)

type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type ledgerEntity struct {
	entity
	HolderID             string `json:"HolderID"`
	HolderArtifactRef    string `json:"HolderArtifactRef"`
	ReignStartedAt       int64  `json:"ReignStartedAt,string"`
	ReignStartedAtType   string `json:"ReignStartedAt@odata.type"`
	CreditedThrough      int64  `json:"CreditedThrough,string"`
	CreditedThroughType  string `json:"CreditedThrough@odata.type"`
	Version              int64  `json:"Version,string"`
	VersionType          string `json:"Version@odata.type"`
	NextSeq              int64  `json:"NextSeq,string"`
	NextSeqType          string `json:"NextSeq@odata.type"`
	LastTransitionID     string `json:"LastTransitionID"`
	LastTransitionAt     int64  `json:"LastTransitionAt,string"`
	LastTransitionAtType string `json:"LastTransitionAt@odata.type"`
}

type participantEntity struct {
	entity
	DisplayName        string `json:"DisplayName"`
	AvatarRef          string `json:"AvatarRef"`
	Credit             int64  `json:"Credit,string"`
	CreditType         string `json:"Credit@odata.type"`
	ArtifactRef        string `json:"ArtifactRef"`
	ReignStartedAt     int64  `json:"ReignStartedAt,string"`
	ReignStartedAtType string `json:"ReignStartedAt@odata.type"`
	JoinedAt           int64  `json:"JoinedAt,string"`
	JoinedAtType       string `json:"JoinedAt@odata.type"`
}

type eventEntity struct {
	entity
	EventID        string `json:"EventID"`
	Seq            int64  `json:"Seq,string"`
	SeqType        string `json:"Seq@odata.type"`
	Kind           string `json:"Kind"`
	ActorID        string `json:"ActorID"`
	TargetID       string `json:"TargetID"`
	TransitionID   string `json:"TransitionID"`
	Message        string `json:"Message"`
	OccurredAt     int64  `json:"OccurredAt,string"`
	OccurredAtType string `json:"OccurredAt@odata.type"`
}

func participantRowKey(id string) string {
	return participantPrefix + id
}

// eventRowKey inverts the sequence so a partition scan returns newest rows first.
func eventRowKey(seq uint64) string {
	return fmt.Sprintf("%s%019d", eventPrefix, uint64(math.MaxInt64)-seq)
}

func unixNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.Unix(0, v).UTC()
	return &t
}

func encodeLedger(l domain.Ledger, transitionID string, at time.Time) ([]byte, error) {
	return json.Marshal(ledgerEntity{
		entity:               entity{PartitionKey: PartitionKey, RowKey: ledgerRowKey},
		HolderID:             l.HolderID,
		HolderArtifactRef:    l.HolderArtifactRef,
		ReignStartedAt:       unixNano(l.ReignStartedAt),
		ReignStartedAtType:   edmInt64,
		CreditedThrough:      unixNano(l.CreditedThrough),
		CreditedThroughType:  edmInt64,
		Version:              int64(l.Version),
		VersionType:          edmInt64,
		NextSeq:              int64(l.NextSeq),
		NextSeqType:          edmInt64,
		LastTransitionID:     transitionID,
		LastTransitionAt:     at.UnixNano(),
		LastTransitionAtType: edmInt64,
	})
}

func decodeLedger(data []byte) (domain.Ledger, string, error) {
	var ent ledgerEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Ledger{}, "", err
	}
	return domain.Ledger{
		HolderID:          ent.HolderID,
		HolderArtifactRef: ent.HolderArtifactRef,
		ReignStartedAt:    fromUnixNano(ent.ReignStartedAt),
		CreditedThrough:   fromUnixNano(ent.CreditedThrough),
		Version:           uint64(ent.Version),
		NextSeq:           uint64(ent.NextSeq),
	}, ent.LastTransitionID, nil
}

func encodeParticipant(p domain.Participant) ([]byte, error) {
	return json.Marshal(participantEntity{
		entity:             entity{PartitionKey: PartitionKey, RowKey: participantRowKey(p.ID)},
		DisplayName:        p.DisplayName,
		AvatarRef:          p.AvatarRef,
		Credit:             int64(p.Credit),
		CreditType:         edmInt64,
		ArtifactRef:        p.ArtifactRef,
		ReignStartedAt:     unixNano(p.ReignStartedAt),
		ReignStartedAtType: edmInt64,
		JoinedAt:           p.JoinedAt.UnixNano(),
		JoinedAtType:       edmInt64,
	})
}

func decodeParticipant(data []byte) (domain.Participant, error) {
	var ent participantEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Participant{}, err
	}
	return domain.Participant{
		ID:             strings.TrimPrefix(ent.RowKey, participantPrefix),
		DisplayName:    ent.DisplayName,
		AvatarRef:      ent.AvatarRef,
		Credit:         time.Duration(ent.Credit),
		ArtifactRef:    ent.ArtifactRef,
		ReignStartedAt: fromUnixNano(ent.ReignStartedAt),
		JoinedAt:       time.Unix(0, ent.JoinedAt).UTC(),
	}, nil
}

func encodeEvent(e domain.ActivityEvent) ([]byte, error) {
	return json.Marshal(eventEntity{
		entity:         entity{PartitionKey: PartitionKey, RowKey: eventRowKey(e.Seq)},
		EventID:        e.ID,
		Seq:            int64(e.Seq),
		SeqType:        edmInt64,
		Kind:           string(e.Kind),
		ActorID:        e.ActorID,
		TargetID:       e.TargetID,
		TransitionID:   e.TransitionID,
		Message:        e.Message,
		OccurredAt:     e.OccurredAt.UnixNano(),
		OccurredAtType: edmInt64,
	})
}

func decodeEvent(data []byte) (domain.ActivityEvent, error) {
	var ent eventEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.ActivityEvent{}, err
	}
	kind := domain.EventKind(ent.Kind)
	if !kind.Valid() {
		return domain.ActivityEvent{}, fmt.Errorf("unknown event kind %q in row %s", ent.Kind, ent.RowKey)
	}
	return domain.ActivityEvent{
		ID:           ent.EventID,
		Seq:          uint64(ent.Seq),
		Kind:         kind,
		ActorID:      ent.ActorID,
		TargetID:     ent.TargetID,
		TransitionID: ent.TransitionID,
		Message:      ent.Message,
		OccurredAt:   time.Unix(0, ent.OccurredAt).UTC(),
	}, nil
}
