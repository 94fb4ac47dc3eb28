package api

import (
	"throne-api/domain"
	"throne-api/reign"
)

const (
	postBodyMaxSize      = 16 * 1024 // 16 KiB
	defaultFeedLimit     = 50
	maxFeedLimit         = 200
	defaultUploadMaxSize = 10 << 20
)

// POST /api/add-new-user request body
type addUserRequest struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

// POST /api/add-new-user response body
type addUserResponse struct {
	User    domain.ParticipantView `json:"user"`
	Created bool                   `json:"created"`
}

// GET /api/check-username-uniqueness response body
type uniquenessResponse struct {
	IsUnique bool `json:"isUnique"`
}

// POST /api/upload-audio response body
type uploadResponse struct {
	PublicURL string `json:"publicUrl"`
}

// POST /api/publish request body, also accepted as a socket action
type publishRequest struct {
	ArtifactRef      string `json:"artifactRef"`
	ExpectedHolderID string `json:"expectedHolderId,omitempty"`
	IdempotencyKey   string `json:"idempotencyKey,omitempty"`
}

// POST /api/publish response body
type publishResponse struct {
	TransitionID     string             `json:"transitionId"`
	Outcome          reign.Outcome      `json:"outcome"`
	HolderID         string             `json:"holderId"`
	PreviousHolderID string             `json:"previousHolderId,omitempty"`
	CreditedSeconds  int64              `json:"creditedSeconds"`
	ReignStart       *int64             `json:"reignStart,omitempty"`
	Version          uint64             `json:"version"`
	IdempotencyKey   string             `json:"idempotencyKey,omitempty"`
	Events           []domain.EventView `json:"events"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Outcome string `json:"outcome,omitempty"`
}

func newPublishResponse(res reign.TransitionResult, snap domain.Snapshot, key string) publishResponse {
	out := publishResponse{
		TransitionID:     res.TransitionID,
		Outcome:          res.Outcome,
		HolderID:         res.HolderID,
		PreviousHolderID: res.PreviousHolderID,
		CreditedSeconds:  int64(res.Credited.Seconds()),
		Version:          res.Version,
		IdempotencyKey:   key,
		Events:           make([]domain.EventView, len(res.Events)),
	}
	if !res.ReignStartedAt.IsZero() {
		ms := res.ReignStartedAt.UnixMilli()
		out.ReignStart = &ms
	}
	for i, e := range res.Events {
		out.Events[i] = e.View(snap.DisplayName)
	}
	return out
}
