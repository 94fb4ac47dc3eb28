package api

import (
	"context"
	"encoding/json"
	"io"

	"throne-api/domain"
	"throne-api/reign"
)

// Coordinator is the reign state machine the handlers drive.
type Coordinator interface {
	Snapshot() domain.Snapshot
	Repairing() bool
	DisplayNameAvailable(name string) bool
	Publish(ctx context.Context, req reign.PublishRequest) (reign.TransitionResult, error)
	Register(ctx context.Context, req reign.RegisterRequest) (domain.Participant, bool, error)
}

// ArtifactStore keeps uploaded clips.
type ArtifactStore interface {
	Store(ctx context.Context, data io.Reader, contentType string) (string, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate publish requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// LatestReader serves the last relayed payload of an observer topic.
type LatestReader interface {
	Latest(ctx context.Context, topic string) (json.RawMessage, bool, error)
}
