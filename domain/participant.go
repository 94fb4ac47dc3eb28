package domain

import (
	"strings"
	"time"
)

// Participant is a known player and their cumulative credit.
type Participant struct {
	ID             string
	DisplayName    string
	AvatarRef      string
	Credit         time.Duration
	ArtifactRef    string
	ReignStartedAt *time.Time
	JoinedAt       time.Time
}

// Reigning reports whether the participant currently holds the throne.
func (p Participant) Reigning() bool {
	return p.ReignStartedAt != nil
}

// Clone returns a deep copy; reign timestamps are not shared.
func (p Participant) Clone() Participant {
	if p.ReignStartedAt != nil {
		t := *p.ReignStartedAt
		p.ReignStartedAt = &t
	}
	return p
}

// ParticipantView is the wire shape of a participant.
type ParticipantView struct {
	ID                string  `json:"id"`
	Username          string  `json:"username"`
	AvatarURL         string  `json:"avatarUrl"`
	TotalTimeHeld     int64   `json:"totalTimeHeld"`
	CurrentClipURL    *string `json:"currentClipUrl"`
	CurrentReignStart *int64  `json:"currentReignStart"`
}

// View converts the participant to its wire shape. Credit is reported in whole seconds.
func (p Participant) View() ParticipantView {
	v := ParticipantView{
		ID:            p.ID,
		Username:      p.DisplayName,
		AvatarURL:     p.AvatarRef,
		TotalTimeHeld: int64(p.Credit / time.Second),
	}
	if p.ArtifactRef != "" {
		ref := p.ArtifactRef
		v.CurrentClipURL = &ref
	}
	if p.ReignStartedAt != nil {
		ms := p.ReignStartedAt.UnixMilli()
		v.CurrentReignStart = &ms
	}
	return v
}

// NormalizeDisplayName folds a display name for uniqueness comparisons.
func NormalizeDisplayName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
