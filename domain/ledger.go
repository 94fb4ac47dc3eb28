package domain

import "time"

// Ledger is the singleton throne slot.
type Ledger struct {
	HolderID          string
	HolderArtifactRef string
	ReignStartedAt    *time.Time
	// CreditedThrough is the instant up to which the holder's credit has been accrued.
	CreditedThrough *time.Time
	// Version increments on every committed transition.
	Version uint64
	// NextSeq is the sequence number the next activity event receives.
	NextSeq uint64
}

// Vacant reports whether nobody holds the throne.
func (l Ledger) Vacant() bool {
	return l.HolderID == ""
}

// Clone returns a deep copy of the ledger.
func (l Ledger) Clone() Ledger {
	if l.ReignStartedAt != nil {
		t := *l.ReignStartedAt
		l.ReignStartedAt = &t
	}
	if l.CreditedThrough != nil {
		t := *l.CreditedThrough
		l.CreditedThrough = &t
	}
	return l
}

// LedgerView is the wire shape of the game state.
type LedgerView struct {
	CurrentUserID  *string `json:"currentUserId"`
	CurrentClipURL *string `json:"currentClipUrl"`
	ReignStart     *int64  `json:"reignStart"`
}

// View converts the ledger to its wire shape.
func (l Ledger) View() LedgerView {
	var v LedgerView
	if l.HolderID != "" {
		id := l.HolderID
		v.CurrentUserID = &id
	}
	if l.HolderArtifactRef != "" {
		ref := l.HolderArtifactRef
		v.CurrentClipURL = &ref
	}
	if l.ReignStartedAt != nil {
		ms := l.ReignStartedAt.UnixMilli()
		v.ReignStart = &ms
	}
	return v
}
