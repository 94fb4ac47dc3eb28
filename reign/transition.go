package reign

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"throne-api/domain"
)

// MaxDisplayNameLength bounds registration names, in runes.
const MaxDisplayNameLength = 32

// Outcome names what a publish did to the throne.
type Outcome string

const (
	OutcomeReignStarted Outcome = "reign_started"
	OutcomeRepublished  Outcome = "republished"
	OutcomeTakeover     Outcome = "takeover"
	OutcomeStale        Outcome = "stale"
	// OutcomeRejected marks a publish that was never applied because it
	// waited past its admission deadline or lost a write race in the store.
	OutcomeRejected Outcome = "rejected"
)

// PublishRequest asks the coordinator to put ArtifactRef on the throne for ParticipantID.
type PublishRequest struct {
	ParticipantID string
	ArtifactRef   string
	// ExpectedHolderID, when set, must match the current holder or the
	// attempt is recorded as failed and rejected as a conflict.
	ExpectedHolderID string
	IdempotencyKey   string
}

// RegisterRequest creates a participant on first sight.
type RegisterRequest struct {
	ParticipantID string
	DisplayName   string
	AvatarRef     string
}

// TransitionResult describes a committed publish.
type TransitionResult struct {
	TransitionID     string
	Outcome          Outcome
	HolderID         string
	PreviousHolderID string
	// Credited is the time credited to the previous holder by this transition.
	Credited       time.Duration
	ReignStartedAt time.Time
	Version        uint64
	Events         []domain.ActivityEvent
}

// Change tells observers which views a transition touched.
type Change struct {
	Users     bool
	GameState bool
	Feed      bool
}

var changeAll = Change{Users: true, GameState: true, Feed: true}

type plan struct {
	op     string
	tx     domain.Transition
	result TransitionResult
	change Change
	// reject is returned to the caller after the transition commits.
	reject error
}

type builder struct {
	snap   domain.Snapshot
	now    time.Time
	tx     domain.Transition
	ledger domain.Ledger
}

func newBuilder(snap domain.Snapshot, now time.Time, txID string) *builder {
	ledger := snap.Ledger.Clone()
	if ledger.NextSeq == 0 {
		ledger.NextSeq = 1
	}
	return &builder{
		snap:   snap,
		now:    now,
		ledger: ledger,
		tx:     domain.Transition{ID: txID, PrevVersion: snap.Ledger.Version},
	}
}

func (b *builder) event(kind domain.EventKind, actor, target, message string) domain.ActivityEvent {
	e := domain.ActivityEvent{
		ID:           fmt.Sprintf("%s-%d", b.tx.ID, b.ledger.NextSeq),
		Seq:          b.ledger.NextSeq,
		Kind:         kind,
		ActorID:      actor,
		TargetID:     target,
		TransitionID: b.tx.ID,
		Message:      message,
		OccurredAt:   b.now,
	}
	b.ledger.NextSeq++
	b.tx.Events = append(b.tx.Events, e)
	return e
}

func (b *builder) put(p domain.Participant) {
	b.tx.Participants = append(b.tx.Participants, p)
}

func (b *builder) build() domain.Transition {
	b.ledger.Version = b.snap.Ledger.Version + 1
	b.tx.Ledger = b.ledger
	return b.tx
}

func (b *builder) name(id string) string {
	if id == "" {
		return "an empty throne"
	}
	if n := b.snap.DisplayName(id); n != "" {
		return n
	}
	return id
}

// planFailed records a publish by publisherID that did not take the throne.
// ok is false when the publisher is unknown to snap.
func planFailed(snap domain.Snapshot, publisherID string, outcome Outcome, now time.Time, txID string) (plan, bool) {
	publisher, ok := snap.Participant(publisherID)
	if !ok {
		return plan{}, false
	}
	b := newBuilder(snap, now, txID)
	holderID := snap.Ledger.HolderID
	e := b.event(domain.EventFailed, publisher.ID, holderID,
		fmt.Sprintf("%s tried to take over %s but failed", publisher.DisplayName, b.name(holderID)))
	tx := b.build()
	return plan{
		op:     "publish",
		tx:     tx,
		change: Change{Feed: true},
		result: TransitionResult{
			TransitionID: tx.ID,
			Outcome:      outcome,
			HolderID:     holderID,
			Version:      tx.Ledger.Version,
			Events:       []domain.ActivityEvent{e},
		},
	}, true
}

// planPublish computes the transition for a publish attempt against snap.
func planPublish(snap domain.Snapshot, req PublishRequest, now time.Time, txID string) (plan, error) {
	publisher, ok := snap.Participant(req.ParticipantID)
	if !ok {
		return plan{}, domain.Validation("publish", "participant %s is not registered", req.ParticipantID)
	}
	b := newBuilder(snap, now, txID)
	holderID := snap.Ledger.HolderID

	if req.ExpectedHolderID != "" && req.ExpectedHolderID != holderID {
		p, _ := planFailed(snap, publisher.ID, OutcomeStale, now, txID)
		p.reject = domain.Conflict("publish", "expected holder %q but throne is held by %q", req.ExpectedHolderID, holderID)
		return p, nil
	}

	result := TransitionResult{TransitionID: txID, HolderID: publisher.ID}
	switch {
	case holderID == "":
		start := now
		publisher = publisher.Clone()
		publisher.ArtifactRef = req.ArtifactRef
		publisher.ReignStartedAt = &start
		b.put(publisher)
		b.ledger.HolderID = publisher.ID
		b.ledger.HolderArtifactRef = req.ArtifactRef
		b.ledger.ReignStartedAt = &start
		credited := start
		b.ledger.CreditedThrough = &credited
		b.event(domain.EventPublish, publisher.ID, "", fmt.Sprintf("%s uploaded a new audio", publisher.DisplayName))
		result.Outcome = OutcomeReignStarted
		result.ReignStartedAt = start

	case holderID == publisher.ID:
		publisher = publisher.Clone()
		publisher.ArtifactRef = req.ArtifactRef
		b.put(publisher)
		b.ledger.HolderArtifactRef = req.ArtifactRef
		b.event(domain.EventPublish, publisher.ID, "", fmt.Sprintf("%s uploaded a new audio", publisher.DisplayName))
		result.Outcome = OutcomeRepublished
		if snap.Ledger.ReignStartedAt != nil {
			result.ReignStartedAt = *snap.Ledger.ReignStartedAt
		}

	default:
		previous, ok := snap.Participant(holderID)
		if !ok {
			return plan{}, domain.Consistency("publish", fmt.Errorf("holder %s missing from registry", holderID))
		}
		credit := pendingCredit(snap.Ledger, now)
		previous = previous.Clone()
		previous.Credit += credit
		previous.ReignStartedAt = nil
		b.put(previous)

		start := now
		publisher = publisher.Clone()
		publisher.ArtifactRef = req.ArtifactRef
		publisher.ReignStartedAt = &start
		b.put(publisher)

		b.ledger.HolderID = publisher.ID
		b.ledger.HolderArtifactRef = req.ArtifactRef
		b.ledger.ReignStartedAt = &start
		credited := start
		b.ledger.CreditedThrough = &credited

		b.event(domain.EventDethrone, publisher.ID, previous.ID, fmt.Sprintf("%s dethroned %s", publisher.DisplayName, previous.DisplayName))
		b.event(domain.EventTakeover, publisher.ID, previous.ID, fmt.Sprintf("%s took over %s", publisher.DisplayName, previous.DisplayName))
		result.Outcome = OutcomeTakeover
		result.PreviousHolderID = previous.ID
		result.Credited = credit
		result.ReignStartedAt = start
	}

	tx := b.build()
	result.Version = tx.Ledger.Version
	result.Events = tx.Events
	return plan{op: "publish", tx: tx, result: result, change: changeAll}, nil
}

// planRegister computes the transition that adds a participant. ok is false
// when the participant already exists and nothing needs to be committed.
func planRegister(snap domain.Snapshot, req RegisterRequest, now time.Time, txID string) (plan, domain.Participant, bool, error) {
	if existing, found := snap.Participant(req.ParticipantID); found {
		return plan{}, existing, false, nil
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		return plan{}, domain.Participant{}, false, domain.Validation("register", "display name required")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return plan{}, domain.Participant{}, false, domain.Validation("register", "display name longer than %d characters", MaxDisplayNameLength)
	}
	if snap.DisplayNameTaken(name) {
		return plan{}, domain.Participant{}, false, domain.Validation("register", "display name %q is taken", name)
	}

	p := domain.Participant{
		ID:          req.ParticipantID,
		DisplayName: name,
		AvatarRef:   strings.TrimSpace(req.AvatarRef),
		JoinedAt:    now,
	}
	b := newBuilder(snap, now, txID)
	b.put(p)
	b.event(domain.EventJoin, p.ID, "", fmt.Sprintf("%s joined", p.DisplayName))
	tx := b.build()
	return plan{op: "register", tx: tx, change: Change{Users: true, Feed: true}}, p, true, nil
}

// planTick credits the holder for the time since the last credit. ok is false
// when there is nothing to credit.
func planTick(snap domain.Snapshot, now time.Time, txID string) (plan, bool) {
	if snap.Ledger.Vacant() {
		return plan{}, false
	}
	holder, found := snap.Participant(snap.Ledger.HolderID)
	if !found {
		return plan{}, false
	}
	credit := pendingCredit(snap.Ledger, now)
	if credit <= 0 {
		return plan{}, false
	}
	holder = holder.Clone()
	holder.Credit += credit

	b := newBuilder(snap, now, txID)
	b.put(holder)
	through := now
	b.ledger.CreditedThrough = &through
	tx := b.build()
	return plan{
		op:     "tick",
		tx:     tx,
		change: Change{Users: true},
		result: TransitionResult{TransitionID: tx.ID, HolderID: holder.ID, Credited: credit, Version: tx.Ledger.Version},
	}, true
}

// pendingCredit is the holder's uncredited time at now.
func pendingCredit(l domain.Ledger, now time.Time) time.Duration {
	from := l.CreditedThrough
	if from == nil {
		from = l.ReignStartedAt
	}
	if from == nil {
		return 0
	}
	if d := now.Sub(*from); d > 0 {
		return d
	}
	return 0
}
