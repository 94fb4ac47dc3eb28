package reign

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"throne-api/domain"
	"throne-api/storage"
)

const tracerName = "throne-api/reign"

// ErrClosed is wrapped by a DependencyError once the coordinator stops.
var ErrClosed = errors.New("coordinator closed")

// Store persists transitions atomically.
type Store interface {
	Load(ctx context.Context, eventLimit int) (domain.Snapshot, error)
	Commit(ctx context.Context, t domain.Transition) error
	Applied(ctx context.Context, transitionID string) (bool, error)
}

// ArtifactVerifier confirms that an artifact ref resolves to stored content.
type ArtifactVerifier interface {
	Verify(ctx context.Context, ref string) error
}

// Notifier receives every committed snapshot together with what changed.
type Notifier interface {
	Notify(snap domain.Snapshot, change Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(snap domain.Snapshot, change Change)

func (f NotifierFunc) Notify(snap domain.Snapshot, change Change) { f(snap, change) }

// Notifiers fans a notification out in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(snap domain.Snapshot, change Change) {
	for _, n := range ns {
		n.Notify(snap, change)
	}
}

// Config tunes the coordinator.
type Config struct {
	QueueSize        int
	AdmissionTimeout time.Duration
	VerifyTimeout    time.Duration
	CommitTimeout    time.Duration
	RetryInitial     time.Duration
	RetryMax         time.Duration
	MaxAttempts      int
	// EventWindow is the number of recent events kept in the snapshot.
	EventWindow int
	Journal     JournalConfig
	Logger      *log.Logger
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = 5 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 3 * time.Second
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 10 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.EventWindow <= 0 {
		c.EventWindow = 200
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}
	return c
}

type opKind int

const (
	opPublish opKind = iota
	opRegister
	opTick
)

type request struct {
	kind     opKind
	ctx      context.Context
	publish  PublishRequest
	register RegisterRequest
	deadline time.Time
	reply    chan response
}

type response struct {
	result      TransitionResult
	participant domain.Participant
	created     bool
	err         error
}

// Coordinator serializes every mutation of the throne through one goroutine.
// Reads are served from an immutable snapshot and never wait on writes.
type Coordinator struct {
	cfg      Config
	store    Store
	verifier ArtifactVerifier
	notifier Notifier
	journal  *journal
	clock    *clock
	log      *log.Logger
	tracer   trace.Tracer

	snap      atomic.Pointer[domain.Snapshot]
	requests  chan *request
	repairing atomic.Bool
	// pending is the intent whose outcome is unknown. Owned by the actor.
	pending *intent

	done      chan struct{}
	stopped   chan struct{}
	running   atomic.Bool
	closeOnce sync.Once
}

// New opens the journal, reconciles intents left pending by a previous run
// and loads the committed state.
func New(ctx context.Context, cfg Config, store Store, verifier ArtifactVerifier, notifier Notifier) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if cfg.Journal.Logger == nil {
		cfg.Journal.Logger = cfg.Logger
	}
	j, pending, err := openJournal(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		notifier: notifier,
		journal:  j,
		clock:    newClock(cfg.Now),
		log:      cfg.Logger,
		tracer:   otel.Tracer(tracerName),
		requests: make(chan *request, cfg.QueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	for _, rec := range pending {
		if err := c.reconcile(ctx, rec); err != nil {
			j.close()
			return nil, fmt.Errorf("reconcile intent %d: %w", rec.Offset, err)
		}
	}

	snap, err := store.Load(ctx, cfg.EventWindow)
	if err != nil {
		j.close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	if err := snap.CheckInvariants(); err != nil {
		j.close()
		return nil, err
	}
	c.observe(snap)
	c.snap.Store(&snap)
	return c, nil
}

func (c *Coordinator) observe(snap domain.Snapshot) {
	for _, e := range snap.Events {
		c.clock.observe(e.OccurredAt)
	}
	if snap.Ledger.CreditedThrough != nil {
		c.clock.observe(*snap.Ledger.CreditedThrough)
	}
}

// Snapshot returns the last committed state.
func (c *Coordinator) Snapshot() domain.Snapshot {
	return *c.snap.Load()
}

// Repairing reports whether the coordinator is refusing work until an
// unconfirmed transition is reconciled.
func (c *Coordinator) Repairing() bool {
	return c.repairing.Load()
}

// DisplayNameAvailable reports whether no participant uses name yet.
func (c *Coordinator) DisplayNameAvailable(name string) bool {
	return !c.Snapshot().DisplayNameTaken(name)
}

// Run executes queued requests until ctx is cancelled or Close is called.
func (c *Coordinator) Run(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator already running")
	}
	defer close(c.stopped)
	defer c.drain()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case r := <-c.requests:
			c.handle(r)
		}
	}
}

// Close stops the actor, waits for the request in flight and closes the
// journal. Requests still queued fail with ErrClosed.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.running.CompareAndSwap(false, true) {
			// Run never started, so nothing else answers queued requests.
			c.drain()
			close(c.stopped)
		} else {
			<-c.stopped
		}
		err = c.journal.close()
	})
	return err
}

func (c *Coordinator) drain() {
	for {
		select {
		case r := <-c.requests:
			r.reply <- response{err: domain.Dependency("coordinator", ErrClosed)}
		default:
			return
		}
	}
}

// Publish verifies the artifact and, once admitted, applies the publish.
func (c *Coordinator) Publish(ctx context.Context, req PublishRequest) (TransitionResult, error) {
	if req.ParticipantID == "" {
		return TransitionResult{}, domain.Validation("publish", "participant id required")
	}
	if req.ArtifactRef == "" {
		return TransitionResult{}, domain.Validation("publish", "artifact ref required")
	}
	if err := c.verify(ctx, req.ArtifactRef); err != nil {
		return TransitionResult{}, err
	}
	resp := c.do(ctx, &request{kind: opPublish, publish: req})
	return resp.result, resp.err
}

// Register returns the participant, creating it when it does not exist yet.
func (c *Coordinator) Register(ctx context.Context, req RegisterRequest) (domain.Participant, bool, error) {
	if req.ParticipantID == "" {
		return domain.Participant{}, false, domain.Validation("register", "participant id required")
	}
	if p, ok := c.Snapshot().Participant(req.ParticipantID); ok && !c.Repairing() {
		return p, false, nil
	}
	resp := c.do(ctx, &request{kind: opRegister, register: req})
	return resp.participant, resp.created, resp.err
}

// Tick queues a credit tick. It never blocks: a tick that finds the queue
// full is dropped and the next one credits the whole interval.
func (c *Coordinator) Tick() bool {
	r := &request{kind: opTick, ctx: context.Background(), deadline: time.Now().Add(c.cfg.AdmissionTimeout), reply: make(chan response, 1)}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.requests <- r:
		return true
	default:
		return false
	}
}

func (c *Coordinator) verify(ctx context.Context, ref string) error {
	if c.verifier == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, c.cfg.VerifyTimeout)
	defer cancel()
	err := c.verifier.Verify(vctx, ref)
	switch {
	case err == nil:
		return nil
	case domain.KindOf(err) != nil:
		return err
	case errors.Is(err, storage.ErrArtifactNotFound), errors.Is(err, storage.ErrArtifactInvalid):
		return &domain.Error{Kind: domain.ErrValidation, Op: "verify", Err: err}
	default:
		return domain.Dependency("verify", err)
	}
}

// do queues r and waits for its reply. Once the actor dequeues the request
// the caller's context no longer cancels it.
func (c *Coordinator) do(ctx context.Context, r *request) response {
	r.ctx = ctx
	r.deadline = time.Now().Add(c.cfg.AdmissionTimeout)
	r.reply = make(chan response, 1)

	timer := time.NewTimer(c.cfg.AdmissionTimeout)
	defer timer.Stop()
	select {
	case c.requests <- r:
	case <-timer.C:
		return response{err: domain.Conflict(r.op(), "not admitted within %s", c.cfg.AdmissionTimeout)}
	case <-ctx.Done():
		return response{err: &domain.Error{Kind: domain.ErrConflict, Op: r.op(), Err: ctx.Err()}}
	case <-c.done:
		return response{err: domain.Dependency(r.op(), ErrClosed)}
	}

	select {
	case resp := <-r.reply:
		return resp
	case <-c.stopped:
		select {
		case resp := <-r.reply:
			return resp
		default:
			return response{err: domain.Dependency(r.op(), ErrClosed)}
		}
	}
}

func (r *request) op() string {
	switch r.kind {
	case opPublish:
		return "publish"
	case opRegister:
		return "register"
	default:
		return "tick"
	}
}

func (c *Coordinator) handle(r *request) {
	if time.Now().After(r.deadline) {
		err := domain.Conflict(r.op(), "not admitted within %s", c.cfg.AdmissionTimeout)
		var result TransitionResult
		if r.kind == opPublish && !c.repairing.Load() {
			result = c.recordFailed(r.ctx, r.publish, OutcomeRejected)
		}
		r.reply <- response{result: result, err: err}
		return
	}
	if err := r.ctx.Err(); err != nil {
		r.reply <- response{err: &domain.Error{Kind: domain.ErrConflict, Op: r.op(), Err: err}}
		return
	}
	if c.repairing.Load() {
		if err := c.repair(); err != nil {
			r.reply <- response{err: domain.Consistency(r.op(), err)}
			return
		}
	}

	switch r.kind {
	case opPublish:
		r.reply <- c.handlePublish(r)
	case opRegister:
		r.reply <- c.handleRegister(r)
	case opTick:
		r.reply <- c.handleTick()
	}
}

func (c *Coordinator) handlePublish(r *request) response {
	ctx, span := c.tracer.Start(r.ctx, "reign.publish", trace.WithAttributes(
		attribute.String("throne.participant_id", r.publish.ParticipantID),
		attribute.Bool("throne.expected_holder_set", r.publish.ExpectedHolderID != ""),
	))
	defer span.End()
	if r.publish.IdempotencyKey != "" {
		span.SetAttributes(attribute.String("throne.idempotency_key", r.publish.IdempotencyKey))
	}

	p, err := planPublish(c.Snapshot(), r.publish, c.clock.Now(), uuid.NewString())
	if err != nil {
		recordSpanError(span, err)
		return response{err: err}
	}
	span.SetAttributes(
		attribute.String("throne.transition_id", p.tx.ID),
		attribute.String("throne.outcome", string(p.result.Outcome)),
	)
	if err := c.commit(ctx, p); err != nil {
		recordSpanError(span, err)
		if errors.Is(err, storage.ErrRejected) {
			// commit reloaded the snapshot; the attempt is recorded against it.
			return response{result: c.recordFailed(ctx, r.publish, OutcomeRejected), err: err}
		}
		return response{err: err}
	}
	fields := log.Fields{
		"transition_id": p.tx.ID,
		"outcome":       p.result.Outcome,
		"holder_id":     p.result.HolderID,
		"version":       p.result.Version,
	}
	if p.result.PreviousHolderID != "" {
		fields["previous_holder_id"] = p.result.PreviousHolderID
		fields["credited_ms"] = p.result.Credited.Milliseconds()
	}
	c.log.WithFields(fields).Info("reign transition committed")

	if p.reject != nil {
		recordSpanError(span, p.reject)
		return response{result: p.result, err: p.reject}
	}
	span.SetStatus(codes.Ok, "")
	return response{result: p.result}
}

// recordFailed commits a failed event for a publish that was not applied.
// The returned result is best effort: a failure to record is only logged.
func (c *Coordinator) recordFailed(ctx context.Context, req PublishRequest, outcome Outcome) TransitionResult {
	p, ok := planFailed(c.Snapshot(), req.ParticipantID, outcome, c.clock.Now(), uuid.NewString())
	if !ok {
		return TransitionResult{Outcome: outcome, HolderID: c.Snapshot().Ledger.HolderID}
	}
	if err := c.commit(context.WithoutCancel(ctx), p); err != nil {
		c.log.WithError(err).WithField("participant_id", req.ParticipantID).Warn("failed publish attempt not recorded")
		return TransitionResult{Outcome: outcome, HolderID: c.Snapshot().Ledger.HolderID}
	}
	c.log.WithFields(log.Fields{
		"transition_id":  p.tx.ID,
		"participant_id": req.ParticipantID,
		"outcome":        outcome,
	}).Info("failed publish attempt recorded")
	return p.result
}

func (c *Coordinator) handleRegister(r *request) response {
	ctx, span := c.tracer.Start(r.ctx, "reign.register", trace.WithAttributes(
		attribute.String("throne.participant_id", r.register.ParticipantID),
	))
	defer span.End()

	p, participant, create, err := planRegister(c.Snapshot(), r.register, c.clock.Now(), uuid.NewString())
	if err != nil {
		recordSpanError(span, err)
		return response{err: err}
	}
	if !create {
		return response{participant: participant}
	}
	if err := c.commit(ctx, p); err != nil {
		recordSpanError(span, err)
		return response{err: err}
	}
	c.log.WithFields(log.Fields{"participant_id": participant.ID, "display_name": participant.DisplayName}).Info("participant registered")
	return response{participant: participant, created: true}
}

func (c *Coordinator) handleTick() response {
	p, ok := planTick(c.Snapshot(), c.clock.Now(), uuid.NewString())
	if !ok {
		return response{}
	}
	if err := c.commit(context.Background(), p); err != nil {
		c.log.WithError(err).Warn("credit tick not committed")
		return response{err: err}
	}
	return response{result: p.result}
}

// commit runs the write path: journal, store, checkpoint, snapshot swap, notify.
func (c *Coordinator) commit(ctx context.Context, p plan) error {
	next := c.Snapshot().Apply(p.tx, c.cfg.EventWindow)
	if err := next.CheckInvariants(); err != nil {
		c.log.WithError(err).WithField("transition_id", p.tx.ID).Error("refusing transition that breaks invariants")
		return err
	}

	rec := &intent{Op: p.op, Transition: p.tx, Timestamp: time.Now().UTC()}
	if err := c.journal.append(rec); err != nil {
		return domain.Dependency(p.op, fmt.Errorf("journal append: %w", err))
	}

	err := c.storeCommit(ctx, p.tx)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrRejected):
		c.rollback(rec)
		c.reload(ctx)
		return &domain.Error{Kind: domain.ErrConflict, Op: p.op, Err: err}
	case errors.Is(err, storage.ErrUnavailable):
		c.rollback(rec)
		return domain.Dependency(p.op, err)
	default:
		c.pending = rec
		c.repairing.Store(true)
		c.log.WithError(err).WithFields(log.Fields{
			"transition_id": p.tx.ID,
			"offset":        rec.Offset,
		}).Error("transition outcome unknown; entering repair mode")
		return domain.Consistency(p.op, err)
	}

	if err := c.journal.checkpoint(rec.Offset); err != nil {
		// The store already holds the transition; the next start reconciles it.
		c.log.WithError(err).WithField("offset", rec.Offset).Warn("journal checkpoint failed")
	}
	c.install(next, p.change)
	return nil
}

// reload replaces the snapshot with the store's state after a rejected
// write, so the next plan starts from what another writer committed.
func (c *Coordinator) reload(ctx context.Context) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()
	snap, err := c.store.Load(lctx, c.cfg.EventWindow)
	if err != nil {
		c.log.WithError(err).Warn("reload after rejected commit failed")
		return
	}
	if err := snap.CheckInvariants(); err != nil {
		c.log.WithError(err).Error("reloaded state breaks invariants; keeping current snapshot")
		return
	}
	if snap.Ledger.Version == c.Snapshot().Ledger.Version {
		return
	}
	c.observe(snap)
	c.install(snap, changeAll)
	c.log.WithField("version", snap.Ledger.Version).Info("snapshot reloaded from store")
}

func (c *Coordinator) rollback(rec *intent) {
	if err := c.journal.rollback(rec); err != nil {
		c.log.WithError(err).WithField("offset", rec.Offset).Warn("journal rollback failed; checkpointing instead")
		if err := c.journal.checkpoint(rec.Offset); err != nil {
			c.log.WithError(err).WithField("offset", rec.Offset).Error("journal checkpoint failed")
		}
	}
}

func (c *Coordinator) install(next domain.Snapshot, change Change) {
	c.snap.Store(&next)
	if c.notifier != nil {
		c.notifier.Notify(next, change)
	}
}

// storeCommit submits t, retrying transient failures with jittered
// exponential backoff. Resubmission is safe because stores treat a
// transition id they already applied as a no-op.
func (c *Coordinator) storeCommit(ctx context.Context, t domain.Transition) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
		err := c.store.Commit(cctx, t)
		cancel()
		if err == nil || errors.Is(err, storage.ErrRejected) {
			return err
		}
		if errors.Is(err, storage.ErrUnavailable) {
			if lastErr == nil || errors.Is(lastErr, storage.ErrUnavailable) {
				lastErr = err
			}
		} else {
			lastErr = err
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
			applied, aerr := c.store.Applied(actx, t.ID)
			cancel()
			if aerr == nil && applied {
				return nil
			}
		}
		if attempt >= c.cfg.MaxAttempts {
			return lastErr
		}
		c.log.WithError(err).WithFields(log.Fields{"transition_id": t.ID, "attempt": attempt}).Warn("store commit failed; retrying")
		time.Sleep(exponentialBackoff(attempt, c.cfg.RetryInitial, c.cfg.RetryMax))
	}
}

// repair reconciles the pending intent. It adopts the transition when the
// store holds it, resubmits it otherwise and reloads state when the store
// has moved on without it.
func (c *Coordinator) repair() error {
	rec := c.pending
	if rec == nil {
		c.repairing.Store(false)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommitTimeout)
	defer cancel()

	applied, err := c.resolve(ctx, rec)
	if err != nil {
		return err
	}
	if applied {
		next := c.Snapshot().Apply(rec.Transition, c.cfg.EventWindow)
		c.install(next, changeAll)
	} else {
		snap, err := c.store.Load(ctx, c.cfg.EventWindow)
		if err != nil {
			return err
		}
		c.observe(snap)
		c.install(snap, changeAll)
	}
	c.pending = nil
	c.repairing.Store(false)
	c.log.WithFields(log.Fields{"transition_id": rec.Transition.ID, "adopted": applied}).Info("repair complete")
	return nil
}

// reconcile resolves an intent found in the journal at startup.
func (c *Coordinator) reconcile(ctx context.Context, rec *intent) error {
	applied, err := c.resolve(ctx, rec)
	if err != nil {
		return err
	}
	c.log.WithFields(log.Fields{"transition_id": rec.Transition.ID, "offset": rec.Offset, "adopted": applied}).Info("reconciled pending intent")
	return nil
}

// resolve determines whether rec ended up in the store, resubmitting it when
// it did not, and checkpoints it. applied is false only when the store
// rejected the resubmission.
func (c *Coordinator) resolve(ctx context.Context, rec *intent) (bool, error) {
	applied, err := c.store.Applied(ctx, rec.Transition.ID)
	if err != nil {
		return false, err
	}
	if !applied {
		err := c.store.Commit(ctx, rec.Transition)
		switch {
		case err == nil:
			applied = true
		case errors.Is(err, storage.ErrRejected):
		default:
			return false, err
		}
	}
	if err := c.journal.checkpoint(rec.Offset); err != nil {
		return false, err
	}
	return applied, nil
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 2 * time.Second
	}
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
