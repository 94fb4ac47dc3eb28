package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"throne-api/domain"
	"throne-api/reign"
)

type fakeAuth struct{}

func (fakeAuth) UserIDFromAuthHeader(h string) (string, error) {
	if h != "Bearer good" {
		return "", errors.New("bad token")
	}
	return "u1", nil
}

type staticSource struct{ snap domain.Snapshot }

func (s staticSource) Snapshot() domain.Snapshot { return s.snap }

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func testSnapshot() domain.Snapshot {
	start := time.UnixMilli(1_700_000_000_000).UTC()
	return domain.Snapshot{
		Participants: map[string]domain.Participant{
			"u1": {ID: "u1", DisplayName: "alice", ArtifactRef: "/clips/a", ReignStartedAt: &start, JoinedAt: start},
		},
		Ledger: domain.Ledger{HolderID: "u1", HolderArtifactRef: "/clips/a", ReignStartedAt: &start, Version: 2, NextSeq: 3},
		Events: []domain.ActivityEvent{
			{ID: "t2-2", Seq: 2, Kind: domain.EventPublish, ActorID: "u1", OccurredAt: start},
			{ID: "t1-1", Seq: 1, Kind: domain.EventJoin, ActorID: "u1", OccurredAt: start},
		},
	}
}

func newTestHub(outbox int) *Hub {
	h := NewHub(fakeAuth{}, HubConfig{Outbox: outbox, Logger: quietLogger()})
	h.Attach(staticSource{snap: testSnapshot()})
	return h
}

func subscribed(t *testing.T, h *Hub) *Session {
	t.Helper()
	s := h.Connect()
	if _, err := h.Authenticate(s, "Bearer good"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := h.Subscribe(s); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return s
}

func drain(s *Session) []Message {
	var out []Message
	for {
		select {
		case m := <-s.Outbox():
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newTestHub(8)
	s := h.Connect()
	if s.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", s.State())
	}
	if err := h.Subscribe(s); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition subscribing before auth, got %v", err)
	}
	id, err := h.Authenticate(s, "Bearer good")
	if err != nil || id != "u1" {
		t.Fatalf("authenticate: %q %v", id, err)
	}
	if s.ParticipantID() != "u1" || s.State() != StateAuthenticated {
		t.Fatalf("unexpected session %s/%s", s.ParticipantID(), s.State())
	}
	if err := h.Subscribe(s); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := h.Authenticate(s, "Bearer good"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected re-authentication to be rejected, got %v", err)
	}
	h.Disconnect(s)
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
	if h.Sessions() != 0 {
		t.Fatalf("expected session removed, have %d", h.Sessions())
	}
	h.Disconnect(s)
}

func TestAuthenticationFailureClosesSession(t *testing.T) {
	h := newTestHub(8)
	s := h.Connect()
	if _, err := h.Authenticate(s, "Bearer bad"); err == nil {
		t.Fatal("expected verification error")
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if h.Sessions() != 0 {
		t.Fatal("rejected session still registered")
	}
	if _, err := h.Authenticate(s, "Bearer good"); err == nil {
		t.Fatal("closed session must stay closed")
	}
}

func TestSubscribeQueuesFullSnapshot(t *testing.T) {
	h := newTestHub(8)
	s := subscribed(t, h)
	msgs := drain(s)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 snapshot messages, got %d", len(msgs))
	}
	want := []string{TopicUsers, TopicGameState, TopicFeed}
	for i, m := range msgs {
		if m.Type != want[i] {
			t.Fatalf("message %d: expected %s, got %s", i, want[i], m.Type)
		}
	}
	var state domain.LedgerView
	if err := json.Unmarshal(msgs[1].Data, &state); err != nil {
		t.Fatalf("decode game state: %v", err)
	}
	if state.CurrentUserID == nil || *state.CurrentUserID != "u1" {
		t.Fatalf("unexpected game state %+v", state)
	}
	var feed []domain.EventView
	if err := json.Unmarshal(msgs[2].Data, &feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if len(feed) != 2 || feed[0].Username != "alice" {
		t.Fatalf("unexpected feed %+v", feed)
	}
}

func TestNotifyBroadcastsTouchedTopics(t *testing.T) {
	h := newTestHub(8)
	a, b := subscribed(t, h), subscribed(t, h)
	pending := h.Connect()
	drain(a)
	drain(b)

	h.Notify(testSnapshot(), reign.Change{Users: true})
	for _, s := range []*Session{a, b} {
		msgs := drain(s)
		if len(msgs) != 1 || msgs[0].Type != TopicUsers {
			t.Fatalf("expected one usersUpdated, got %+v", msgs)
		}
	}
	if msgs := drain(pending); len(msgs) != 0 {
		t.Fatalf("unsubscribed session received %d messages", len(msgs))
	}
}

func TestOutboxDropsOldest(t *testing.T) {
	h := newTestHub(2)
	s := subscribed(t, h)
	drain(s)
	for i := 0; i < 5; i++ {
		m, _ := NewMessage("tick", i)
		h.Broadcast(m)
	}
	msgs := drain(s)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 queued, got %d", len(msgs))
	}
	if string(msgs[0].Data) != "3" || string(msgs[1].Data) != "4" {
		t.Fatalf("expected latest messages to win, got %s %s", msgs[0].Data, msgs[1].Data)
	}
	if s.Dropped() < 3 {
		t.Fatalf("expected at least 3 dropped, got %d", s.Dropped())
	}
}

func TestSendTargetsOneSession(t *testing.T) {
	h := newTestHub(8)
	a, b := subscribed(t, h), subscribed(t, h)
	drain(a)
	drain(b)
	m, _ := NewMessage("publishResult", map[string]string{"outcome": "takeover"})
	if err := h.Send(a.ID, m); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := drain(a); len(got) != 1 {
		t.Fatalf("expected message for target, got %d", len(got))
	}
	if got := drain(b); len(got) != 0 {
		t.Fatalf("bystander received %d", len(got))
	}
	if err := h.Send("missing", m); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected unknown session, got %v", err)
	}
}

func TestRelayDeliversAcrossInstancesWithoutEcho(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	local, remote := newTestHub(8), newTestHub(8)
	localRelay := NewRelay(rc, local, RelayConfig{Channel: "chan", LatestTTL: time.Minute, Logger: quietLogger()})
	remoteRelay := NewRelay(rc, remote, RelayConfig{Channel: "chan", LatestTTL: time.Minute, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	for _, r := range []*Relay{localRelay, remoteRelay} {
		r := r
		go func() {
			r.Run(ctx)
			done <- struct{}{}
		}()
	}
	// wait for subscriptions to start
	time.Sleep(50 * time.Millisecond)

	ls, rs := subscribed(t, local), subscribed(t, remote)
	drain(ls)
	drain(rs)

	msg, _ := NewMessage(TopicGameState, map[string]string{"currentUserId": "u2"})
	local.Broadcast(msg)
	time.Sleep(100 * time.Millisecond)

	if got := drain(ls); len(got) != 1 {
		t.Fatalf("expected exactly one local delivery, got %d", len(got))
	}
	got := drain(rs)
	if len(got) != 1 || got[0].Type != TopicGameState || string(got[0].Data) != string(msg.Data) {
		t.Fatalf("unexpected remote delivery %+v", got)
	}

	latest, ok, err := remoteRelay.Latest(context.Background(), TopicGameState)
	if err != nil || !ok {
		t.Fatalf("latest: %v %v", ok, err)
	}
	if string(latest) != string(msg.Data) {
		t.Fatalf("unexpected latest %s", latest)
	}
	if _, ok, _ := remoteRelay.Latest(context.Background(), TopicUsers); ok {
		t.Fatal("expected no cached users payload")
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("relay did not exit")
		}
	}
}
