package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"throne-api/domain"
)

func TestEventRowKeysSortNewestFirst(t *testing.T) {
	keys := []string{eventRowKey(1), eventRowKey(10), eventRowKey(2), eventRowKey(1 << 40)}
	sort.Strings(keys)
	want := []string{eventRowKey(1 << 40), eventRowKey(10), eventRowKey(2), eventRowKey(1)}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("position %d: got %s want %s", i, keys[i], want[i])
		}
	}
	for _, k := range keys {
		if k < eventPrefix || k >= "event." {
			t.Fatalf("row key %s escapes the scan range", k)
		}
	}
}

func TestLedgerEntityPreservesReignFields(t *testing.T) {
	start := time.Unix(0, 1_700_000_000_123_456_789).UTC()
	credited := start.Add(3 * time.Second)
	in := domain.Ledger{HolderID: "u1", HolderArtifactRef: "ref", ReignStartedAt: &start, CreditedThrough: &credited, Version: 7, NextSeq: 12}

	data, err := encodeLedger(in, "tx-1", time.Now())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Contains(data, []byte(`"Version@odata.type":"Edm.Int64"`)) {
		t.Fatalf("expected Int64 annotation in %s", data)
	}
	out, lastID, err := decodeLedger(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if lastID != "tx-1" {
		t.Fatalf("unexpected last transition id %q", lastID)
	}
	if !out.ReignStartedAt.Equal(start) || !out.CreditedThrough.Equal(credited) {
		t.Fatalf("timestamps lost precision: %+v", out)
	}
	if out.Version != 7 || out.NextSeq != 12 || out.HolderID != "u1" {
		t.Fatalf("unexpected ledger %+v", out)
	}

	vacant, _, err := decodeLedger(mustEncodeLedger(t, domain.Ledger{Version: 2, NextSeq: 3}))
	if err != nil {
		t.Fatalf("decode vacant: %v", err)
	}
	if vacant.ReignStartedAt != nil || vacant.CreditedThrough != nil {
		t.Fatalf("expected nil reign fields for vacant ledger: %+v", vacant)
	}
}

func mustEncodeLedger(t *testing.T, l domain.Ledger) []byte {
	t.Helper()
	data, err := encodeLedger(l, "", time.Now())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestDecodeEventRejectsUnknownKind(t *testing.T) {
	data, err := encodeEvent(domain.ActivityEvent{ID: "e", Seq: 1, Kind: "mystery", OccurredAt: time.Now()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := decodeEvent(data); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}

func TestClassifySubmitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "precondition", err: &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed, ErrorCode: "UpdateConditionNotSatisfied"}, want: ErrRejected},
		{name: "conflict", err: &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "EntityAlreadyExists"}, want: ErrRejected},
		{name: "batch precondition", err: &azcore.ResponseError{StatusCode: http.StatusAccepted, ErrorCode: "UpdateConditionNotSatisfied"}, want: ErrRejected},
		{name: "batch duplicate", err: &azcore.ResponseError{StatusCode: http.StatusAccepted, ErrorCode: "EntityAlreadyExists"}, want: ErrRejected},
		{name: "batch unknown code", err: &azcore.ResponseError{StatusCode: http.StatusAccepted, ErrorCode: "InternalError"}, want: ErrOutcomeUnknown},
		{name: "server", err: &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, want: ErrOutcomeUnknown},
		{name: "transport", err: errors.New("connection reset"), want: ErrOutcomeUnknown},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrOutcomeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySubmitError(tt.err); !errors.Is(got, tt.want) {
				t.Fatalf("classifySubmitError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMemoryStoreCommitAndApplied(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()

	tx := domain.Transition{
		ID:           "tx-1",
		PrevVersion:  0,
		Ledger:       domain.Ledger{HolderID: "u1", ReignStartedAt: &now, CreditedThrough: &now, Version: 1, NextSeq: 2},
		Participants: []domain.Participant{{ID: "u1", DisplayName: "alice", ReignStartedAt: &now}},
		Events:       []domain.ActivityEvent{{ID: "e1", Seq: 1, Kind: domain.EventPublish, ActorID: "u1", OccurredAt: now}},
	}
	if err := m.Commit(ctx, tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ok, _ := m.Applied(ctx, "tx-1"); !ok {
		t.Fatalf("expected tx-1 applied")
	}
	// Resubmitting the same transition is a no-op.
	if err := m.Commit(ctx, tx); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if m.Commits() != 1 {
		t.Fatalf("expected one commit, got %d", m.Commits())
	}

	stale := tx
	stale.ID = "tx-2"
	if err := m.Commit(ctx, stale); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected stale version to be rejected, got %v", err)
	}

	snap, err := m.Load(ctx, 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Ledger.HolderID != "u1" || len(snap.Events) != 1 || len(snap.Participants) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestDiskArtifactsStoreAndVerify(t *testing.T) {
	ctx := context.Background()
	d, err := NewDiskArtifacts(t.TempDir(), "http://localhost:8080/clips", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	first, err := d.Store(ctx, strings.NewReader("first clip"), "audio/webm")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !strings.HasPrefix(first, "http://localhost:8080/clips/"+DefaultArtifactSlot+"?v=") {
		t.Fatalf("unexpected ref %s", first)
	}
	if err := d.Verify(ctx, first); err != nil {
		t.Fatalf("verify first: %v", err)
	}

	second, err := d.Store(ctx, strings.NewReader("second clip"), "audio/webm")
	if err != nil {
		t.Fatalf("store second: %v", err)
	}
	if second == first {
		t.Fatalf("expected distinct refs for distinct content")
	}
	if err := d.Verify(ctx, first); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected overwritten ref to be superseded, got %v", err)
	}
	if err := d.Verify(ctx, second); err != nil {
		t.Fatalf("verify second: %v", err)
	}
	if err := d.Verify(ctx, "https://elsewhere/clip.webm"); !errors.Is(err, ErrArtifactInvalid) {
		t.Fatalf("expected foreign ref to be invalid, got %v", err)
	}
	if _, err := d.Store(ctx, strings.NewReader("x"), "video/mp4"); !errors.Is(err, ErrArtifactInvalid) {
		t.Fatalf("expected non-audio content to be rejected, got %v", err)
	}
}
