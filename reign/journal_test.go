package reign

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"throne-api/domain"
)

func testIntent(id string) *intent {
	return &intent{
		Op:         "publish",
		Transition: domain.Transition{ID: id, Ledger: domain.Ledger{HolderID: "u1", Version: 1, NextSeq: 2}},
		Timestamp:  time.Now().UTC(),
	}
}

func TestJournalReplaysUncheckpointedIntents(t *testing.T) {
	dir := t.TempDir()
	j, pending, err := openJournal(JournalConfig{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty journal, got %d pending", len(pending))
	}

	first, second := testIntent("tx-1"), testIntent("tx-2")
	if err := j.append(first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.checkpoint(first.Offset); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := j.append(second); err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.Offset != first.Offset+1 {
		t.Fatalf("expected consecutive offsets, got %d and %d", first.Offset, second.Offset)
	}
	if err := j.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j, pending, err = openJournal(JournalConfig{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.close()
	if len(pending) != 1 || pending[0].Transition.ID != "tx-2" {
		t.Fatalf("expected tx-2 pending, got %+v", pending)
	}
	if pending[0].Transition.Ledger.HolderID != "u1" {
		t.Fatalf("transition payload lost: %+v", pending[0].Transition)
	}
}

func TestJournalRollbackRemovesLastRecord(t *testing.T) {
	dir := t.TempDir()
	j, _, err := openJournal(JournalConfig{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := testIntent("tx-1")
	if err := j.append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.rollback(rec); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	next := testIntent("tx-2")
	if err := j.append(next); err != nil {
		t.Fatalf("append: %v", err)
	}
	if next.Offset != rec.Offset {
		t.Fatalf("expected offset %d to be reused, got %d", rec.Offset, next.Offset)
	}
	j.close()

	j, pending, err := openJournal(JournalConfig{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.close()
	if len(pending) != 1 || pending[0].Transition.ID != "tx-2" {
		t.Fatalf("expected only tx-2 pending, got %+v", pending)
	}
}

func TestJournalTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	j, _, err := openJournal(JournalConfig{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.append(testIntent("tx-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	j.close()

	segs, _ := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	if len(segs) != 1 {
		t.Fatalf("expected one segment, got %v", segs)
	}
	f, err := os.OpenFile(segs[0], os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	// A header promising more bytes than follow.
	if _, err := f.Write([]byte{0xff, 0, 0, 0, 1, 2, 3, 4, 9, 0, 0, 0, 0, 0, 0, 0, 'x'}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	j, pending, err := openJournal(JournalConfig{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.close()
	if len(pending) != 1 || pending[0].Transition.ID != "tx-1" {
		t.Fatalf("expected intact record to survive, got %+v", pending)
	}
	rec := testIntent("tx-2")
	if err := j.append(rec); err != nil {
		t.Fatalf("append after truncation: %v", err)
	}
	if rec.Offset != pending[0].Offset+1 {
		t.Fatalf("unexpected offset %d", rec.Offset)
	}
}

func TestJournalPrunesCheckpointedSegments(t *testing.T) {
	dir := t.TempDir()
	j, _, err := openJournal(JournalConfig{Dir: dir, SegmentBytes: 64})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.close()
	var last *intent
	for i := 0; i < 5; i++ {
		last = testIntent("tx")
		if err := j.append(last); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	before, _ := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	if len(before) < 2 {
		t.Fatalf("expected segment rotation, got %d segments", len(before))
	}
	if err := j.checkpoint(last.Offset); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	after, _ := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	if len(after) != 1 {
		t.Fatalf("expected checkpointed segments pruned, got %d", len(after))
	}
}
