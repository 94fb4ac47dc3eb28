package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"throne-api/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeQueue) EnqueueMessage(_ context.Context, content string, _ *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func (f *fakeQueue) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func eventsSnapshot(seqs ...uint64) domain.Snapshot {
	var snap domain.Snapshot
	// newest first
	for i := len(seqs) - 1; i >= 0; i-- {
		snap.Events = append(snap.Events, domain.ActivityEvent{
			ID:         "e" + string(rune('0'+seqs[i])),
			Seq:        seqs[i],
			Kind:       domain.EventPublish,
			ActorID:    "u1",
			OccurredAt: time.UnixMilli(1000 * int64(seqs[i])),
		})
	}
	return snap
}

func TestEventQueueExportsOnlyNewEventsInOrder(t *testing.T) {
	fq := &fakeQueue{}
	logger, _ := test.NewNullLogger()
	q := newEventQueue(fq, 0, 8, logger)
	q.Prime(eventsSnapshot(1, 2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	q.Export(eventsSnapshot(1, 2, 3, 4))
	q.Export(eventsSnapshot(2, 3, 4, 5))

	deadline := time.Now().Add(time.Second)
	for len(fq.sent()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	sent := fq.sent()
	if len(sent) != 3 {
		t.Fatalf("expected 3 exported events, got %d: %v", len(sent), sent)
	}
	for i, want := range []uint64{3, 4, 5} {
		var m eventMessage
		if err := json.Unmarshal([]byte(sent[i]), &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.Seq != want || m.Kind != domain.EventPublish || m.OccurredAt != int64(want)*1000 {
			t.Fatalf("message %d = %+v", i, m)
		}
	}
}

func TestEventQueueDropsWhenBufferFull(t *testing.T) {
	logger, hook := test.NewNullLogger()
	q := newEventQueue(&fakeQueue{}, 0, 1, logger)

	q.Export(eventsSnapshot(1, 2, 3))

	if len(q.pending) != 1 {
		t.Fatalf("expected one buffered event, got %d", len(q.pending))
	}
	var warned int
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel {
			warned++
		}
	}
	if warned != 2 {
		t.Fatalf("expected 2 drop warnings, got %d", warned)
	}
}
