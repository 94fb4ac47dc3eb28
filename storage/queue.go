package storage

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"throne-api/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// EventQueue exports committed activity events to an Azure storage queue
// for downstream consumers. Events are handed over without blocking and
// sent from Run; when the buffer is full the event is dropped and logged.
type EventQueue struct {
	queue   queueClient
	pending chan domain.ActivityEvent
	log     *log.Logger

	mu      sync.Mutex
	lastSeq uint64
}

type eventMessage struct {
	ID           string           `json:"id"`
	Seq          uint64           `json:"seq"`
	Kind         domain.EventKind `json:"type"`
	ActorID      string           `json:"userId"`
	TargetID     string           `json:"targetUserId,omitempty"`
	TransitionID string           `json:"transitionId"`
	Message      string           `json:"message,omitempty"`
	OccurredAt   int64            `json:"timestamp"`
}

// NewEventQueue connects to the named queue.
func NewEventQueue(connStr, name string, buffer int, logger *log.Logger) (*EventQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
	if err != nil {
		return nil, err
	}
	return newEventQueue(q, 0, buffer, logger), nil
}

func newEventQueue(q queueClient, lastSeq uint64, buffer int, logger *log.Logger) *EventQueue {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &EventQueue{queue: q, pending: make(chan domain.ActivityEvent, buffer), log: logger, lastSeq: lastSeq}
}

// Prime marks every event already in snap as exported.
func (q *EventQueue) Prime(snap domain.Snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range snap.Events {
		if e.Seq > q.lastSeq {
			q.lastSeq = e.Seq
		}
	}
}

// Export hands over every event in snap newer than the last one seen.
func (q *EventQueue) Export(snap domain.Snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Events are newest first.
	for i := len(snap.Events) - 1; i >= 0; i-- {
		e := snap.Events[i]
		if e.Seq <= q.lastSeq {
			continue
		}
		q.lastSeq = e.Seq
		select {
		case q.pending <- e:
		default:
			q.log.WithFields(log.Fields{"seq": e.Seq, "kind": e.Kind}).Warn("event export buffer full, dropping event")
		}
	}
}

// Run sends buffered events until ctx is done.
func (q *EventQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-q.pending:
			if err := q.send(ctx, e); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				q.log.WithError(err).WithField("seq", e.Seq).Error("export activity event")
			}
		}
	}
}

func (q *EventQueue) send(ctx context.Context, e domain.ActivityEvent) error {
	data, err := sonic.Marshal(eventMessage{
		ID:           e.ID,
		Seq:          e.Seq,
		Kind:         e.Kind,
		ActorID:      e.ActorID,
		TargetID:     e.TargetID,
		TransitionID: e.TransitionID,
		Message:      e.Message,
		OccurredAt:   e.OccurredAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
