package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"throne-api/domain"
)

// TableStore persists the throne in a single Azure Table partition.
type TableStore struct {
	client *aztables.Client
	now    func() time.Time
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, table string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    10 * time.Second,
				RetryDelay:    200 * time.Millisecond,
				MaxRetryDelay: 2 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{client: svc.NewClient(table), now: time.Now}, nil
}

// EnsureTable creates the backing table, tolerating one that already exists.
func (s *TableStore) EnsureTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

// Load reads the registry, the ledger and at most eventLimit recent events.
func (s *TableStore) Load(ctx context.Context, eventLimit int) (domain.Snapshot, error) {
	snap := domain.Snapshot{Participants: map[string]domain.Participant{}}

	ledger, _, _, err := s.readLedger(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap.Ledger = ledger

	err = s.scan(ctx, participantPrefix, 0, func(data []byte) error {
		p, err := decodeParticipant(data)
		if err != nil {
			return err
		}
		snap.Participants[p.ID] = p
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}

	err = s.scan(ctx, eventPrefix, eventLimit, func(data []byte) error {
		e, err := decodeEvent(data)
		if err != nil {
			return err
		}
		snap.Events = append(snap.Events, e)
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	domain.SortRecent(snap.Events)
	return snap, nil
}

// scan lists rows whose RowKey starts with prefix, stopping after limit rows when limit > 0.
func (s *TableStore) scan(ctx context.Context, prefix string, limit int, fn func([]byte) error) error {
	// '.' sorts right after '-', bounding the prefix range.
	upper := strings.TrimSuffix(prefix, "-") + "."
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge '%s' and RowKey lt '%s'", PartitionKey, prefix, upper)
	opts := &aztables.ListEntitiesOptions{Filter: &filter}
	if limit > 0 {
		top := int32(limit)
		opts.Top = &top
	}
	pager := s.client.NewListEntitiesPager(opts)
	seen := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("%w: list %s rows: %v", ErrUnavailable, prefix, err)
		}
		for _, e := range resp.Entities {
			if err := fn(e); err != nil {
				return err
			}
			seen++
			if limit > 0 && seen >= limit {
				return nil
			}
		}
	}
	return nil
}

// readLedger returns the ledger row, its ETag and the id of the last applied
// transition. A missing row yields the zero ledger and a nil ETag.
func (s *TableStore) readLedger(ctx context.Context) (domain.Ledger, *azcore.ETag, string, error) {
	resp, err := s.client.GetEntity(ctx, PartitionKey, ledgerRowKey, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return domain.Ledger{NextSeq: 1}, nil, "", nil
		}
		return domain.Ledger{}, nil, "", fmt.Errorf("%w: read ledger: %v", ErrUnavailable, err)
	}
	ledger, lastID, err := decodeLedger(resp.Value)
	if err != nil {
		return domain.Ledger{}, nil, "", err
	}
	etag := resp.ETag
	return ledger, &etag, lastID, nil
}

// Commit writes t as one entity group transaction. The ledger row is guarded
// by its ETag so a concurrent writer makes the batch fail as a whole.
func (s *TableStore) Commit(ctx context.Context, t domain.Transition) error {
	current, etag, lastID, err := s.readLedger(ctx)
	if err != nil {
		return err
	}
	if lastID == t.ID && t.ID != "" {
		return nil
	}
	if current.Version != t.PrevVersion {
		return fmt.Errorf("%w: ledger at version %d, transition expects %d", ErrRejected, current.Version, t.PrevVersion)
	}

	actions, err := s.actions(t, etag)
	if err != nil {
		return err
	}
	if _, err := s.client.SubmitTransaction(ctx, actions, nil); err != nil {
		return classifySubmitError(err)
	}
	return nil
}

func (s *TableStore) actions(t domain.Transition, etag *azcore.ETag) ([]aztables.TransactionAction, error) {
	actions := make([]aztables.TransactionAction, 0, 1+len(t.Participants)+len(t.Events))

	ledger, err := encodeLedger(t.Ledger, t.ID, s.now())
	if err != nil {
		return nil, err
	}
	if etag == nil {
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: ledger})
	} else {
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateReplace, Entity: ledger, IfMatch: etag})
	}

	for _, p := range t.Participants {
		data, err := encodeParticipant(p)
		if err != nil {
			return nil, err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeInsertReplace, Entity: data})
	}
	for _, e := range t.Events {
		data, err := encodeEvent(e)
		if err != nil {
			return nil, err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: data})
	}
	return actions, nil
}

// Applied reports whether the ledger row records transitionID as the last
// applied transition.
func (s *TableStore) Applied(ctx context.Context, transitionID string) (bool, error) {
	_, _, lastID, err := s.readLedger(ctx)
	if err != nil {
		return false, err
	}
	return lastID == transitionID, nil
}

// rejectCodes are table service error codes that mean the batch was refused
// as a whole. A failed entity group transaction reports the inner operation's
// code on the outer 202 response, so the code is checked before the status.
var rejectCodes = map[string]bool{
	"UpdateConditionNotSatisfied": true,
	"EntityAlreadyExists":         true,
	"ResourceNotFound":            true,
	"InvalidInput":                true,
	"InvalidDuplicateRow":         true,
	"PropertyValueTooLarge":       true,
	"EntityTooLarge":              true,
}

func classifySubmitError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if rejectCodes[respErr.ErrorCode] {
			return fmt.Errorf("%w: %s", ErrRejected, respErr.ErrorCode)
		}
		switch respErr.StatusCode {
		case http.StatusBadRequest, http.StatusConflict, http.StatusPreconditionFailed, http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrRejected, respErr.ErrorCode)
		}
	}
	return fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
}
