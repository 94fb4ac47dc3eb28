package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"throne-api/storage"
)

// storage-init provisions the throne table and, when configured, the
// activity export queue. Both steps are idempotent.
func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	table := os.Getenv("THRONE_TABLE")
	if table == "" {
		table = "throne"
	}

	ctx := context.Background()

	store, err := storage.NewTableStore(connStr, table)
	if err != nil {
		log.Fatalf("table client: %v", err)
	}
	if err := store.EnsureTable(ctx); err != nil {
		log.Fatalf("create table %s: %v", table, err)
	}

	if name := os.Getenv("ACTIVITY_EVENTS_QUEUE"); name != "" {
		if err := createQueue(ctx, connStr, name); err != nil {
			log.Fatalf("create queue %s: %v", name, err)
		}
	}

	log.Info("storage init complete")
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}
