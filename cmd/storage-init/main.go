package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"prism-board/config"
	"prism-board/storage"
)

func main() {
	// Provisioning never verifies tokens, so auth settings are optional here.
	cfg, err := config.Load()
	if err != nil && !errors.Is(err, config.ErrMissingAuth) {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.WithField("driver", cfg.StoreDriver).Info("storage init starting")

	ctx := context.Background()

	switch cfg.StoreDriver {
	case config.DriverTables:
		if err := createTables(ctx, cfg.StorageConnectionString, []string{cfg.BoardsTable}); err != nil {
			log.Fatalf("create tables: %v", err)
		}
	default:
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		_ = db.Close()
		log.WithField("path", cfg.SQLitePath).Info("sqlite schema ready")
	}

	if cfg.EventsQueue != "" {
		if err := createQueues(ctx, cfg.StorageConnectionString, []string{cfg.EventsQueue}); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
		log.WithField("table", name).Info("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
		log.WithField("queue", name).Info("queue ready")
	}
	return nil
}
