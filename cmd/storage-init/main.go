package main

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/ilyakaznacheev/cleanenv"
	log "github.com/sirupsen/logrus"

	"prism-board/storage"
)

type initConfig struct {
	Debug            bool   `env:"DEBUG" env-default:"false"`
	PGDSN            string `env:"PG_DSN"`
	ConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	AuditTable       string `env:"AUDIT_TABLE"`
	DeadLetterQueue  string `env:"HANDLER_DEADLETTER_QUEUE"`
}

func main() {
	var cfg initConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	if cfg.PGDSN != "" {
		if err := storage.Migrate(cfg.PGDSN); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		log.Info("postgres schema up to date")
	}

	if cfg.AuditTable == "" && cfg.DeadLetterQueue == "" {
		log.Info("storage init complete")
		return
	}
	if cfg.ConnectionString == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := createTable(ctx, cfg.ConnectionString, cfg.AuditTable); err != nil {
		log.Fatalf("create audit table: %v", err)
	}
	if err := createQueue(ctx, cfg.ConnectionString, cfg.DeadLetterQueue); err != nil {
		log.Fatalf("create dead letter queue: %v", err)
	}

	log.Info("storage init complete")
}

func createTable(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	_, err = svc.NewClient(name).CreateTable(ctx, nil)
	if err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
		return err
	}
	log.WithField("table", name).Info("audit table ready")
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	_, err = q.Create(ctx, nil)
	if err != nil && !alreadyExists(err, "QueueAlreadyExists") {
		return err
	}
	log.WithField("queue", name).Info("dead letter queue ready")
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
