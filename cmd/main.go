package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"catalog-ingest/internal/chunkstore"
	"catalog-ingest/internal/importer"
	"catalog-ingest/internal/models"
	"catalog-ingest/internal/processor"
	"catalog-ingest/internal/server"
	"catalog-ingest/internal/storage"
	"catalog-ingest/internal/uploader"
)

func main() {
	cfg, err := models.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := storage.NewStorage(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer db.Close()

	chunks := chunkstore.New(cfg.StoragePath)
	dispatch := uploader.NewKafkaDispatcher(cfg.KafkaBroker, cfg.KafkaTopic)
	ledger := uploader.NewLedger(db, chunks, dispatch)
	imp := importer.New(db)
	proc := processor.New(db, chunks)

	// Variant processing runs off the request path: the consumer group picks
	// up dispatched upload ids and invokes the idempotent job.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		consumer := kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{cfg.KafkaBroker},
			Topic:   cfg.KafkaTopic,
			GroupID: "variant-processor-group",
		})
		defer consumer.Close()

		for {
			msg, err := consumer.ReadMessage(ctx)
			if err != nil {
				if err == context.Canceled {
					return
				}
				logrus.WithError(err).Error("error reading message")
				continue
			}
			uploadID, err := uuid.Parse(string(msg.Value))
			if err != nil {
				logrus.WithError(err).WithField("value", string(msg.Value)).Error("bad upload id in message")
				continue
			}
			if err := proc.Process(ctx, uploadID); err != nil {
				logrus.WithError(err).WithField("upload_id", uploadID).Error("variant processing failed")
			}
		}
	}()

	srv := server.NewServer(cfg, db, ledger, imp, dispatch)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	dispatch.Close()
}
