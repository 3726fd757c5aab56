package uploader

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaDispatcher publishes upload ids to the variant processing topic. The
// consumer side lives in cmd/main.go and invokes processor.Process.
type KafkaDispatcher struct {
	writer *kafka.Writer
}

func NewKafkaDispatcher(broker, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers: []string{broker},
			Topic:   topic,
		}),
	}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, uploadID uuid.UUID) error {
	const op = "uploader.KafkaDispatcher.Dispatch"

	err := d.writer.WriteMessages(ctx, kafka.Message{Value: []byte(uploadID.String())})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
