package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"dashtracer-chat/internal/domain"

	"github.com/segmentio/kafka-go"
)

// FrameHandler receives frames published by other relay instances.
type FrameHandler interface {
	Deliver(ctx context.Context, f domain.Frame)
}

type KafkaConsumer struct {
	readers []*kafka.Reader
	handler FrameHandler
	logger  *slog.Logger
}

// NewKafkaConsumer reads topics under groupID. Each relay instance needs
// its own group so every instance sees every frame.
func NewKafkaConsumer(brokers []string, groupID string, topics []string, handler FrameHandler, logger *slog.Logger) *KafkaConsumer {
	var readers []*kafka.Reader
	for _, topic := range topics {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		}))
	}
	return &KafkaConsumer{readers: readers, handler: handler, logger: logger}
}

// Start runs one reader goroutine per topic until ctx is cancelled.
func (k *KafkaConsumer) Start(ctx context.Context) error {
	for _, reader := range k.readers {
		go k.consume(ctx, reader)
	}
	return nil
}

func (k *KafkaConsumer) consume(ctx context.Context, reader *kafka.Reader) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("kafka consumer panicked", "topic", reader.Config().Topic, "panic", r)
		}
	}()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				k.logger.Info("kafka consumer stopping", "topic", reader.Config().Topic)
				return
			}
			if errors.Is(err, kafka.RebalanceInProgress) || errors.Is(err, kafka.LeaderNotAvailable) {
				k.logger.Debug("kafka group rebalancing", "error", err)
				continue
			}
			k.logger.Warn("error reading kafka message", "error", err)
			continue
		}
		k.handleMessage(ctx, m.Topic, m.Value)
	}
}

func (k *KafkaConsumer) handleMessage(ctx context.Context, topic string, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("panic handling kafka message", "topic", topic, "panic", r)
		}
	}()

	var f domain.Frame
	if err := json.Unmarshal(value, &f); err != nil {
		k.logger.Warn("error unmarshaling frame", "topic", topic, "error", err)
		return
	}
	if want, ok := topicForFrame(f.Type); !ok || want != topic {
		k.logger.Warn("frame on unexpected topic", "topic", topic, "type", f.Type)
		return
	}
	if k.handler != nil {
		k.handler.Deliver(ctx, f)
	}
}

func (k *KafkaConsumer) Close() error {
	var errs []error
	for _, reader := range k.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
