package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"dashtracer-chat/internal/domain"

	"github.com/segmentio/kafka-go"
)

const (
	TopicChatMessages     = "chat-messages"
	TopicTypingIndicators = "typing-indicators"
	TopicPresenceUpdates  = "presence-updates"
)

// Topics lists every topic relay instances exchange frames on.
var Topics = []string{TopicChatMessages, TopicTypingIndicators, TopicPresenceUpdates}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes relay frames for other instances.
type KafkaProducer struct {
	writer messageWriter
	logger *slog.Logger
}

func NewKafkaProducer(brokers []string, logger *slog.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		// Low latency over throughput.
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaProducer{writer: writer, logger: logger}
}

// Publish writes f to the topic for its type, keyed by channel so a
// channel's frames stay ordered.
func (k *KafkaProducer) Publish(ctx context.Context, f domain.Frame) error {
	topic, ok := topicForFrame(f.Type)
	if !ok {
		k.logger.Debug("frame type not published", "type", f.Type)
		return nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(f.Channel()),
		Value: data,
	})
	if err != nil {
		k.logger.Warn("failed to publish frame", "topic", topic, "error", err)
		return err
	}
	return nil
}

func topicForFrame(frameType string) (string, bool) {
	switch frameType {
	case domain.FrameChatMessage:
		return TopicChatMessages, true
	case domain.FrameTypingIndicator:
		return TopicTypingIndicators, true
	case domain.FrameOnlineUsers:
		return TopicPresenceUpdates, true
	default:
		return "", false
	}
}

func (k *KafkaProducer) Close() error {
	return k.writer.Close()
}
