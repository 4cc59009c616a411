package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes credit notices and alerts as JSON events. One
// writer serves both topics; the topic is set per message.
type KafkaPublisher struct {
	logger      *zap.Logger
	writer      messageWriter
	creditTopic string
	alertTopic  string
}

func NewKafkaPublisher(logger *zap.Logger, brokers []string, creditTopic, alertTopic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		// Messages are written one at a time; the 1s default would hold each
		// write open waiting for a batch that never fills.
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaPublisher{logger: logger, writer: writer, creditTopic: creditTopic, alertTopic: alertTopic}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type envelope struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Version    int       `json:"event_version"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

func (p *KafkaPublisher) NotifyCredit(ctx context.Context, n CreditNotice) error {
	return p.publish(ctx, p.creditTopic, "balance.credited", n.UserID, n)
}

func (p *KafkaPublisher) PublishAlert(ctx context.Context, a Alert) error {
	key := a.Reference
	if key == "" {
		key = a.TaskKey
	}
	return p.publish(ctx, p.alertTopic, "ops.alert."+a.Kind, key, a)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, eventType, key string, data any) error {
	value, err := json.Marshal(envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		Version:    1,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("topic", topic),
			zap.String("event_type", eventType),
			zap.String("key", key),
			zap.Error(err),
		)
		return err
	}

	p.logger.Debug("event published",
		zap.String("topic", topic),
		zap.String("event_type", eventType),
		zap.String("key", key),
	)
	return nil
}
