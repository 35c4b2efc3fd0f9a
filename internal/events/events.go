// Package events emits domain events after state changes commit. Publishing
// is fire-and-forget: a failed publish is logged and never rolls back the
// change that caused it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/logging"
)

// Envelope wraps every payload on the wire.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Publisher is satisfied by every implementation in this package.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any)
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) {}
func (Nop) Close() error { return nil }

// Log writes events to the request logger. Used in development when no
// broker is configured.
type Log struct{}

func (Log) Publish(ctx context.Context, eventType, key string, _ any) {
	logging.L(ctx).Debug("domain event", "type", eventType, "key", key)
}
func (Log) Close() error { return nil }

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic per aggregate, e.g.
// "escrow.accepted" goes to "<prefix>escrow".
type KafkaPublisher struct {
	writer  messageWriter
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewKafkaPublisher creates a publisher on brokers.
func NewKafkaPublisher(brokers []string, topicPrefix string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newKafkaPublisher(w, topicPrefix, logger), nil
}

func newKafkaPublisher(w messageWriter, topicPrefix string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  w,
		prefix:  topicPrefix,
		timeout: 5 * time.Second,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Topic returns the topic eventType is written to.
func (p *KafkaPublisher) Topic(eventType string) string {
	aggregate, _, _ := strings.Cut(eventType, ".")
	return p.prefix + aggregate
}

// Publish encodes payload and writes it keyed by key so events for one
// entity stay ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, eventType, key string, payload any) {
	msg, err := p.message(eventType, key, payload)
	if err != nil {
		p.logger.Error("encode domain event", "type", eventType, "key", key, "error", err)
		return
	}
	// The caller's request may already be finishing; the event still goes out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logging.L(ctx).Error("publish domain event failed", "type", eventType, "key", key, "topic", msg.Topic, "error", err)
	}
}

func (p *KafkaPublisher) message(eventType, key string, payload any) (kafka.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, err
	}
	now := p.now()
	body, err := json.Marshal(Envelope{
		ID:         idgen.WithPrefix("evt_"),
		Type:       eventType,
		Key:        key,
		OccurredAt: now,
		Data:       data,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Topic:   p.Topic(eventType),
		Key:     []byte(key),
		Value:   body,
		Time:    now,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(eventType)}},
	}, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var (
	_ Publisher = Nop{}
	_ Publisher = Log{}
	_ Publisher = (*KafkaPublisher)(nil)
)
