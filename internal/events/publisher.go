// Package events publishes checkout transitions to Kafka.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/blkd-checkout/internal/domain/checkout"
)

var _ checkout.EventPublisher = (*KafkaPublisher)(nil)

// Config configures the Kafka publisher.
type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per checkout event, keyed by session id
// so that events of a session stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

// batchTimeout caps how long a synchronous write waits for the batch to fill.
// Publish runs inside the request, so the writer default of 1s is too long.
const batchTimeout = 5 * time.Millisecond

// NewKafkaPublisher creates a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg Config) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: batchTimeout,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish implements checkout.EventPublisher.
func (p *KafkaPublisher) Publish(ctx context.Context, e checkout.Event) error {
	msg := kafka.Message{
		Key:   []byte(e.SessionID),
		Value: Encode(e),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(e.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "write %s", e.Type)
	}

	zctx.From(ctx).Debug("Event published",
		zap.String("event_id", e.ID),
		zap.String("event_type", e.Type),
		zap.String("session_id", e.SessionID),
	)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Encode renders an event as the JSON message value. Money amounts are
// decimal strings in the currency's minor units.
func Encode(ev checkout.Event) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(ev.ID)
	e.FieldStart("type")
	e.Str(ev.Type)
	e.FieldStart("sessionId")
	e.Str(ev.SessionID)
	e.FieldStart("payerId")
	e.Str(ev.PayerID)
	e.FieldStart("state")
	e.Str(string(ev.State))
	e.FieldStart("total")
	e.Str(ev.Total.StringFixed())
	e.FieldStart("remainingDue")
	e.Str(ev.RemainingDue.StringFixed())
	e.FieldStart("currency")
	e.Str(string(ev.Total.Currency))
	if ev.TransactionID != "" {
		e.FieldStart("transactionId")
		e.Str(ev.TransactionID)
	}
	if ev.Reason != "" {
		e.FieldStart("reason")
		e.Str(ev.Reason)
	}
	e.FieldStart("occurredAt")
	e.Str(ev.OccurredAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}
