package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-ledger/internal/events"
	"github.com/ariefcatur/go-order-ledger/internal/outbox"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes outbox rows. Writes are synchronous: Publish returns
// only after the brokers acknowledged every message, so the relay can mark
// the rows published.
type Producer struct {
	w      messageWriter
	logger *zap.Logger
}

func NewProducer(brokers []string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			ErrorLogger:            kafka.LoggerFunc(logger.Named("kafka").Sugar().Errorf),
		},
		logger: logger.Named("producer"),
	}
}

func (p *Producer) Publish(ctx context.Context, msgs []outbox.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := p.w.WriteMessages(ctx, toKafka(msgs)...); err != nil {
		p.logger.Warn("publish failed", zap.Int("messages", len(msgs)), zap.Error(err))
		return fmt.Errorf("kafka publish: %w", err)
	}
	p.logger.Debug("published", zap.Int("messages", len(msgs)))
	return nil
}

func (p *Producer) Close() error { return p.w.Close() }

func toKafka(msgs []outbox.Message) []kafka.Message {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, kafka.Message{
			Topic: m.Topic,
			Key:   events.PartitionKey(m.Key),
			Value: m.Payload,
			Time:  m.CreatedAt,
			Headers: []kafka.Header{
				{Key: HeaderEventType, Value: []byte(m.EventType)},
				{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(events.Version))},
			},
		})
	}
	return out
}
