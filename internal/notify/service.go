// Package notify consumes order and stock events and hands them to a Sink,
// standing in for the email and webhook collaborators.
package notify

import (
	"context"
	"errors"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-ledger/internal/events"
	kafkax "github.com/ariefcatur/go-order-ledger/internal/kafka"
	"github.com/ariefcatur/go-order-ledger/internal/orders"
)

// Deduper remembers which event ids were already handled.
type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Sink interface {
	OrderEvent(ctx context.Context, eventType string, s orders.Summary) error
	LowStock(ctx context.Context, p events.LowStockPayload) error
}

type Service struct {
	Dedup  Deduper
	Sink   Sink
	Logger *zap.Logger
}

// HandleMessage is installed as the consumer handler. Delivery is
// at-least-once, so every event id is claimed before it reaches the sink and
// the claim is dropped again when the sink fails.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	logger := s.logger()

	// the producer's event type header routes without decoding the body
	if et := kafkax.Header(m, kafkax.HeaderEventType); et != "" {
		if want, ok := events.TopicFor(et); !ok || want != m.Topic {
			logger.Debug("ignoring event", zap.String("event_type", et), zap.String("topic", m.Topic))
			return nil
		}
	}

	env, err := events.Decode(m.Value)
	if err != nil {
		// poison message: log and commit past it
		logger.Error("undecodable event", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if want, ok := events.TopicFor(env.EventType); !ok || want != m.Topic {
		logger.Debug("ignoring event", zap.String("event_type", env.EventType), zap.String("topic", m.Topic))
		return nil
	}

	logger = logger.With(zap.String("event_id", env.EventID), zap.String("trace_id", env.TraceID))

	if s.Dedup != nil {
		first, err := s.Dedup.Claim(ctx, env.EventID)
		if err != nil {
			return fmt.Errorf("dedup claim: %w", err)
		}
		if !first {
			logger.Debug("duplicate event")
			return nil
		}
	}

	if err := s.dispatch(ctx, env); err != nil {
		logger.Warn("notification failed", zap.String("event_type", env.EventType), zap.Error(err))
		if s.Dedup != nil {
			if ferr := s.Dedup.Forget(ctx, env.EventID); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}
		return err
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, env events.Envelope) error {
	if env.EventType == events.EventLowStock {
		p, err := kafkax.UnwrapPayload[events.LowStockPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.Sink.LowStock(ctx, p)
	}
	summary, err := kafkax.UnwrapPayload[orders.Summary](env.Payload)
	if err != nil {
		return err
	}
	return s.Sink.OrderEvent(ctx, env.EventType, summary)
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// LogSink writes each notification as a structured log line.
type LogSink struct {
	Logger *zap.Logger
}

func (l LogSink) OrderEvent(_ context.Context, eventType string, s orders.Summary) error {
	l.Logger.Info("order notification",
		zap.String("event_type", eventType),
		zap.Int64("order_id", s.OrderID),
		zap.String("order_number", s.OrderNumber),
		zap.Int64("user_id", s.UserID),
		zap.String("status", string(s.Status)),
		zap.String("total", s.Total),
	)
	return nil
}

func (l LogSink) LowStock(_ context.Context, p events.LowStockPayload) error {
	l.Logger.Warn("low stock",
		zap.Int64("product_id", p.ProductID),
		zap.String("sku", p.SKU),
		zap.Int("available", p.Available),
		zap.Int("threshold", p.Threshold),
	)
	return nil
}
