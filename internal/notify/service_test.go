package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ariefcatur/go-order-ledger/internal/events"
	kafkax "github.com/ariefcatur/go-order-ledger/internal/kafka"
	"github.com/ariefcatur/go-order-ledger/internal/orders"
)

type memDedup struct {
	seen map[string]bool
}

func (d *memDedup) Claim(_ context.Context, id string) (bool, error) {
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedup) Forget(_ context.Context, id string) error {
	delete(d.seen, id)
	return nil
}

type recordingSink struct {
	orderEvents []string
	summaries   []orders.Summary
	lowStock    []events.LowStockPayload
	err         error
}

func (r *recordingSink) OrderEvent(_ context.Context, eventType string, s orders.Summary) error {
	if r.err != nil {
		return r.err
	}
	r.orderEvents = append(r.orderEvents, eventType)
	r.summaries = append(r.summaries, s)
	return nil
}

func (r *recordingSink) LowStock(_ context.Context, p events.LowStockPayload) error {
	if r.err != nil {
		return r.err
	}
	r.lowStock = append(r.lowStock, p)
	return nil
}

func message(t *testing.T, eventType string, payload any) (kafkago.Message, events.Envelope) {
	t.Helper()
	env, err := events.New(eventType, "test", "corr", time.Now(), payload)
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	topic, ok := events.TopicFor(eventType)
	require.True(t, ok)
	return kafkago.Message{Topic: topic, Value: b}, env
}

func newService() (*Service, *memDedup, *recordingSink) {
	d := &memDedup{seen: map[string]bool{}}
	sink := &recordingSink{}
	return &Service{Dedup: d, Sink: sink, Logger: zap.NewNop()}, d, sink
}

func TestHandleMessage_OrderEventReachesSinkOnce(t *testing.T) {
	svc, _, sink := newService()
	m, _ := message(t, events.EventOrderConfirmed, orders.Summary{OrderID: 5, OrderNumber: "ORD-XYZ123", Status: orders.StatusConfirmed})

	require.NoError(t, svc.HandleMessage(context.Background(), m))
	require.NoError(t, svc.HandleMessage(context.Background(), m))

	require.Equal(t, []string{events.EventOrderConfirmed}, sink.orderEvents)
	assert.Equal(t, "ORD-XYZ123", sink.summaries[0].OrderNumber)
	assert.Equal(t, orders.StatusConfirmed, sink.summaries[0].Status)
}

func TestHandleMessage_LowStock(t *testing.T) {
	svc, _, sink := newService()
	m, _ := message(t, events.EventLowStock, events.LowStockPayload{ProductID: 3, SKU: "SKU-3", Available: 2, Threshold: 10})

	require.NoError(t, svc.HandleMessage(context.Background(), m))
	require.Len(t, sink.lowStock, 1)
	assert.Equal(t, "SKU-3", sink.lowStock[0].SKU)
}

func TestHandleMessage_SinkFailureReleasesClaim(t *testing.T) {
	svc, dedup, sink := newService()
	sink.err = errors.New("smtp down")
	m, env := message(t, events.EventOrderCreated, orders.Summary{OrderID: 1})

	err := svc.HandleMessage(context.Background(), m)
	require.ErrorIs(t, err, sink.err)
	assert.False(t, dedup.seen[env.EventID])

	sink.err = nil
	require.NoError(t, svc.HandleMessage(context.Background(), m))
	assert.Len(t, sink.orderEvents, 1)
}

func TestHandleMessage_PoisonMessageIsSkipped(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	svc, _, sink := newService()
	svc.Logger = zap.New(core)

	err := svc.HandleMessage(context.Background(), kafkago.Message{Topic: events.TopicOrderCreated, Value: []byte("{")})
	require.NoError(t, err)
	assert.Empty(t, sink.orderEvents)
	assert.Equal(t, 1, logs.FilterMessage("undecodable event").Len())
}

func TestHandleMessage_TopicMismatchIgnored(t *testing.T) {
	svc, _, sink := newService()
	m, _ := message(t, events.EventOrderCreated, orders.Summary{OrderID: 1})
	m.Topic = events.TopicOrderShipped

	require.NoError(t, svc.HandleMessage(context.Background(), m))
	assert.Empty(t, sink.orderEvents)
}

func TestHandleMessage_EventTypeHeaderRoutesBeforeDecode(t *testing.T) {
	svc, dedup, sink := newService()
	m := kafkago.Message{
		Topic:   events.TopicOrderCreated,
		Value:   []byte("not even json"),
		Headers: []kafkago.Header{{Key: kafkax.HeaderEventType, Value: []byte(events.EventLowStock)}},
	}

	require.NoError(t, svc.HandleMessage(context.Background(), m))
	assert.Empty(t, sink.orderEvents)
	assert.Empty(t, sink.lowStock)
	assert.Empty(t, dedup.seen)

	ok, _ := message(t, events.EventOrderCreated, orders.Summary{OrderID: 2})
	ok.Headers = []kafkago.Header{{Key: kafkax.HeaderEventType, Value: []byte(events.EventOrderCreated)}}
	require.NoError(t, svc.HandleMessage(context.Background(), ok))
	assert.Equal(t, []string{events.EventOrderCreated}, sink.orderEvents)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := LogSink{Logger: zap.New(core)}

	require.NoError(t, sink.OrderEvent(context.Background(), events.EventOrderShipped, orders.Summary{OrderID: 9, Total: "10.00"}))
	require.NoError(t, sink.LowStock(context.Background(), events.LowStockPayload{SKU: "A"}))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "order notification", logs.All()[0].Message)
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
}
