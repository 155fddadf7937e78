package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Source reads and acknowledges outbox rows.
type Source interface {
	PendingOutbox(ctx context.Context, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, ids []int64, at time.Time) error
}

// Publisher must return nil only once every message is acknowledged by the broker.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
}

// Relay moves committed outbox rows to the broker. Delivery is at-least-once:
// a crash between Publish and MarkPublished republishes the batch, consumers
// dedup on event id.
type Relay struct {
	Source    Source
	Publisher Publisher
	Batch     int
	Interval  time.Duration
	Logger    *zap.Logger
	Clock     func() time.Time
}

// RelayOnce publishes at most one batch and returns how many rows it moved.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = 100
	}
	msgs, err := r.Source.PendingOutbox(ctx, batch)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := r.Publisher.Publish(ctx, msgs); err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if err := r.Source.MarkPublished(ctx, ids, r.now()); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll so a backlog drains without waiting for the ticker.
func (r *Relay) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			logger.Warn("outbox relay failed", zap.Error(err))
		case n > 0:
			logger.Debug("outbox relayed", zap.Int("count", n))
			if n >= r.Batch && r.Batch > 0 {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (r *Relay) now() time.Time {
	if r.Clock != nil {
		return r.Clock().UTC()
	}
	return time.Now().UTC()
}
