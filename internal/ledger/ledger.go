// Package ledger keeps per-product stock accounting: on_hand, reserved and the
// derived available = on_hand - reserved.
//
// Every mutation locks the product row, re-reads its counters, and writes the
// new counters in the same transaction. The *In variants run inside a
// transaction owned by the caller (the order lifecycle); the plain variants
// open their own.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-ledger/internal/events"
	"github.com/ariefcatur/go-order-ledger/internal/outbox"
)

const tracerName = "github.com/ariefcatur/go-order-ledger/internal/ledger"

// DefaultLowStockThreshold applies to products created without one.
const DefaultLowStockThreshold = 10

type Deps struct {
	Store       Store
	Logger      *zap.Logger
	ServiceName string
	Clock       func() time.Time
	// LowStockThreshold is the default for products created without one.
	LowStockThreshold int
}

type Ledger struct {
	store     Store
	logger    *zap.Logger
	tracer    trace.Tracer
	service   string
	clock     func() time.Time
	threshold int
}

func New(deps Deps) (*Ledger, error) {
	if deps.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	service := deps.ServiceName
	if service == "" {
		service = "order-ledger"
	}
	threshold := deps.LowStockThreshold
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}
	return &Ledger{
		store:     deps.Store,
		logger:    logger.Named("ledger"),
		tracer:    otel.Tracer(tracerName),
		service:   service,
		clock:     clock,
		threshold: threshold,
	}, nil
}

// ReserveIn moves qty from available to reserved.
func (l *Ledger) ReserveIn(ctx context.Context, rows Rows, productID int64, qty int) (Product, error) {
	return l.mutate(ctx, rows, "reserve", productID, qty, func(p Product) (int, int, error) {
		if !p.Active {
			return 0, 0, fmt.Errorf("%w: product %d", ErrProductInactive, p.ID)
		}
		if qty > p.Available() {
			return 0, 0, &InsufficientStockError{ProductID: p.ID, Requested: qty, Available: p.Available()}
		}
		return p.OnHand, p.Reserved + qty, nil
	})
}

// ReleaseIn returns up to qty reserved units to the available pool. The
// decrement is clamped at the current reservation, so releasing more than is
// held never drives reserved negative.
func (l *Ledger) ReleaseIn(ctx context.Context, rows Rows, productID int64, qty int) (Product, error) {
	return l.mutate(ctx, rows, "release", productID, qty, func(p Product) (int, int, error) {
		return p.OnHand, p.Reserved - min(qty, p.Reserved), nil
	})
}

// CommitIn removes qty units permanently, debiting both on_hand and reserved.
// Committing more than is reserved is an upstream lifecycle bug.
func (l *Ledger) CommitIn(ctx context.Context, rows Rows, productID int64, qty int) (Product, error) {
	return l.mutate(ctx, rows, "commit", productID, qty, func(p Product) (int, int, error) {
		if qty > p.Reserved {
			return 0, 0, fmt.Errorf("%w: commit %d of product %d exceeds reserved %d", ErrInvalidState, qty, p.ID, p.Reserved)
		}
		return p.OnHand - qty, p.Reserved - qty, nil
	})
}

// RestockIn puts qty previously committed units back on hand.
func (l *Ledger) RestockIn(ctx context.Context, rows Rows, productID int64, qty int) (Product, error) {
	return l.mutate(ctx, rows, "restock", productID, qty, func(p Product) (int, int, error) {
		return p.OnHand + qty, p.Reserved, nil
	})
}

// AdjustIn applies a signed correction to on_hand. The result must still
// cover every outstanding reservation.
func (l *Ledger) AdjustIn(ctx context.Context, rows Rows, productID int64, delta int) (Product, error) {
	if delta == 0 {
		return Product{}, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidQuantity)
	}
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	return l.mutate(ctx, rows, "adjust", productID, abs, func(p Product) (int, int, error) {
		onHand := p.OnHand + delta
		if onHand < p.Reserved {
			return 0, 0, &InsufficientStockError{ProductID: p.ID, Requested: -delta, Available: p.Available()}
		}
		return onHand, p.Reserved, nil
	})
}

// Reserve runs ReserveIn as its own transaction and returns the new available.
func (l *Ledger) Reserve(ctx context.Context, productID int64, qty int) (int, error) {
	return l.standalone(ctx, func(ctx context.Context, rows Rows) (Product, error) {
		return l.ReserveIn(ctx, rows, productID, qty)
	})
}

func (l *Ledger) Release(ctx context.Context, productID int64, qty int) (int, error) {
	return l.standalone(ctx, func(ctx context.Context, rows Rows) (Product, error) {
		return l.ReleaseIn(ctx, rows, productID, qty)
	})
}

func (l *Ledger) Commit(ctx context.Context, productID int64, qty int) (int, error) {
	return l.standalone(ctx, func(ctx context.Context, rows Rows) (Product, error) {
		return l.CommitIn(ctx, rows, productID, qty)
	})
}

func (l *Ledger) Restock(ctx context.Context, productID int64, qty int) (int, error) {
	return l.standalone(ctx, func(ctx context.Context, rows Rows) (Product, error) {
		return l.RestockIn(ctx, rows, productID, qty)
	})
}

// Adjust applies a signed on_hand correction and returns the updated row.
func (l *Ledger) Adjust(ctx context.Context, productID int64, delta int) (Product, error) {
	var out Product
	err := l.store.WithStockTx(ctx, func(ctx context.Context, rows Rows) error {
		p, err := l.AdjustIn(ctx, rows, productID, delta)
		out = p
		return err
	})
	if err != nil {
		return Product{}, err
	}
	return out, nil
}

// AvailableStock reads the committed counters. It is never cached.
func (l *Ledger) AvailableStock(ctx context.Context, productID int64) (int, error) {
	p, err := l.store.Product(ctx, productID)
	if err != nil {
		return 0, err
	}
	return p.Available(), nil
}

func (l *Ledger) Product(ctx context.Context, productID int64) (Product, error) {
	return l.store.Product(ctx, productID)
}

// ListProducts returns the catalog ordered by sku.
func (l *Ledger) ListProducts(ctx context.Context) ([]Product, error) {
	return l.store.ListProducts(ctx)
}

func (l *Ledger) CreateProduct(ctx context.Context, np NewProduct) (Product, error) {
	sku := strings.TrimSpace(np.SKU)
	name := strings.TrimSpace(np.Name)
	switch {
	case sku == "":
		return Product{}, fmt.Errorf("%w: sku is required", ErrInvalidProduct)
	case name == "":
		return Product{}, fmt.Errorf("%w: name is required", ErrInvalidProduct)
	case np.UnitPrice.IsNegative():
		return Product{}, fmt.Errorf("%w: unit price must be >= 0", ErrInvalidProduct)
	case np.OnHand < 0:
		return Product{}, fmt.Errorf("%w: on hand must be >= 0", ErrInvalidProduct)
	case np.WeightKg.IsNegative():
		return Product{}, fmt.Errorf("%w: weight must be >= 0", ErrInvalidProduct)
	case np.LowStockThreshold < 0:
		return Product{}, fmt.Errorf("%w: low stock threshold must be >= 0", ErrInvalidProduct)
	}
	threshold := np.LowStockThreshold
	if threshold == 0 {
		threshold = l.threshold
	}
	now := l.clock().UTC()
	p, err := l.store.InsertProduct(ctx, Product{
		SKU:               sku,
		Name:              name,
		UnitPrice:         np.UnitPrice.Round(2),
		OnHand:            np.OnHand,
		WeightKg:          np.WeightKg,
		Active:            true,
		LowStockThreshold: threshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return Product{}, err
	}
	l.logger.Info("product created", zap.Int64("product_id", p.ID), zap.String("sku", p.SKU), zap.Int("on_hand", p.OnHand))
	return p, nil
}

// UpdateProduct edits catalog fields under the row lock. Order lines keep
// the price they were created with.
func (l *Ledger) UpdateProduct(ctx context.Context, productID int64, upd ProductUpdate) (Product, error) {
	var out Product
	err := l.store.WithStockTx(ctx, func(ctx context.Context, rows Rows) error {
		p, err := rows.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return fmt.Errorf("%w: name is required", ErrInvalidProduct)
			}
			p.Name = name
		}
		if upd.UnitPrice != nil {
			if upd.UnitPrice.IsNegative() {
				return fmt.Errorf("%w: unit price must be >= 0", ErrInvalidProduct)
			}
			p.UnitPrice = upd.UnitPrice.Round(2)
		}
		if upd.WeightKg != nil {
			if upd.WeightKg.IsNegative() {
				return fmt.Errorf("%w: weight must be >= 0", ErrInvalidProduct)
			}
			p.WeightKg = *upd.WeightKg
		}
		if upd.Active != nil {
			p.Active = *upd.Active
		}
		p.UpdatedAt = l.clock().UTC()
		if err := rows.UpdateCatalog(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	l.logger.Info("product updated",
		zap.Int64("product_id", out.ID),
		zap.String("unit_price", out.UnitPrice.StringFixed(2)),
		zap.Bool("active", out.Active),
	)
	return out, nil
}

func (l *Ledger) standalone(ctx context.Context, op func(ctx context.Context, rows Rows) (Product, error)) (int, error) {
	var available int
	err := l.store.WithStockTx(ctx, func(ctx context.Context, rows Rows) error {
		p, err := op(ctx, rows)
		if err != nil {
			return err
		}
		available = p.Available()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return available, nil
}

// mutate is the single write path: lock, re-read, compute, verify, write.
func (l *Ledger) mutate(ctx context.Context, rows Rows, op string, productID int64, qty int, next func(Product) (int, int, error)) (_ Product, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.Int64("product.id", productID),
		attribute.Int("stock.quantity", qty),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if qty <= 0 {
		return Product{}, fmt.Errorf("%w: %s quantity %d", ErrInvalidQuantity, op, qty)
	}

	before, err := rows.LockProduct(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	onHand, reserved, err := next(before)
	if err != nil {
		return Product{}, err
	}

	after := before
	after.OnHand, after.Reserved = onHand, reserved
	if !after.consistent() {
		l.logger.Error("stock invariant violated",
			zap.String("op", op),
			zap.Int64("product_id", productID),
			zap.Int("on_hand", onHand),
			zap.Int("reserved", reserved),
		)
		return Product{}, fmt.Errorf("%w: %s on product %d", ErrInvalidState, op, productID)
	}
	if err := rows.UpdateStock(ctx, productID, onHand, reserved); err != nil {
		return Product{}, err
	}

	if !before.IsLowStock() && after.IsLowStock() {
		if err := l.enqueueLowStock(ctx, rows, after); err != nil {
			return Product{}, err
		}
	}

	span.SetAttributes(
		attribute.Int("stock.on_hand", after.OnHand),
		attribute.Int("stock.reserved", after.Reserved),
	)
	return after, nil
}

func (l *Ledger) enqueueLowStock(ctx context.Context, rows Rows, p Product) error {
	env, err := events.New(events.EventLowStock, l.service, p.SKU, l.clock(), events.LowStockPayload{
		ProductID: p.ID,
		SKU:       p.SKU,
		Available: p.Available(),
		Threshold: p.LowStockThreshold,
	})
	if err != nil {
		return err
	}
	msg, err := outbox.FromEnvelope(p.SKU, env.WithTrace(ctx))
	if err != nil {
		return err
	}
	return rows.Enqueue(ctx, msg)
}
