package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-ledger/internal/events"
	"github.com/ariefcatur/go-order-ledger/internal/ledger"
	"github.com/ariefcatur/go-order-ledger/internal/outbox"
	"github.com/ariefcatur/go-order-ledger/internal/pricing"
)

const tracerName = "github.com/ariefcatur/go-order-ledger/internal/orders"

// DefaultRetries bounds how often a unit of work is re-run after a lock
// timeout or unique-key conflict.
const DefaultRetries = 3

type LineRequest struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Discount  decimal.Decimal `json:"discount"`
}

type CreateRequest struct {
	UserID         int64
	Lines          []LineRequest
	ShippingCost   decimal.Decimal
	Discount       decimal.Decimal
	IdempotencyKey string
}

type Deps struct {
	Store       Store
	Ledger      *ledger.Ledger
	Pricing     *pricing.Calculator // nil means pricing.Default()
	Logger      *zap.Logger
	ServiceName string
	Clock       func() time.Time
	// NumberGenerator defaults to NewOrderNumber.
	NumberGenerator func() string
	Retries         int
	// Backoff builds the wait policy between retries.
	Backoff func() backoff.BackOff
}

// Service is the order lifecycle controller. Each operation is one
// transaction over the order row, its lines and the affected product rows.
type Service struct {
	store      Store
	ledger     *ledger.Ledger
	pricing    pricing.Calculator
	logger     *zap.Logger
	tracer     trace.Tracer
	service    string
	clock      func() time.Time
	newNumber  func() string
	retries    int
	newBackoff func() backoff.BackOff
}

func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("orders: store is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("orders: ledger is required")
	}
	calc := pricing.Default()
	if deps.Pricing != nil {
		calc = *deps.Pricing
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	gen := deps.NumberGenerator
	if gen == nil {
		gen = NewOrderNumber
	}
	retries := deps.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	newBackoff := deps.Backoff
	if newBackoff == nil {
		newBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		}
	}
	service := deps.ServiceName
	if service == "" {
		service = "order-ledger"
	}
	return &Service{
		store:      deps.Store,
		ledger:     deps.Ledger,
		pricing:    calc,
		logger:     logger.Named("orders"),
		tracer:     otel.Tracer(tracerName),
		service:    service,
		clock:      clock,
		newNumber:  gen,
		retries:    retries,
		newBackoff: newBackoff,
	}, nil
}

// CreateOrder reserves stock for every line and stores a pending order with
// snapshotted prices. Either every line is reserved or nothing is.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (Order, error) {
	o, _, err := s.CreateOrderIdempotent(ctx, req)
	return o, err
}

// CreateOrderIdempotent is CreateOrder that also reports whether the
// idempotency key matched an existing order, in which case nothing was
// reserved and the stored order is returned.
func (s *Service) CreateOrderIdempotent(ctx context.Context, req CreateRequest) (_ Order, replayed bool, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.create", trace.WithAttributes(
		attribute.Int64("user.id", req.UserID),
		attribute.Int("order.lines", len(req.Lines)),
	))
	defer endSpan(span, &err)

	if err := validateCreate(req); err != nil {
		return Order{}, false, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)

	var out Order
	var existed bool
	err = s.inTx(ctx, "create", func(ctx context.Context, tx Tx) error {
		existed = false
		if key != "" {
			prev, found, err := tx.FindByExternalID(ctx, key)
			if err != nil {
				return err
			}
			if found {
				out, existed = prev, true
				return nil
			}
		}

		lines := make([]Line, len(req.Lines))
		for _, i := range byProduct(req.Lines) {
			lr := req.Lines[i]
			p, err := s.ledger.ReserveIn(ctx, tx, lr.ProductID, lr.Quantity)
			if err != nil {
				return err
			}
			line := Line{
				ProductID:   p.ID,
				SKU:         p.SKU,
				ProductName: p.Name,
				Quantity:    lr.Quantity,
				UnitPrice:   p.UnitPrice,
				Discount:    lr.Discount,
				State:       LineReserved,
			}
			if line.Subtotal().IsNegative() {
				return fmt.Errorf("%w: discount on product %d exceeds line amount", ErrInvalidInput, p.ID)
			}
			lines[i] = line
		}

		now := s.now()
		o := Order{
			Number:       s.newNumber(),
			ExternalID:   key,
			UserID:       req.UserID,
			Status:       StatusPending,
			ShippingCost: req.ShippingCost,
			Discount:     req.Discount,
			CreatedAt:    now,
			UpdatedAt:    now,
			Lines:        lines,
		}
		o.applyTotals(s.pricing.Calculate(o.pricingLines(), o.ShippingCost, o.Discount))
		if o.Total.IsNegative() {
			return fmt.Errorf("%w: discount exceeds order amount", ErrInvalidInput)
		}

		stored, err := tx.InsertOrder(ctx, o)
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, events.EventOrderCreated, stored); err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		s.logger.Info("order create rejected", zap.Int64("user_id", req.UserID), zap.Error(err))
		return Order{}, false, err
	}
	if existed {
		s.logger.Info("order create replayed", zap.Int64("order_id", out.ID), zap.String("idempotency_key", key))
		return out, true, nil
	}
	span.SetAttributes(attribute.Int64("order.id", out.ID))
	s.logger.Info("order created",
		zap.Int64("order_id", out.ID),
		zap.String("order_number", out.Number),
		zap.String("total", out.Total.StringFixed(2)),
	)
	return out, false, nil
}

// ConfirmOrder commits every reserved line: pending -> confirmed.
func (s *Service) ConfirmOrder(ctx context.Context, orderID int64) (Order, error) {
	return s.transition(ctx, orderID, "confirm", StatusConfirmed, events.EventOrderConfirmed,
		func(ctx context.Context, tx Tx, o *Order, now time.Time) error {
			for _, i := range linesByProduct(o.Lines) {
				l := &o.Lines[i]
				if l.State != LineReserved {
					return fmt.Errorf("%w: order %d line %d is %s at confirmation", ledger.ErrInvalidState, o.ID, l.ID, l.State)
				}
				if _, err := s.ledger.CommitIn(ctx, tx, l.ProductID, l.Quantity); err != nil {
					return err
				}
				l.State = LineCommitted
			}
			o.ConfirmedAt = &now
			return nil
		})
}

// CancelOrder returns stock according to each line's reservation state:
// reserved lines are released, committed lines are restocked.
func (s *Service) CancelOrder(ctx context.Context, orderID int64) (Order, error) {
	return s.transition(ctx, orderID, "cancel", StatusCancelled, events.EventOrderCancelled,
		func(ctx context.Context, tx Tx, o *Order, now time.Time) error {
			for _, i := range linesByProduct(o.Lines) {
				l := &o.Lines[i]
				switch l.State {
				case LineReserved:
					if _, err := s.ledger.ReleaseIn(ctx, tx, l.ProductID, l.Quantity); err != nil {
						return err
					}
				case LineCommitted:
					if _, err := s.ledger.RestockIn(ctx, tx, l.ProductID, l.Quantity); err != nil {
						return err
					}
				case LineReleased:
					continue
				}
				l.State = LineReleased
			}
			o.CancelledAt = &now
			return nil
		})
}

func (s *Service) ShipOrder(ctx context.Context, orderID int64) (Order, error) {
	return s.transition(ctx, orderID, "ship", StatusShipped, events.EventOrderShipped,
		func(_ context.Context, _ Tx, o *Order, now time.Time) error {
			o.ShippedAt = &now
			return nil
		})
}

func (s *Service) DeliverOrder(ctx context.Context, orderID int64) (Order, error) {
	return s.transition(ctx, orderID, "deliver", StatusDelivered, events.EventOrderDelivered,
		func(_ context.Context, _ Tx, o *Order, now time.Time) error {
			o.DeliveredAt = &now
			return nil
		})
}

// RecalculateTotals re-derives subtotal, tax and total from the stored lines
// and charges. Unchanged inputs leave the row untouched.
func (s *Service) RecalculateTotals(ctx context.Context, orderID int64) (Order, error) {
	var out Order
	err := s.inTx(ctx, "recalculate", func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		totals := s.pricing.Calculate(o.pricingLines(), o.ShippingCost, o.Discount)
		if !totals.Equal(o.totals()) {
			o.applyTotals(totals)
			o.UpdatedAt = s.now()
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

// SetCharges replaces shipping cost and order discount while pending.
func (s *Service) SetCharges(ctx context.Context, orderID int64, shippingCost, discount decimal.Decimal) (Order, error) {
	if err := validateCharges(shippingCost, discount); err != nil {
		return Order{}, err
	}
	var out Order
	err := s.inTx(ctx, "set_charges", func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return &TransitionError{OrderID: o.ID, From: o.Status, Op: "change charges"}
		}
		o.ShippingCost, o.Discount = shippingCost, discount
		o.applyTotals(s.pricing.Calculate(o.pricingLines(), o.ShippingCost, o.Discount))
		if o.Total.IsNegative() {
			return fmt.Errorf("%w: discount exceeds order amount", ErrInvalidInput)
		}
		o.UpdatedAt = s.now()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	return s.store.Order(ctx, orderID)
}

// transition locks the order, checks the status move, applies fn, and
// persists the result with its event. Two concurrent calls on the same order
// serialize on the order row; the loser sees the winner's status.
func (s *Service) transition(ctx context.Context, orderID int64, op string, to Status, eventType string,
	fn func(ctx context.Context, tx Tx, o *Order, now time.Time) error) (_ Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders."+op, trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer endSpan(span, &err)

	var out Order
	var from Status
	err = s.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, to) {
			return &TransitionError{OrderID: o.ID, From: o.Status, Op: op}
		}
		from = o.Status
		now := s.now()
		if err := fn(ctx, tx, &o, now); err != nil {
			return err
		}
		o.Status = to
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, eventType, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidState) {
			s.logger.Error("order transition hit ledger invariant", zap.String("op", op), zap.Int64("order_id", orderID), zap.Error(err))
		}
		return Order{}, err
	}
	s.logger.Info("order transitioned",
		zap.Int64("order_id", out.ID),
		zap.String("from", string(from)),
		zap.String("to", string(out.Status)),
	)
	return out, nil
}

// inTx runs fn in a fresh transaction, re-running the whole unit on lock
// timeouts and unique-key conflicts.
func (s *Service) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackoff(), uint64(s.retries)), ctx)
	return backoff.Retry(func() error {
		attempt++
		err := s.store.WithOrderTx(ctx, fn)
		if err == nil {
			return nil
		}
		if retryable(err) {
			s.logger.Warn("order transaction retry", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

func (s *Service) enqueue(ctx context.Context, tx Tx, eventType string, o Order) error {
	env, err := events.New(eventType, s.service, o.Number, s.now(), o.Summary())
	if err != nil {
		return err
	}
	msg, err := outbox.FromEnvelope(o.Number, env.WithTrace(ctx))
	if err != nil {
		return err
	}
	return tx.Enqueue(ctx, msg)
}

func (s *Service) now() time.Time { return s.clock().UTC() }

func validateCreate(req CreateRequest) error {
	if req.UserID <= 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(req.Lines) == 0 {
		return fmt.Errorf("%w: order must contain lines", ErrInvalidInput)
	}
	if err := validateCharges(req.ShippingCost, req.Discount); err != nil {
		return err
	}
	for _, l := range req.Lines {
		if l.ProductID <= 0 {
			return fmt.Errorf("%w: product id is required", ErrInvalidInput)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for product %d must be positive", ErrInvalidInput, l.ProductID)
		}
		if l.Discount.IsNegative() {
			return fmt.Errorf("%w: discount for product %d must be >= 0", ErrInvalidInput, l.ProductID)
		}
		if !pricing.IsMoney(l.Discount) {
			return fmt.Errorf("%w: discount for product %d has more than %d decimal places", ErrInvalidInput, l.ProductID, pricing.MoneyPlaces)
		}
	}
	return nil
}

func validateCharges(shippingCost, discount decimal.Decimal) error {
	if shippingCost.IsNegative() || discount.IsNegative() {
		return fmt.Errorf("%w: charges must be >= 0", ErrInvalidInput)
	}
	if !pricing.IsMoney(shippingCost) || !pricing.IsMoney(discount) {
		return fmt.Errorf("%w: charges have more than %d decimal places", ErrInvalidInput, pricing.MoneyPlaces)
	}
	return nil
}

// byProduct returns request indexes in ascending product id, the global lock order.
func byProduct(lines []LineRequest) []int {
	idx := make([]int, len(lines))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return lines[idx[a]].ProductID < lines[idx[b]].ProductID })
	return idx
}

func linesByProduct(lines []Line) []int {
	idx := make([]int, len(lines))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return lines[idx[a]].ProductID < lines[idx[b]].ProductID })
	return idx
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
