package httpx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-ledger/internal/orders"
)

// SummaryCache is the optional read cache for GET /orders/{id}. Set must not
// replace an entry with a later UpdatedAt.
type SummaryCache interface {
	Get(ctx context.Context, orderID int64) (orders.Summary, bool, error)
	Set(ctx context.Context, s orders.Summary) error
	Invalidate(ctx context.Context, orderID int64) error
}

// IdempotencyIndex is the optional fast path for repeated creates.
type IdempotencyIndex interface {
	Lookup(ctx context.Context, key string) (int64, bool, error)
	Remember(ctx context.Context, key string, orderID int64) error
}

type OrdersHandler struct {
	Orders      *orders.Service
	Cache       SummaryCache
	Idempotency IdempotencyIndex
	Logger      *zap.Logger
}

type CreateOrderReq struct {
	IdempotencyKey string               `json:"idempotency_key"`
	UserID         int64                `json:"user_id"`
	Lines          []orders.LineRequest `json:"lines"`
	ShippingCost   decimal.Decimal      `json:"shipping_cost"`
	Discount       decimal.Decimal      `json:"discount"`
}

type CreateOrderResp struct {
	Order      orders.Summary `json:"order"`
	Idempotent bool           `json:"idempotent"`
}

type SetChargesReq struct {
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Discount     decimal.Decimal `json:"discount"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/", h.getOrder)
		r.Post("/confirm", h.step(h.Orders.ConfirmOrder))
		r.Post("/cancel", h.step(h.Orders.CancelOrder))
		r.Post("/ship", h.step(h.Orders.ShipOrder))
		r.Post("/deliver", h.step(h.Orders.DeliverOrder))
		r.Post("/recalculate", h.step(h.Orders.RecalculateTotals))
		r.Put("/charges", h.setCharges)
	})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if k := strings.TrimSpace(r.Header.Get("Idempotency-Key")); k != "" {
		req.IdempotencyKey = k
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Redis only short-circuits; the unique external_id column decides.
	if req.IdempotencyKey != "" && h.Idempotency != nil {
		if id, ok, err := h.Idempotency.Lookup(ctx, req.IdempotencyKey); err == nil && ok {
			if o, err := h.Orders.GetOrder(ctx, id); err == nil && o.ExternalID == req.IdempotencyKey {
				writeJSON(w, http.StatusOK, CreateOrderResp{Order: o.Summary(), Idempotent: true})
				return
			}
		}
	}

	o, replayed, err := h.Orders.CreateOrderIdempotent(ctx, orders.CreateRequest{
		UserID:         req.UserID,
		Lines:          req.Lines,
		ShippingCost:   req.ShippingCost,
		Discount:       req.Discount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	if req.IdempotencyKey != "" && h.Idempotency != nil {
		if err := h.Idempotency.Remember(ctx, req.IdempotencyKey, o.ID); err != nil {
			h.logger().Warn("idempotency index write failed", zap.Int64("order_id", o.ID), zap.Error(err))
		}
	}

	code := http.StatusCreated
	if replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, CreateOrderResp{Order: o.Summary(), Idempotent: replayed})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid order id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		if s, hit, err := h.Cache.Get(ctx, id); err == nil && hit {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	o, err := h.Orders.GetOrder(ctx, id)
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	s := o.Summary()
	if h.Cache != nil {
		_ = h.Cache.Set(ctx, s)
	}
	writeJSON(w, http.StatusOK, s)
}

// step adapts a lifecycle operation to a POST handler.
func (h *OrdersHandler) step(op func(ctx context.Context, orderID int64) (orders.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			badRequest(w, "invalid order id")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		o, err := op(ctx, id)
		if err != nil {
			writeError(w, h.logger(), err)
			return
		}
		s := o.Summary()
		h.refresh(ctx, s)
		writeJSON(w, http.StatusOK, s)
	}
}

func (h *OrdersHandler) setCharges(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid order id")
		return
	}
	var req SetChargesReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.SetCharges(ctx, id, req.ShippingCost, req.Discount)
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	s := o.Summary()
	h.refresh(ctx, s)
	writeJSON(w, http.StatusOK, s)
}

// refresh writes the post-change summary. The cache keeps the entry with the
// later updated_at, so a GET that read the row before the change cannot put
// the old status back. A failed write drops the entry.
func (h *OrdersHandler) refresh(ctx context.Context, s orders.Summary) {
	if h.Cache == nil {
		return
	}
	err := h.Cache.Set(ctx, s)
	if err == nil {
		return
	}
	h.logger().Warn("summary cache write failed", zap.Int64("order_id", s.OrderID), zap.Error(err))
	if err := h.Cache.Invalidate(ctx, s.OrderID); err != nil {
		h.logger().Warn("summary cache invalidate failed", zap.Int64("order_id", s.OrderID), zap.Error(err))
	}
}

func (h *OrdersHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
