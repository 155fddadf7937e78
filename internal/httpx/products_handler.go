package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-ledger/internal/ledger"
)

type ProductsHandler struct {
	Ledger *ledger.Ledger
	Logger *zap.Logger
}

type CreateProductReq struct {
	SKU               string          `json:"sku"`
	Name              string          `json:"name"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	OnHand            int             `json:"on_hand"`
	WeightKg          decimal.Decimal `json:"weight_kg"`
	LowStockThreshold int             `json:"low_stock_threshold"`
}

// UpdateProductReq is a partial update; omitted fields keep their value.
type UpdateProductReq struct {
	Name      *string          `json:"name"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
	WeightKg  *decimal.Decimal `json:"weight_kg"`
	Active    *bool            `json:"active"`
}

type AdjustStockReq struct {
	Delta int `json:"delta"`
}

type ProductResp struct {
	ID                int64  `json:"id"`
	SKU               string `json:"sku"`
	Name              string `json:"name"`
	UnitPrice         string `json:"unit_price"`
	WeightKg          string `json:"weight_kg"`
	Active            bool   `json:"active"`
	OnHand            int    `json:"on_hand"`
	Reserved          int    `json:"reserved"`
	Available         int    `json:"available"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	LowStock          bool   `json:"low_stock"`
}

type StockResp struct {
	ProductID int64 `json:"product_id"`
	Available int   `json:"available"`
}

func toProductResp(p ledger.Product) ProductResp {
	return ProductResp{
		ID:                p.ID,
		SKU:               p.SKU,
		Name:              p.Name,
		UnitPrice:         p.UnitPrice.StringFixed(2),
		WeightKg:          p.WeightKg.String(),
		Active:            p.Active,
		OnHand:            p.OnHand,
		Reserved:          p.Reserved,
		Available:         p.Available(),
		LowStockThreshold: p.LowStockThreshold,
		LowStock:          p.IsLowStock(),
	}
}

func (h *ProductsHandler) Register(r chi.Router) {
	r.Post("/products", h.createProduct)
	r.Get("/products", h.listProducts)
	r.Put("/products/{id}", h.updateProduct)
	r.Get("/products/{id}/stock", h.getStock)
	r.Patch("/products/{id}/stock", h.adjustStock)
}

func (h *ProductsHandler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Ledger.CreateProduct(ctx, ledger.NewProduct{
		SKU:               req.SKU,
		Name:              req.Name,
		UnitPrice:         req.UnitPrice,
		OnHand:            req.OnHand,
		WeightKg:          req.WeightKg,
		LowStockThreshold: req.LowStockThreshold,
	})
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductResp(p))
}

func (h *ProductsHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Ledger.ListProducts(ctx)
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	out := make([]ProductResp, 0, len(ps))
	for _, p := range ps {
		out = append(out, toProductResp(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ProductsHandler) updateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid product id")
		return
	}
	var req UpdateProductReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Ledger.UpdateProduct(ctx, id, ledger.ProductUpdate{
		Name:      req.Name,
		UnitPrice: req.UnitPrice,
		WeightKg:  req.WeightKg,
		Active:    req.Active,
	})
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResp(p))
}

func (h *ProductsHandler) getStock(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid product id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	available, err := h.Ledger.AvailableStock(ctx, id)
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, StockResp{ProductID: id, Available: available})
}

func (h *ProductsHandler) adjustStock(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid product id")
		return
	}
	var req AdjustStockReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Ledger.Adjust(ctx, id, req.Delta)
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResp(p))
}

func (h *ProductsHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
