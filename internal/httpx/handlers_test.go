package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-ledger/internal/ledger"
	"github.com/ariefcatur/go-order-ledger/internal/memstore"
	"github.com/ariefcatur/go-order-ledger/internal/orders"
	"github.com/ariefcatur/go-order-ledger/internal/redisx"
)

type fakeCache struct {
	entries     map[int64]orders.Summary
	invalidated []int64
}

func (c *fakeCache) Get(_ context.Context, id int64) (orders.Summary, bool, error) {
	s, ok := c.entries[id]
	return s, ok, nil
}

func (c *fakeCache) Set(_ context.Context, s orders.Summary) error {
	if cur, ok := c.entries[s.OrderID]; ok && cur.UpdatedAt.After(s.UpdatedAt) {
		return nil
	}
	c.entries[s.OrderID] = s
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, id int64) error {
	c.invalidated = append(c.invalidated, id)
	delete(c.entries, id)
	return nil
}

type fixture struct {
	router *chi.Mux
	ledger *ledger.Ledger
	cache  *fakeCache
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memstore.New()
	led, err := ledger.New(ledger.Deps{Store: store})
	require.NoError(t, err)
	svc, err := orders.NewService(orders.Deps{Store: store, Ledger: led})
	require.NoError(t, err)

	cache := &fakeCache{entries: map[int64]orders.Summary{}}
	r := NewRouter(zap.NewNop())
	(&OrdersHandler{Orders: svc, Cache: cache}).Register(r)
	(&ProductsHandler{Ledger: led}).Register(r)
	return fixture{router: r, ledger: led, cache: cache}
}

func (f fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (f fixture) product(t *testing.T, sku string, price string, onHand int) int64 {
	t.Helper()
	p, err := f.ledger.CreateProduct(context.Background(), ledger.NewProduct{
		SKU: sku, Name: "Item " + sku, UnitPrice: decimal.RequireFromString(price), OnHand: onHand,
	})
	require.NoError(t, err)
	return p.ID
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestProducts_CreateListStockAdjust(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/products", map[string]any{
		"sku": "MUG-1", "name": "Mug", "unit_price": "12.50", "on_hand": 20, "weight_kg": "0.4",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[ProductResp](t, rec)
	assert.Equal(t, "12.50", created.UnitPrice)
	assert.Equal(t, 20, created.Available)
	assert.Equal(t, ledger.DefaultLowStockThreshold, created.LowStockThreshold)

	rec = f.do(t, http.MethodPost, "/products", map[string]any{"sku": "MUG-1", "name": "Dup", "unit_price": "1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/products", map[string]any{"sku": "", "name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ProductResp](t, rec), 1)

	path := fmt.Sprintf("/products/%d/stock", created.ID)
	rec = f.do(t, http.MethodPatch, path, map[string]any{"delta": -5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 15, decodeBody[ProductResp](t, rec).OnHand)

	rec = f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StockResp{ProductID: created.ID, Available: 15}, decodeBody[StockResp](t, rec))

	rec = f.do(t, http.MethodGet, "/products/999/stock", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProducts_UpdateDeactivates(t *testing.T) {
	f := newFixture(t)
	pid := f.product(t, "VASE", "30.00", 5)
	path := fmt.Sprintf("/products/%d", pid)

	rec := f.do(t, http.MethodPut, path, map[string]any{"unit_price": "27.50", "active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[ProductResp](t, rec)
	assert.Equal(t, "27.50", got.UnitPrice)
	assert.False(t, got.Active)
	assert.Equal(t, "Item VASE", got.Name)

	rec = f.do(t, http.MethodPost, "/orders", map[string]any{
		"user_id": 1, "lines": []map[string]any{{"product_id": pid, "quantity": 1}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, path, map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/products/999", map[string]any{"active": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrders_CreateConfirmAndTransitionConflict(t *testing.T) {
	f := newFixture(t)
	pid := f.product(t, "BOOK", "25.00", 10)

	rec := f.do(t, http.MethodPost, "/orders", map[string]any{
		"user_id": 7,
		"lines":   []map[string]any{{"product_id": pid, "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[CreateOrderResp](t, rec)
	assert.False(t, created.Idempotent)
	assert.Equal(t, "50.00", created.Order.Subtotal)
	assert.Equal(t, "9.50", created.Order.Tax)
	assert.Equal(t, "59.50", created.Order.Total)
	assert.Equal(t, orders.StatusPending, created.Order.Status)

	base := fmt.Sprintf("/orders/%d", created.Order.OrderID)
	rec = f.do(t, http.MethodPost, base+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, orders.StatusConfirmed, decodeBody[orders.Summary](t, rec).Status)
	assert.Equal(t, orders.StatusConfirmed, f.cache.entries[created.Order.OrderID].Status)

	rec = f.do(t, http.MethodPost, base+"/confirm", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "confirmed", body["status"])

	rec = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orders.StatusConfirmed, decodeBody[orders.Summary](t, rec).Status)
	_, cached := f.cache.entries[created.Order.OrderID]
	assert.True(t, cached)

	available, err := f.ledger.AvailableStock(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, 8, available)
}

func TestOrders_InsufficientStockReportsAvailable(t *testing.T) {
	f := newFixture(t)
	pid := f.product(t, "LAMP", "10.00", 3)

	rec := f.do(t, http.MethodPost, "/orders", map[string]any{
		"user_id": 1,
		"lines":   []map[string]any{{"product_id": pid, "quantity": 5}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 3, body["available"])
	assert.EqualValues(t, 5, body["requested"])
}

func TestOrders_IdempotencyKeyHeader(t *testing.T) {
	f := newFixture(t)
	pid := f.product(t, "PEN", "2.00", 10)
	req := map[string]any{"user_id": 1, "lines": []map[string]any{{"product_id": pid, "quantity": 4}}}

	first := f.do(t, http.MethodPost, "/orders", req, "Idempotency-Key", "abc-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := f.do(t, http.MethodPost, "/orders", req, "Idempotency-Key", "abc-1")
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	a := decodeBody[CreateOrderResp](t, first)
	b := decodeBody[CreateOrderResp](t, second)
	assert.True(t, b.Idempotent)
	assert.Equal(t, a.Order.OrderID, b.Order.OrderID)

	available, err := f.ledger.AvailableStock(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, 6, available)
}

func TestOrders_SetChargesAndBadInput(t *testing.T) {
	f := newFixture(t)
	pid := f.product(t, "CUP", "10.00", 10)
	rec := f.do(t, http.MethodPost, "/orders", map[string]any{
		"user_id": 1, "lines": []map[string]any{{"product_id": pid, "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[CreateOrderResp](t, rec).Order.OrderID

	rec = f.do(t, http.MethodPut, fmt.Sprintf("/orders/%d/charges", id), map[string]any{"shipping_cost": "5.00", "discount": "1.00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s := decodeBody[orders.Summary](t, rec)
	assert.Equal(t, "5.00", s.ShippingCost)
	assert.Equal(t, "15.90", s.Total)

	rec = f.do(t, http.MethodPost, "/orders", map[string]any{"user_id": 1, "lines": []map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/orders", map[string]any{"user_id": 1, "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/orders/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/orders/4242", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteError_LockTimeoutAndUnknown(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, zap.NewNop(), fmt.Errorf("reserve: %w", ledger.ErrLockTimeout))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	writeError(rec, zap.NewNop(), errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")

	rec = httptest.NewRecorder()
	writeError(rec, zap.NewNop(), fmt.Errorf("commit: %w", ledger.ErrInvalidState))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// gatedCache holds back the first Set until release is closed, standing in
// for a GET whose cache write lands after a concurrent transition.
type gatedCache struct {
	*redisx.SummaryCache
	gated   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (c *gatedCache) Set(ctx context.Context, s orders.Summary) error {
	if c.gated.CompareAndSwap(false, true) {
		close(c.entered)
		<-c.release
	}
	return c.SummaryCache.Set(ctx, s)
}

func TestOrders_LateCacheFillKeepsNewerStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}

	store := memstore.New()
	led, err := ledger.New(ledger.Deps{Store: store})
	require.NoError(t, err)
	svc, err := orders.NewService(orders.Deps{Store: store, Ledger: led, Clock: clock})
	require.NoError(t, err)
	cache := &gatedCache{
		SummaryCache: redisx.NewSummaryCache(rdb),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	r := NewRouter(zap.NewNop())
	(&OrdersHandler{Orders: svc, Cache: cache}).Register(r)
	f := fixture{router: r, ledger: led}

	pid := f.product(t, "BOWL", "8.00", 5)
	rec := f.do(t, http.MethodPost, "/orders", map[string]any{
		"user_id": 1, "lines": []map[string]any{{"product_id": pid, "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	base := fmt.Sprintf("/orders/%d", decodeBody[CreateOrderResp](t, rec).Order.OrderID)

	// the GET reads the pending row, then stalls before its cache write
	got := make(chan *httptest.ResponseRecorder, 1)
	go func() { got <- f.do(t, http.MethodGet, base, nil) }()
	<-cache.entered

	rec = f.do(t, http.MethodPost, base+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	close(cache.release)
	stale := <-got
	require.Equal(t, http.StatusOK, stale.Code)
	assert.Equal(t, orders.StatusPending, decodeBody[orders.Summary](t, stale).Status)

	rec = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orders.StatusConfirmed, decodeBody[orders.Summary](t, rec).Status)
}
