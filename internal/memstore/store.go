// Package memstore is an in-process implementation of the ledger and order
// stores. It keeps the same transactional contract as the Postgres store:
// exclusive row locks held until commit or rollback, a bounded lock wait,
// and all-or-nothing commits. Tests and local runs use it.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-ledger/internal/ledger"
	"github.com/ariefcatur/go-order-ledger/internal/orders"
	"github.com/ariefcatur/go-order-ledger/internal/outbox"
)

const DefaultLockTimeout = 2 * time.Second

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

type Store struct {
	mu          sync.Mutex
	products    map[int64]ledger.Product
	skus        map[string]int64
	orders      map[int64]orders.Order
	numbers     map[string]int64
	externalIDs map[string]int64
	outbox      []outbox.Message

	nextProduct int64
	nextOrder   int64
	nextLine    int64
	nextOutbox  int64

	locks       *lockTable
	lockTimeout time.Duration
	clock       func() time.Time
}

func New(opts ...Option) *Store {
	s := &Store{
		products:    make(map[int64]ledger.Product),
		skus:        make(map[string]int64),
		orders:      make(map[int64]orders.Order),
		numbers:     make(map[string]int64),
		externalIDs: make(map[string]int64),
		locks:       newLockTable(),
		lockTimeout: DefaultLockTimeout,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) WithStockTx(ctx context.Context, fn func(ctx context.Context, rows ledger.Rows) error) error {
	return s.run(ctx, func(ctx context.Context, t *tx) error { return fn(ctx, t) })
}

func (s *Store) WithOrderTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	return s.run(ctx, func(ctx context.Context, t *tx) error { return fn(ctx, t) })
}

func (s *Store) run(ctx context.Context, fn func(ctx context.Context, t *tx) error) (err error) {
	t := newTx(s)
	defer func() {
		if p := recover(); p != nil {
			t.rollback()
			panic(p)
		}
	}()
	if err := fn(ctx, t); err != nil {
		t.rollback()
		return err
	}
	return t.commit()
}

func (s *Store) Product(_ context.Context, id int64) (ledger.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return ledger.Product{}, fmt.Errorf("%w: %d", ledger.ErrProductNotFound, id)
	}
	return p, nil
}

func (s *Store) InsertProduct(_ context.Context, p ledger.Product) (ledger.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.skus[p.SKU]; taken {
		return ledger.Product{}, fmt.Errorf("%w: %s", ledger.ErrDuplicateSKU, p.SKU)
	}
	s.nextProduct++
	p.ID = s.nextProduct
	p.Reserved = 0
	s.products[p.ID] = p
	s.skus[p.SKU] = p.ID
	return p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]ledger.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) Order(_ context.Context, id int64) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("%w: %d", orders.ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

func (s *Store) PendingOutbox(_ context.Context, limit int) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Message
	for _, m := range s.outbox {
		if m.PublishedAt != nil {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, ids []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.outbox {
		if want[s.outbox[i].ID] {
			ts := at
			s.outbox[i].PublishedAt = &ts
		}
	}
	return nil
}

// tx stages writes and applies them under the store mutex at commit.
type tx struct {
	s        *Store
	held     map[string]bool
	products map[int64]ledger.Product
	updated  map[int64]orders.Order
	inserted []orders.Order
	outbox   []outbox.Message
	done     bool
}

func newTx(s *Store) *tx {
	return &tx{
		s:        s,
		held:     make(map[string]bool),
		products: make(map[int64]ledger.Product),
		updated:  make(map[int64]orders.Order),
	}
}

func productKey(id int64) string { return fmt.Sprintf("product:%d", id) }
func orderKey(id int64) string   { return fmt.Sprintf("order:%d", id) }

func (t *tx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		if err == ledger.ErrLockTimeout {
			return fmt.Errorf("%w: %s", ledger.ErrLockTimeout, key)
		}
		return err
	}
	t.held[key] = true
	return nil
}

func (t *tx) LockProduct(ctx context.Context, id int64) (ledger.Product, error) {
	if err := t.lock(ctx, productKey(id)); err != nil {
		return ledger.Product{}, err
	}
	if p, ok := t.products[id]; ok {
		return p, nil
	}
	return t.s.Product(ctx, id)
}

func (t *tx) UpdateStock(ctx context.Context, id int64, onHand, reserved int) error {
	if !t.held[productKey(id)] {
		return fmt.Errorf("memstore: update of product %d without row lock", id)
	}
	p, err := t.LockProduct(ctx, id)
	if err != nil {
		return err
	}
	p.OnHand, p.Reserved = onHand, reserved
	p.UpdatedAt = t.s.clock().UTC()
	t.products[id] = p
	return nil
}

func (t *tx) UpdateCatalog(ctx context.Context, p ledger.Product) error {
	if !t.held[productKey(p.ID)] {
		return fmt.Errorf("memstore: update of product %d without row lock", p.ID)
	}
	cur, err := t.LockProduct(ctx, p.ID)
	if err != nil {
		return err
	}
	cur.Name, cur.UnitPrice, cur.WeightKg, cur.Active = p.Name, p.UnitPrice, p.WeightKg, p.Active
	cur.UpdatedAt = p.UpdatedAt
	t.products[p.ID] = cur
	return nil
}

func (t *tx) Enqueue(_ context.Context, msg outbox.Message) error {
	t.outbox = append(t.outbox, msg)
	return nil
}

func (t *tx) LockOrder(ctx context.Context, id int64) (orders.Order, error) {
	if err := t.lock(ctx, orderKey(id)); err != nil {
		return orders.Order{}, err
	}
	if o, ok := t.updated[id]; ok {
		return o.Clone(), nil
	}
	return t.s.Order(ctx, id)
}

func (t *tx) FindByExternalID(_ context.Context, key string) (orders.Order, bool, error) {
	for _, o := range t.inserted {
		if o.ExternalID == key {
			return o.Clone(), true, nil
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.externalIDs[key]
	if !ok {
		return orders.Order{}, false, nil
	}
	return t.s.orders[id].Clone(), true, nil
}

func (t *tx) InsertOrder(_ context.Context, o orders.Order) (orders.Order, error) {
	t.s.mu.Lock()
	if err := t.s.uniqueLocked(o); err != nil {
		t.s.mu.Unlock()
		return orders.Order{}, err
	}
	t.s.nextOrder++
	o.ID = t.s.nextOrder
	o = o.Clone()
	for i := range o.Lines {
		t.s.nextLine++
		o.Lines[i].ID = t.s.nextLine
		o.Lines[i].OrderID = o.ID
	}
	t.s.mu.Unlock()

	// The new row is locked by its creator until commit. The id may already be
	// held by a LockOrder issued before the row existed: that is a conflict.
	key := orderKey(o.ID)
	if !t.s.locks.tryAcquire(key) {
		return orders.Order{}, fmt.Errorf("%w: order row %d is locked", orders.ErrConflict, o.ID)
	}
	t.held[key] = true
	t.inserted = append(t.inserted, o)
	return o.Clone(), nil
}

func (t *tx) UpdateOrder(_ context.Context, o orders.Order) error {
	if !t.held[orderKey(o.ID)] {
		return fmt.Errorf("memstore: update of order %d without row lock", o.ID)
	}
	for i := range t.inserted {
		if t.inserted[i].ID == o.ID {
			t.inserted[i] = o.Clone()
			return nil
		}
	}
	t.updated[o.ID] = o.Clone()
	return nil
}

// uniqueLocked checks order number and external id against committed rows.
// Caller holds s.mu.
func (s *Store) uniqueLocked(o orders.Order) error {
	if _, taken := s.numbers[o.Number]; taken {
		return fmt.Errorf("%w: order number %s", orders.ErrConflict, o.Number)
	}
	if o.ExternalID != "" {
		if _, taken := s.externalIDs[o.ExternalID]; taken {
			return fmt.Errorf("%w: external id %s", orders.ErrConflict, o.ExternalID)
		}
	}
	return nil
}

func (t *tx) commit() error {
	if t.done {
		return nil
	}
	t.s.mu.Lock()
	for _, o := range t.inserted {
		if err := t.s.uniqueLocked(o); err != nil {
			t.s.mu.Unlock()
			t.rollback()
			return err
		}
	}
	for id, p := range t.products {
		t.s.products[id] = p
	}
	for id, o := range t.updated {
		t.s.orders[id] = o
	}
	for _, o := range t.inserted {
		t.s.orders[o.ID] = o
		t.s.numbers[o.Number] = o.ID
		if o.ExternalID != "" {
			t.s.externalIDs[o.ExternalID] = o.ID
		}
	}
	now := t.s.clock().UTC()
	for _, m := range t.outbox {
		t.s.nextOutbox++
		m.ID = t.s.nextOutbox
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		t.s.outbox = append(t.s.outbox, m)
	}
	t.s.mu.Unlock()
	t.unlockAll()
	return nil
}

func (t *tx) rollback() {
	if t.done {
		return
	}
	t.unlockAll()
}

func (t *tx) unlockAll() {
	t.done = true
	keys := make([]string, 0, len(t.held))
	for k := range t.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.s.locks.release(k)
	}
	t.held = map[string]bool{}
}
