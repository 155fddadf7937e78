package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-order-ledger/internal/ledger"
	"github.com/ariefcatur/go-order-ledger/internal/orders"
	"github.com/ariefcatur/go-order-ledger/internal/outbox"
)

// Store implements ledger.Store, orders.Store and outbox.Source on Postgres.
// Row locks are SELECT ... FOR UPDATE; every transaction sets a local
// lock_timeout so a blocked lock fails with ledger.ErrLockTimeout.
type Store struct {
	DB          *pgxpool.Pool
	LockTimeout time.Duration
}

func (s *Store) WithStockTx(ctx context.Context, fn func(ctx context.Context, rows ledger.Rows) error) error {
	return s.withTx(ctx, func(ctx context.Context, t *pgTx) error { return fn(ctx, t) })
}

func (s *Store) WithOrderTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	return s.withTx(ctx, func(ctx context.Context, t *pgTx) error { return fn(ctx, t) })
}

func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, t *pgTx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	timeout := s.LockTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
		fmt.Sprintf("%dms", timeout.Milliseconds())); err != nil {
		return mapError(err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

const productColumns = `id, sku, name, unit_price, on_hand, reserved, weight_kg, active, low_stock_threshold, created_at, updated_at`

func scanProduct(row pgx.Row) (ledger.Product, error) {
	var p ledger.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.UnitPrice, &p.OnHand, &p.Reserved,
		&p.WeightKg, &p.Active, &p.LowStockThreshold, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) Product(ctx context.Context, id int64) (ledger.Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Product{}, fmt.Errorf("%w: %d", ledger.ErrProductNotFound, id)
	}
	return p, mapError(err)
}

func (s *Store) InsertProduct(ctx context.Context, p ledger.Product) (ledger.Product, error) {
	out, err := scanProduct(s.DB.QueryRow(ctx, `
		INSERT INTO products(sku, name, unit_price, on_hand, reserved, weight_kg, active, low_stock_threshold, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
		RETURNING `+productColumns,
		p.SKU, p.Name, p.UnitPrice, p.OnHand, p.WeightKg, p.Active, p.LowStockThreshold, p.CreatedAt))
	if err != nil {
		return ledger.Product{}, mapError(err)
	}
	return out, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Order(ctx context.Context, id int64) (orders.Order, error) {
	return loadOrder(ctx, s.DB, id, false)
}

func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]outbox.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, topic, key, event_type, payload, created_at
		FROM outbox WHERE published_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Message
	for rows.Next() {
		var m outbox.Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.EventType, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.Exec(ctx, `UPDATE outbox SET published_at=$2 WHERE id = ANY($1)`, ids, at)
	return err
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const orderColumns = `id, order_number, COALESCE(external_id, ''), user_id, status, subtotal, tax, shipping_cost,
	discount, total, created_at, updated_at, confirmed_at, shipped_at, delivered_at, cancelled_at`

func loadOrder(ctx context.Context, q querier, id int64, forUpdate bool) (orders.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var o orders.Order
	var status string
	err := q.QueryRow(ctx, query, id).Scan(&o.ID, &o.Number, &o.ExternalID, &o.UserID, &status,
		&o.Subtotal, &o.Tax, &o.ShippingCost, &o.Discount, &o.Total,
		&o.CreatedAt, &o.UpdatedAt, &o.ConfirmedAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("%w: %d", orders.ErrOrderNotFound, id)
	}
	if err != nil {
		return orders.Order{}, mapError(err)
	}
	o.Status = orders.Status(status)

	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, sku, product_name, quantity, unit_price, discount, reservation_state
		FROM order_lines WHERE order_id=$1 ORDER BY id`, o.ID)
	if err != nil {
		return orders.Order{}, mapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var l orders.Line
		var state string
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.SKU, &l.ProductName,
			&l.Quantity, &l.UnitPrice, &l.Discount, &state); err != nil {
			return orders.Order{}, err
		}
		l.State = orders.ReservationState(state)
		o.Lines = append(o.Lines, l)
	}
	return o, rows.Err()
}

// pgTx implements ledger.Rows and orders.Tx on one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockProduct(ctx context.Context, id int64) (ledger.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Product{}, fmt.Errorf("%w: %d", ledger.ErrProductNotFound, id)
	}
	if err != nil {
		return ledger.Product{}, mapError(err)
	}
	return p, nil
}

func (t *pgTx) UpdateStock(ctx context.Context, id int64, onHand, reserved int) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET on_hand=$2, reserved=$3, updated_at=now() WHERE id=$1`, id, onHand, reserved)
	if err != nil {
		return mapError(err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %d", ledger.ErrProductNotFound, id)
	}
	return nil
}

func (t *pgTx) UpdateCatalog(ctx context.Context, p ledger.Product) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products SET name=$2, unit_price=$3, weight_kg=$4, active=$5, updated_at=$6
		WHERE id=$1`,
		p.ID, p.Name, p.UnitPrice, p.WeightKg, p.Active, p.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %d", ledger.ErrProductNotFound, p.ID)
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, msg outbox.Message) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox(topic, key, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.Topic, msg.Key, msg.EventType, msg.Payload, msg.CreatedAt)
	return mapError(err)
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (orders.Order, error) {
	return loadOrder(ctx, t.tx, id, true)
}

func (t *pgTx) FindByExternalID(ctx context.Context, key string) (orders.Order, bool, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM orders WHERE external_id=$1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, mapError(err)
	}
	o, err := loadOrder(ctx, t.tx, id, false)
	if err != nil {
		return orders.Order{}, false, err
	}
	return o, true, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o orders.Order) (orders.Order, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders(order_number, external_id, user_id, status, subtotal, tax, shipping_cost, discount, total, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		o.Number, o.ExternalID, o.UserID, string(o.Status), o.Subtotal, o.Tax, o.ShippingCost,
		o.Discount, o.Total, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		return orders.Order{}, mapError(err)
	}

	o = o.Clone()
	for i := range o.Lines {
		l := &o.Lines[i]
		l.OrderID = o.ID
		if err := t.tx.QueryRow(ctx, `
			INSERT INTO order_lines(order_id, product_id, sku, product_name, quantity, unit_price, discount, reservation_state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			l.OrderID, l.ProductID, l.SKU, l.ProductName, l.Quantity, l.UnitPrice, l.Discount, string(l.State),
		).Scan(&l.ID); err != nil {
			return orders.Order{}, mapError(err)
		}
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o orders.Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, subtotal=$3, tax=$4, shipping_cost=$5, discount=$6, total=$7,
			updated_at=$8, confirmed_at=$9, shipped_at=$10, delivered_at=$11, cancelled_at=$12
		WHERE id=$1`,
		o.ID, string(o.Status), o.Subtotal, o.Tax, o.ShippingCost, o.Discount, o.Total,
		o.UpdatedAt, o.ConfirmedAt, o.ShippedAt, o.DeliveredAt, o.CancelledAt)
	if err != nil {
		return mapError(err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %d", orders.ErrOrderNotFound, o.ID)
	}
	for _, l := range o.Lines {
		if _, err := t.tx.Exec(ctx, `UPDATE order_lines SET reservation_state=$2 WHERE id=$1 AND reservation_state<>$2`,
			l.ID, string(l.State)); err != nil {
			return mapError(err)
		}
	}
	return nil
}
