package orders

import (
	"context"

	"github.com/ariefcatur/go-order-ledger/internal/ledger"
)

// Tx spans the order row, its lines, and every product row touched by a
// lifecycle step. Locks are taken order row first, then products in
// ascending id.
type Tx interface {
	ledger.Rows

	// LockOrder takes an exclusive lock on the order row and returns it with lines.
	LockOrder(ctx context.Context, id int64) (Order, error)
	// FindByExternalID looks up an order by idempotency key.
	FindByExternalID(ctx context.Context, key string) (Order, bool, error)
	// InsertOrder stores the order with its lines and returns them with ids
	// assigned. A taken order number or external id fails with ErrConflict.
	InsertOrder(ctx context.Context, o Order) (Order, error)
	// UpdateOrder persists status, money, timestamps and line reservation states.
	UpdateOrder(ctx context.Context, o Order) error
}

type Store interface {
	WithOrderTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Order(ctx context.Context, id int64) (Order, error)
}
