package ledger

import (
	"context"

	"github.com/ariefcatur/go-order-ledger/internal/outbox"
)

// Rows is the transaction-scoped view of product rows.
//
// LockProduct takes an exclusive row lock held until the enclosing
// transaction ends and returns the row as seen under that lock. Locking a
// row already held by the same transaction returns immediately. A lock that
// cannot be granted within the store's bound fails with ErrLockTimeout.
type Rows interface {
	LockProduct(ctx context.Context, id int64) (Product, error)
	UpdateStock(ctx context.Context, id int64, onHand, reserved int) error
	// UpdateCatalog writes name, unit price, weight and active flag of a
	// locked row. Stock counters are not touched.
	UpdateCatalog(ctx context.Context, p Product) error
	Enqueue(ctx context.Context, msg outbox.Message) error
}

// Store runs stock transactions. WithStockTx commits when fn returns nil and
// rolls back every write otherwise.
type Store interface {
	WithStockTx(ctx context.Context, fn func(ctx context.Context, rows Rows) error) error
	Product(ctx context.Context, id int64) (Product, error)
	InsertProduct(ctx context.Context, p Product) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
}
