package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientStock indicates the requested quantity exceeds availability.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrProductNotFound indicates the product row does not exist.
	ErrProductNotFound = errors.New("ledger: product not found")
	// ErrProductInactive indicates the product is not for sale.
	ErrProductInactive = errors.New("ledger: product inactive")
	// ErrInvalidQuantity signals a non-positive quantity.
	ErrInvalidQuantity = errors.New("ledger: invalid quantity")
	// ErrInvalidProduct signals invalid catalog input.
	ErrInvalidProduct = errors.New("ledger: invalid product")
	// ErrDuplicateSKU indicates another product already uses the sku.
	ErrDuplicateSKU = errors.New("ledger: duplicate sku")
	// ErrInvalidState is an invariant violation, e.g. committing more than is
	// reserved. It points at a lifecycle bug, never at user input.
	ErrInvalidState = errors.New("ledger: invalid state")
	// ErrLockTimeout means the row lock was not granted in time. Retryable.
	ErrLockTimeout = errors.New("ledger: lock timeout")
)

// InsufficientStockError carries the availability seen under the row lock.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// Retryable reports whether err is transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
