package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ariefcatur/go-order-ledger/internal/ledger"
	"github.com/ariefcatur/go-order-ledger/internal/orders"
)

const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"

	constraintProductSKU = "products_sku_key"
)

// mapError translates driver errors into the domain taxonomy. Errors that
// already carry a domain sentinel pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeLockNotAvailable, codeDeadlockDetected:
		return fmt.Errorf("%w: %s", ledger.ErrLockTimeout, pgErr.Message)
	case codeSerializationFailure:
		return fmt.Errorf("%w: %s", orders.ErrConflict, pgErr.Message)
	case codeUniqueViolation:
		if pgErr.ConstraintName == constraintProductSKU {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateSKU, pgErr.Detail)
		}
		return fmt.Errorf("%w: %s", orders.ErrConflict, pgErr.ConstraintName)
	case codeCheckViolation:
		return fmt.Errorf("%w: %s", ledger.ErrInvalidState, pgErr.ConstraintName)
	}
	return err
}
