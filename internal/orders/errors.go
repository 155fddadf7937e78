package orders

import (
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-ledger/internal/ledger"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition: the requested step is not legal from the current status.
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrInvalidInput      = errors.New("invalid order input")
	// ErrConflict reports a unique-key race (order number or idempotency key).
	// The whole unit of work is retried.
	ErrConflict = errors.New("order write conflict")
)

// TransitionError names the order, the status it was in, and what was attempted.
type TransitionError struct {
	OrderID int64
	From    Status
	Op      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %d: cannot %s from status %s", e.OrderID, e.Op, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func retryable(err error) bool {
	return ledger.Retryable(err) || errors.Is(err, ErrConflict)
}
