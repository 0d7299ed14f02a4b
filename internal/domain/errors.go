package domain

import (
	"errors"
	"fmt"
)

// Resolver policy violations. They are retried like any other execution
// failure since live conditions may change by the next pass.
var (
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrZeroQuantity         = errors.New("resolved quantity is zero")
	ErrInvalidPrice         = errors.New("resolved price is not positive")
)

var (
	// ErrLockLost means another worker holds (or took over) the order.
	ErrLockLost = errors.New("order lock lost")
	// ErrNotFound is returned for unknown order ids.
	ErrNotFound = errors.New("order not found")
	// ErrNotCancellable is returned when cancelling an order that already left PENDING.
	ErrNotCancellable = errors.New("order is no longer pending")
	// ErrUnconfirmed marks an order whose lock expired after a submission was
	// sent but before its outcome was committed. It needs manual review.
	ErrUnconfirmed = errors.New("lock expired after submission, brokerage outcome unconfirmed")
)

// ValidationError rejects a reservation before it is queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// FetchError is a failed position or price lookup.
type FetchError struct {
	Op     string // "position" or "price"
	Ticker string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s for %s: %v", e.Op, e.Ticker, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RejectError is a business-level rejection from the brokerage, returned even
// when the transport call itself succeeded.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("brokerage rejected order: code %s", e.Code)
	}
	return fmt.Sprintf("brokerage rejected order: code %s: %s", e.Code, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
