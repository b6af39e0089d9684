package tithe

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every rejected operation surfaces one of these kinds.
var (
	// Fee errors
	ErrUnauthorized        = errors.New("tithe: unauthorized")
	ErrInvalidRate         = errors.New("tithe: fee rate exceeds cap")
	ErrCurrencyMismatch    = errors.New("tithe: currency mismatch")
	ErrArrayLengthMismatch = errors.New("tithe: array length mismatch")
	ErrNumericOverflow     = errors.New("tithe: numeric overflow")
	ErrInvalidAddress      = errors.New("tithe: invalid address")
	ErrNoFeeSink           = errors.New("tithe: no fee sink configured")

	// Vault errors
	ErrDepositLimitExceeded = errors.New("tithe: deposit limit exceeded")
	ErrInsufficientShares   = errors.New("tithe: insufficient shares")

	// Store errors
	ErrNotFound        = errors.New("tithe: not found")
	ErrStoreNotReady   = errors.New("tithe: store not ready")
	ErrStoreClosed     = errors.New("tithe: store is closed")
	ErrMigrationFailed = errors.New("tithe: migration failed")
)

// MultiError collects independent failures, such as the pairs of a batch
// settlement.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "tithe: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("tithe: %d errors occurred (first: %v)", len(e.Errors), e.Errors[0])
}

// Unwrap lets errors.Is and errors.As see every collected error.
func (e MultiError) Unwrap() []error {
	return e.Errors
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessError returns true if the caller was not allowed to act.
func IsAccessError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsConfigError returns true if the error rejects a configuration value.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidRate) ||
		errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrNoFeeSink)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreNotReady)
}
