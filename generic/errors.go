/*
errors.go - Centralized error types for the clinic ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these (or wrap them) so callers can branch
  with errors.Is / errors.As without importing every package.

ERROR CATEGORIES:
  1. Validation errors - Missing or malformed input, rejected before any mutation
  2. Business rule errors - Overpayment, reversal with nothing to reverse
  3. Access errors - Role does not allow the action
  4. Persistence errors - Remote save/load failures, surfaced after mutation

USAGE:
  if errors.Is(err, generic.ErrOverpayment) {
      var op *generic.OverpaymentError
      errors.As(err, &op)
      ...
  }

SEE ALSO:
  - billing/payment.go: Raises InvalidAmountError and OverpaymentError
  - billing/reversal.go: Raises NoPaymentsError
  - clinic/session.go: Raises PersistenceError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when required input is missing or malformed.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidAmount is returned when a monetary amount is zero or negative.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrOverpayment is returned when a payment exceeds the invoice balance.
	ErrOverpayment = errors.New("payment exceeds balance")

	// ErrNoPayments is returned when reversing an invoice that has no payments.
	ErrNoPayments = errors.New("invoice has no payments")

	// ErrPersistence is returned when the document store rejects a load or save.
	ErrPersistence = errors.New("persistence failed")

	// ErrConcurrentModification is returned when a save is based on a stale revision.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotFound is returned when a referenced record or document doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the actor's role does not allow the action.
	ErrForbidden = errors.New("forbidden")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// InvalidAmountError carries the rejected amount.
type InvalidAmountError struct {
	Amount Money
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: must be greater than zero", e.Amount)
}

func (e *InvalidAmountError) Unwrap() error {
	return ErrInvalidAmount
}

// OverpaymentError provides details about a payment larger than the balance.
type OverpaymentError struct {
	InvoiceID string
	Amount    Money
	Balance   Money
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %s exceeds balance %s on invoice %s",
		e.Amount, e.Balance, e.InvoiceID)
}

func (e *OverpaymentError) Unwrap() error {
	return ErrOverpayment
}

// NoPaymentsError is raised by a reversal on an invoice without payments.
type NoPaymentsError struct {
	InvoiceID string
}

func (e *NoPaymentsError) Error() string {
	return fmt.Sprintf("invoice %s has no payments to reverse", e.InvoiceID)
}

func (e *NoPaymentsError) Unwrap() error {
	return ErrNoPayments
}

// PersistenceError wraps a failed store operation. Code is a short
// machine-readable reason ("conflict", "unavailable", ...).
type PersistenceError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *PersistenceError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("persistence %s failed [%s]: %s", e.Op, e.Code, msg)
}

// Is lets errors.Is match both ErrPersistence and the underlying cause.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError classifies err into a PersistenceError.
func NewPersistenceError(op string, err error) *PersistenceError {
	code := "unavailable"
	switch {
	case errors.Is(err, ErrConcurrentModification):
		code = "conflict"
	case errors.Is(err, ErrNotFound):
		code = "not_found"
	}
	return &PersistenceError{Op: op, Code: code, Message: err.Error(), Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrOverpayment) ||
		errors.Is(err, ErrNoPayments)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsForbidden returns true if the actor's role rejected the action.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}
