/*
errors.go - Centralized error taxonomy for the ledger and stock engine

PURPOSE:
  All error types in one place. Every failure leaving ledger/ or stock/ is
  one of these, never a raw driver error, so callers can decide between
  re-prompting the user, explaining a conflict, or reporting misconfiguration.

ERROR CATEGORIES:
  1. Validation     - bad or missing input, nothing written
  2. Conflict       - state at write time forbids the operation, rolled back
  3. Configuration  - no active exchange rate, operation refused before any write
  4. Expired        - transfer request past its TTL, no mutation
  5. AlreadyCompleted - transfer already applied, idempotent rejection
  6. NotFound       - referenced entity does not exist

USAGE:
  if errors.Is(err, core.ErrConflict) {
      var stockErr *core.InsufficientStockError
      if errors.As(err, &stockErr) {
          // "available 4, requested 10"
      }
  }

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("conflict")
	ErrConfiguration    = errors.New("configuration error")
	ErrExpired          = errors.New("expired")
	ErrAlreadyCompleted = errors.New("already completed")
	ErrNotFound         = errors.New("not found")

	// ErrDuplicateNumber is returned by the store when an order or invoice
	// number collides with an existing row. The sequence allocator retries it.
	ErrDuplicateNumber = errors.New("duplicate document number")
)

// Conflict codes carried by ConflictError.
const (
	CodeSequenceExhausted  = "sequence_exhausted"
	CodeInsufficientStock  = "insufficient_stock"
	CodeInvoiceVoided      = "invoice_voided"
	CodeInvoicePaid        = "invoice_paid"
	CodeInvoiceHasPayments = "invoice_has_payments"
	CodeInvoiceExists      = "invoice_exists"
	CodeInvalidTransition  = "invalid_transition"
	CodeAlreadyConfirmed   = "already_confirmed"
	CodeTransferCancelled  = "transfer_cancelled"
	CodeTransferConfirmed  = "transfer_confirmed"
	CodeInsufficientCredit = "insufficient_credit"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError is bad input. The caller should re-prompt.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError means the current state forbids the operation.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict (%s): %s", e.Code, e.Message)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func Conflict(code, format string, args ...any) error {
	return &ConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InsufficientStockError is observed at write time by the conditional debit.
type InsufficientStockError struct {
	HolderID  AgentID
	ProductID ProductID
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s at %s: available %d, requested %d",
		e.ProductID, e.HolderID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrConflict }

// ConfigurationError blocks an operation before any write.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("not configured: %s: %s", e.Setting, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// ErrNoExchangeRate is the configuration error raised when no rate exists.
func ErrNoExchangeRate() error {
	return &ConfigurationError{Setting: "exchange_rate", Message: "no active USD to LBP rate"}
}

type ExpiredError struct {
	TransferID TransferID
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("transfer %s has expired", e.TransferID)
}

func (e *ExpiredError) Unwrap() error { return ErrExpired }

type AlreadyCompletedError struct {
	TransferID TransferID
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("transfer %s is already completed", e.TransferID)
}

func (e *AlreadyCompletedError) Unwrap() error { return ErrAlreadyCompleted }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to input or current state,
// not to an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrAlreadyCompleted) ||
		errors.Is(err, ErrNotFound)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the same request might succeed on retry.
func IsRetryable(err error) bool {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Code == CodeSequenceExhausted
	}
	return false
}

// Kind returns a short, low-cardinality label for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
