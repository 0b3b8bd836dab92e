/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store adapters and the API layer match on these with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Not found - unknown transaction, customer, service or review
  2. Validation - invalid amount, invalid star rating, duplicate id
  3. Configuration - broken tier table, fatal at startup
  4. Concurrency - version mismatch on the aggregate, retryable
  5. Store - backend unreachable, no partial writes happened

USAGE:
  if errors.Is(err, loyalty.ErrTransactionNotFound) {
      // already reverted, nothing changed
  }

SEE ALSO:
  - engine.go: Returns these errors
  - store/sqlite/sqlite.go: Wraps driver failures with ErrStoreUnavailable
  - api/errors.go: Maps them to HTTP status codes
*/
package loyalty

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrServiceNotFound     = errors.New("service not found")
	ErrReviewNotFound      = errors.New("review not found")

	// ErrInvalidAmount is returned before any write when an amount is zero,
	// negative, or (for adjustments) would leave spend negative.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidRating is returned when a review star is outside [MinStar, MaxStar].
	ErrInvalidRating = errors.New("invalid rating")

	// ErrDuplicateTransaction is returned when a caller-supplied transaction
	// ID already exists. Callers use their own IDs to make Apply idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")

	ErrDuplicateReview = errors.New("duplicate review id")

	// ErrIDRequired is returned when a request names no customer or service.
	ErrIDRequired = errors.New("id is required")

	// ErrConfiguration is returned when the tier table is unusable.
	ErrConfiguration = errors.New("configuration error")

	// ErrConcurrentWriteConflict is returned when the stored aggregate version
	// no longer matches the version that was read. Retry with a fresh read.
	ErrConcurrentWriteConflict = errors.New("concurrent write conflict")

	// ErrStoreUnavailable is returned when the ledger store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError describes why a tier table was rejected.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// InvalidAmountError carries the rejected amount.
type InvalidAmountError struct {
	Amount decimal.Decimal
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: %s", e.Amount, e.Reason)
}

func (e *InvalidAmountError) Unwrap() error {
	return ErrInvalidAmount
}

// MissingIDError names the identifier a request left blank.
type MissingIDError struct {
	Field string
}

func (e *MissingIDError) Error() string {
	return fmt.Sprintf("%s id is required", e.Field)
}

func (e *MissingIDError) Unwrap() error {
	return ErrIDRequired
}

// ConflictError reports a lost compare-and-swap on an aggregate.
type ConflictError struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent write conflict on %s: expected version %d, found %d",
		e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrentWriteConflict
}

// Unavailable wraps a backend failure so it matches ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentWriteConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRating) ||
		errors.Is(err, ErrIDRequired) ||
		errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrDuplicateReview)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrReviewNotFound)
}
