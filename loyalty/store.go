/*
store.go - Ledger Store contract

PURPOSE:
  Defines the interface between the engine and the database. The Store is the
  system of record for both raw entries (transactions, reviews) and the
  summaries derived from them (customers, services).

KEY INTERFACES:
  Store:   Reads and writes of entries and aggregates
  TxStore: Store plus WithTx, the atomic read-modify-write primitive

COMPARE-AND-SWAP CONTRACT:
  Aggregates are written with SaveCustomer / SaveService, passing the version
  that was read. The store must reject the write with a *ConflictError when
  the stored version differs, and must then leave no trace of the write.
  expectedVersion == 0 means "must not exist yet". A successful save stores
  the aggregate with Version == expectedVersion + 1.

ATOMICITY:
  Everything done through the Store handed to a WithTx callback commits or
  rolls back together. The engine never writes an entry outside WithTx, so a
  transaction can never be persisted without its aggregate update or the
  other way around.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, version column checked in UPDATE ... WHERE
  - loyalty/store/memory.go: In-memory, snapshot + rollback

SEE ALSO:
  - engine.go: The only writer
  - errors.go: ErrConcurrentWriteConflict, ErrStoreUnavailable
*/
package loyalty

import "context"

// =============================================================================
// STORE - Entries and aggregates
// =============================================================================

type Store interface {
	// GetCustomer returns ErrCustomerNotFound for unknown identities.
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)

	// SaveCustomer is a compare-and-swap on Version (see package doc).
	SaveCustomer(ctx context.Context, c Customer, expectedVersion int64) error

	// ListCustomers returns all customers ordered by ID.
	ListCustomers(ctx context.Context) ([]Customer, error)

	// TopCustomers returns up to limit customers by LifetimeSpend descending.
	TopCustomers(ctx context.Context, limit int) ([]Customer, error)

	// GetTransaction returns ErrTransactionNotFound for unknown or deleted IDs.
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// InsertTransaction returns ErrDuplicateTransaction if the ID exists.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// UpdateTransaction overwrites Note and Attachments only.
	UpdateTransaction(ctx context.Context, id TransactionID, meta Metadata) error

	// DeleteTransaction returns ErrTransactionNotFound if nothing was deleted.
	DeleteTransaction(ctx context.Context, id TransactionID) error

	// ListTransactions returns a customer's live entries, newest CreatedAt first.
	ListTransactions(ctx context.Context, customerID CustomerID) ([]Transaction, error)

	GetService(ctx context.Context, id ServiceID) (Service, error)
	SaveService(ctx context.Context, s Service, expectedVersion int64) error

	GetReview(ctx context.Context, id ReviewID) (Review, error)
	InsertReview(ctx context.Context, r Review) error
	DeleteReview(ctx context.Context, id ReviewID) error

	// ListReviews returns every review of a service, oldest first.
	ListReviews(ctx context.Context, serviceID ServiceID) ([]Review, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic read-modify-write
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
