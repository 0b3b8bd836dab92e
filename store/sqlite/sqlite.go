/*
Package sqlite provides a SQLite-backed implementation of loyalty.TxStore.

PURPOSE:
  Persists the ledger (transactions, reviews) and the aggregates derived from
  it (customers, services) in one database, so an entry and its aggregate
  update always commit together. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  customers:    Aggregate per customer, with version for optimistic locking
  transactions: Mutable, deletable ledger entries
  services:     Rating aggregate per service, with version
  reviews:      Mutable, deletable review entries

COMPARE-AND-SWAP:
  Aggregates are written with

    UPDATE customers SET ... , version = ? WHERE id = ? AND version = ?

  and zero affected rows turns into a *loyalty.ConflictError. Creation is an
  INSERT guarded by the primary key.

MONEY:
  Decimals are stored as TEXT and parsed with shopspring/decimal, never REAL.

CONCURRENCY:
  The pool is limited to one connection: SQLite allows one writer, and
  ":memory:" databases exist per connection. WithTx holds that connection
  for the duration of the callback.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

ERRORS:
  Driver failures are wrapped with loyalty.ErrStoreUnavailable. Missing rows
  map to the loyalty not-found sentinels.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loyalty.NewEngine(store, tiers)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/store.go: The contract implemented here
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// Store implements loyalty.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements loyalty.Store on top of a querier.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return loyalty.Unavailable("ping", err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		lifetime_spend TEXT NOT NULL,
		tier_level INTEGER NOT NULL,
		tier_min_spend TEXT NOT NULL,
		tier_discount TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	-- Mutable ledger: rows are edited and deleted, never summed in place
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		note TEXT,
		attachments_json TEXT,
		created_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		created_by TEXT
	);

	-- History listing (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_customer_date
		ON transactions(customer_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		rating TEXT,
		review_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		service_id TEXT NOT NULL,
		author_id TEXT,
		author_name TEXT,
		star INTEGER NOT NULL CHECK (star BETWEEN 1 AND 5),
		comment TEXT,
		attachment TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reviews_service
		ON reviews(service_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loyalty.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return loyalty.Unavailable("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return loyalty.Unavailable("commit transaction", err)
	}
	return nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `id, name, lifetime_spend, tier_level, tier_min_spend, tier_discount, version, created_at, last_updated`

func (s *queries) GetCustomer(ctx context.Context, id loyalty.CustomerID) (loyalty.Customer, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Customer{}, fmt.Errorf("%w: %s", loyalty.ErrCustomerNotFound, id)
	}
	if err != nil {
		return loyalty.Customer{}, loyalty.Unavailable("get customer", err)
	}
	return c, nil
}

func (s *queries) SaveCustomer(ctx context.Context, c loyalty.Customer, expectedVersion int64) error {
	next := expectedVersion + 1
	if expectedVersion == 0 {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO customers (`+customerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.LifetimeSpend.String(),
			c.Tier.Level, c.Tier.MinSpend.String(), c.Tier.DiscountPercent.String(),
			next, formatTime(c.CreatedAt), formatTime(c.LastUpdated),
		)
		if isUniqueConstraintError(err) {
			return s.customerConflict(ctx, c.ID, expectedVersion)
		}
		if err != nil {
			return loyalty.Unavailable("insert customer", err)
		}
		return nil
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE customers
		SET name = ?, lifetime_spend = ?, tier_level = ?, tier_min_spend = ?, tier_discount = ?,
		    version = ?, last_updated = ?
		WHERE id = ? AND version = ?`,
		c.Name, c.LifetimeSpend.String(),
		c.Tier.Level, c.Tier.MinSpend.String(), c.Tier.DiscountPercent.String(),
		next, formatTime(c.LastUpdated),
		c.ID, expectedVersion,
	)
	if err != nil {
		return loyalty.Unavailable("update customer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.customerConflict(ctx, c.ID, expectedVersion)
	}
	return nil
}

func (s *queries) customerConflict(ctx context.Context, id loyalty.CustomerID, expected int64) error {
	var actual int64
	err := s.q.QueryRowContext(ctx, `SELECT version FROM customers WHERE id = ?`, id).Scan(&actual)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return loyalty.Unavailable("read customer version", err)
	}
	return &loyalty.ConflictError{Key: "customer:" + string(id), Expected: expected, Actual: actual}
}

func (s *queries) ListCustomers(ctx context.Context) ([]loyalty.Customer, error) {
	return s.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY id`)
}

func (s *queries) TopCustomers(ctx context.Context, limit int) ([]loyalty.Customer, error) {
	// lifetime_spend is TEXT, so order on its numeric value
	return s.queryCustomers(ctx, `
		SELECT `+customerColumns+` FROM customers
		ORDER BY CAST(lifetime_spend AS REAL) DESC, id
		LIMIT ?`, limit)
}

func (s *queries) queryCustomers(ctx context.Context, query string, args ...any) ([]loyalty.Customer, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loyalty.Unavailable("list customers", err)
	}
	defer rows.Close()

	var out []loyalty.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, loyalty.Unavailable("scan customer", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, loyalty.Unavailable("list customers", err)
	}
	return out, nil
}

func scanCustomer(row scanner) (loyalty.Customer, error) {
	var (
		c                         loyalty.Customer
		spend, minSpend, discount string
		createdAt, lastUpdated    string
	)
	err := row.Scan(&c.ID, &c.Name, &spend, &c.Tier.Level, &minSpend, &discount,
		&c.Version, &createdAt, &lastUpdated)
	if err != nil {
		return loyalty.Customer{}, err
	}
	if c.LifetimeSpend, err = parseMoney("lifetime_spend", spend); err != nil {
		return loyalty.Customer{}, fmt.Errorf("customer %s: %w", c.ID, err)
	}
	if c.Tier.MinSpend, err = parseMoney("tier_min_spend", minSpend); err != nil {
		return loyalty.Customer{}, fmt.Errorf("customer %s: %w", c.ID, err)
	}
	if c.Tier.DiscountPercent, err = parseMoney("tier_discount", discount); err != nil {
		return loyalty.Customer{}, fmt.Errorf("customer %s: %w", c.ID, err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.LastUpdated = parseTime(lastUpdated)
	return c, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, customer_id, amount, kind, note, attachments_json, created_at, recorded_at, created_by`

func (s *queries) GetTransaction(ctx context.Context, id loyalty.TransactionID) (loyalty.Transaction, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Transaction{}, fmt.Errorf("%w: %s", loyalty.ErrTransactionNotFound, id)
	}
	if err != nil {
		return loyalty.Transaction{}, loyalty.Unavailable("get transaction", err)
	}
	return tx, nil
}

func (s *queries) InsertTransaction(ctx context.Context, tx loyalty.Transaction) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.CustomerID, tx.Amount.String(), tx.Kind,
		nullString(tx.Note), attachmentsJSON(tx.Attachments),
		formatTime(tx.CreatedAt), formatTime(tx.RecordedAt), nullString(tx.CreatedBy),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", loyalty.ErrDuplicateTransaction, tx.ID)
	}
	if err != nil {
		return loyalty.Unavailable("insert transaction", err)
	}
	return nil
}

func (s *queries) UpdateTransaction(ctx context.Context, id loyalty.TransactionID, meta loyalty.Metadata) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE transactions SET note = ?, attachments_json = ? WHERE id = ?`,
		nullString(meta.Note), attachmentsJSON(meta.Attachments), id)
	if err != nil {
		return loyalty.Unavailable("update transaction", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", loyalty.ErrTransactionNotFound, id)
	}
	return nil
}

func (s *queries) DeleteTransaction(ctx context.Context, id loyalty.TransactionID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return loyalty.Unavailable("delete transaction", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", loyalty.ErrTransactionNotFound, id)
	}
	return nil
}

func (s *queries) ListTransactions(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE customer_id = ?
		ORDER BY created_at DESC, id`, customerID)
	if err != nil {
		return nil, loyalty.Unavailable("list transactions", err)
	}
	defer rows.Close()

	var out []loyalty.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, loyalty.Unavailable("scan transaction", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, loyalty.Unavailable("list transactions", err)
	}
	return out, nil
}

func scanTransaction(row scanner) (loyalty.Transaction, error) {
	var (
		tx                    loyalty.Transaction
		amount, kind          string
		note, attachments     sql.NullString
		createdBy             sql.NullString
		createdAt, recordedAt string
	)
	err := row.Scan(&tx.ID, &tx.CustomerID, &amount, &kind, &note, &attachments,
		&createdAt, &recordedAt, &createdBy)
	if err != nil {
		return loyalty.Transaction{}, err
	}
	if tx.Amount, err = parseMoney("amount", amount); err != nil {
		return loyalty.Transaction{}, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	tx.Kind = loyalty.TransactionKind(kind)
	tx.Note = note.String
	tx.CreatedBy = createdBy.String
	tx.CreatedAt = parseTime(createdAt)
	tx.RecordedAt = parseTime(recordedAt)
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &tx.Attachments); err != nil {
			return loyalty.Transaction{}, fmt.Errorf("attachments of %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

// =============================================================================
// SERVICES
// =============================================================================

func (s *queries) GetService(ctx context.Context, id loyalty.ServiceID) (loyalty.Service, error) {
	var (
		svc       loyalty.Service
		rating    sql.NullString
		updatedAt string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, title, rating, review_count, version, updated_at FROM services WHERE id = ?`, id,
	).Scan(&svc.ID, &svc.Title, &rating, &svc.ReviewCount, &svc.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Service{}, fmt.Errorf("%w: %s", loyalty.ErrServiceNotFound, id)
	}
	if err != nil {
		return loyalty.Service{}, loyalty.Unavailable("get service", err)
	}
	if rating.Valid {
		r, err := parseMoney("rating", rating.String)
		if err != nil {
			return loyalty.Service{}, loyalty.Unavailable("get service", fmt.Errorf("service %s: %w", id, err))
		}
		svc.Rating = decimal.NewNullDecimal(r)
	}
	svc.UpdatedAt = parseTime(updatedAt)
	return svc, nil
}

func (s *queries) SaveService(ctx context.Context, svc loyalty.Service, expectedVersion int64) error {
	var rating sql.NullString
	if svc.Rating.Valid {
		rating = sql.NullString{String: svc.Rating.Decimal.String(), Valid: true}
	}
	next := expectedVersion + 1

	if expectedVersion == 0 {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO services (id, title, rating, review_count, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			svc.ID, svc.Title, rating, svc.ReviewCount, next, formatTime(svc.UpdatedAt))
		if isUniqueConstraintError(err) {
			return s.serviceConflict(ctx, svc.ID, expectedVersion)
		}
		if err != nil {
			return loyalty.Unavailable("insert service", err)
		}
		return nil
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE services SET title = ?, rating = ?, review_count = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		svc.Title, rating, svc.ReviewCount, next, formatTime(svc.UpdatedAt),
		svc.ID, expectedVersion)
	if err != nil {
		return loyalty.Unavailable("update service", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.serviceConflict(ctx, svc.ID, expectedVersion)
	}
	return nil
}

func (s *queries) serviceConflict(ctx context.Context, id loyalty.ServiceID, expected int64) error {
	var actual int64
	err := s.q.QueryRowContext(ctx, `SELECT version FROM services WHERE id = ?`, id).Scan(&actual)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return loyalty.Unavailable("read service version", err)
	}
	return &loyalty.ConflictError{Key: "service:" + string(id), Expected: expected, Actual: actual}
}

// =============================================================================
// REVIEWS
// =============================================================================

const reviewColumns = `id, service_id, author_id, author_name, star, comment, attachment, created_at`

func (s *queries) GetReview(ctx context.Context, id loyalty.ReviewID) (loyalty.Review, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Review{}, fmt.Errorf("%w: %s", loyalty.ErrReviewNotFound, id)
	}
	if err != nil {
		return loyalty.Review{}, loyalty.Unavailable("get review", err)
	}
	return r, nil
}

func (s *queries) InsertReview(ctx context.Context, r loyalty.Review) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reviews (`+reviewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ServiceID, nullString(r.AuthorID), nullString(r.AuthorName), r.Star,
		nullString(r.Comment), nullString(r.Attachment), formatTime(r.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", loyalty.ErrDuplicateReview, r.ID)
	}
	if err != nil {
		return loyalty.Unavailable("insert review", err)
	}
	return nil
}

func (s *queries) DeleteReview(ctx context.Context, id loyalty.ReviewID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM reviews WHERE id = ?`, id)
	if err != nil {
		return loyalty.Unavailable("delete review", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", loyalty.ErrReviewNotFound, id)
	}
	return nil
}

func (s *queries) ListReviews(ctx context.Context, serviceID loyalty.ServiceID) ([]loyalty.Review, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE service_id = ?
		ORDER BY created_at, id`, serviceID)
	if err != nil {
		return nil, loyalty.Unavailable("list reviews", err)
	}
	defer rows.Close()

	var out []loyalty.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, loyalty.Unavailable("scan review", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, loyalty.Unavailable("list reviews", err)
	}
	return out, nil
}

func scanReview(row scanner) (loyalty.Review, error) {
	var (
		r                    loyalty.Review
		authorID, authorName sql.NullString
		comment, attachment  sql.NullString
		createdAt            string
	)
	err := row.Scan(&r.ID, &r.ServiceID, &authorID, &authorName, &r.Star, &comment, &attachment, &createdAt)
	if err != nil {
		return loyalty.Review{}, err
	}
	r.AuthorID = authorID.String
	r.AuthorName = authorName.String
	r.Comment = comment.String
	r.Attachment = attachment.String
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// Timestamps are stored as fixed-width UTC RFC3339 so that TEXT ordering
// matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseMoney reads a decimal TEXT column. A value that does not parse is a
// corrupt row and is reported, never read as zero.
func parseMoney(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt %s %q: %w", column, s, err)
	}
	return d, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func attachmentsJSON(refs []string) sql.NullString {
	if len(refs) == 0 {
		return sql.NullString{}
	}
	b, _ := json.Marshal(refs)
	return sql.NullString{String: string(b), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
