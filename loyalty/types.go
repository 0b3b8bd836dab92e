/*
Package loyalty provides the loyalty ledger and tier derivation engine.

PURPOSE:
  This package keeps a mutable transaction log and the per-customer aggregate
  derived from it in agreement. Every credit recorded, edited or deleted by an
  operator goes through the engine, which updates lifetime spend and the
  loyalty tier in the same atomic write as the ledger entry itself.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer: The derived aggregate (lifetime spend, tier, version)
  - Transaction: A mutable, deletable ledger entry (credit or adjustment)
  - Service / Review: The rating sibling of the same problem
  - Money helpers on decimal.Decimal

DESIGN PRINCIPLES:
  1. Derived state is written together with the entry that changes it
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Type Safety: Strong typing for IDs prevents mixing customer/transaction IDs
  4. Optimistic concurrency: every aggregate carries a Version

USAGE:
  engine := loyalty.NewEngine(store, tiers)
  tx, err := engine.Apply(ctx, loyalty.ApplyInput{
      CustomerID: "alice@example.com",
      Amount:     loyalty.Money(999),
  })

SEE ALSO:
  - tier.go: Tier table lookup
  - engine.go: Apply / Revert / Edit and friends
  - rating.go: Review average maintenance
  - store.go: Ledger Store contract
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money builds a monetary amount from a whole number.
func Money(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type TransactionID string
type ServiceID string
type ReviewID string

// =============================================================================
// CUSTOMER - Derived aggregate
// =============================================================================

// Customer is the aggregate derived from the ledger.
//
// INVARIANTS:
//   - LifetimeSpend == sum(Amount) over the customer's live transactions
//     (credits and adjustments), unless a Revert had to clamp.
//   - LifetimeSpend >= 0
//   - Tier == TierTable.TierFor(LifetimeSpend) as of LastUpdated
type Customer struct {
	ID            CustomerID
	Name          string
	LifetimeSpend decimal.Decimal
	Tier          Tier
	Version       int64

	CreatedAt   time.Time
	LastUpdated time.Time
}

// Exists reports whether the customer has been persisted at least once.
func (c Customer) Exists() bool { return c.Version > 0 }

// =============================================================================
// TRANSACTION - Mutable ledger entry
// =============================================================================

type TransactionKind string

const (
	KindCredit     TransactionKind = "credit"     // Recorded payment
	KindAdjustment TransactionKind = "adjustment" // Administrative override, signed
)

// Transaction is one ledger entry. Note and Attachments may be edited;
// Amount never changes in place (see Engine.ChangeAmount).
type Transaction struct {
	ID          TransactionID
	CustomerID  CustomerID
	Amount      decimal.Decimal
	Kind        TransactionKind
	Note        string
	Attachments []string // opaque references (payment slip, work image)

	CreatedAt  time.Time // business date, may be backdated
	RecordedAt time.Time // when the engine wrote it
	CreatedBy  string
}

// Metadata is the editable part of a transaction.
type Metadata struct {
	Note        string
	Attachments []string
}

// =============================================================================
// SERVICE / REVIEW - Rating aggregate
// =============================================================================

// Service carries the rating derived from its reviews.
// Rating is invalid (no rating) when ReviewCount == 0.
type Service struct {
	ID          ServiceID
	Title       string
	Rating      decimal.NullDecimal
	ReviewCount int
	Version     int64
	UpdatedAt   time.Time
}

type Review struct {
	ID         ReviewID
	ServiceID  ServiceID
	AuthorID   string
	AuthorName string
	Star       int
	Comment    string
	Attachment string
	CreatedAt  time.Time
}

const (
	MinStar = 1
	MaxStar = 5
)
