/*
engine.go - Aggregate Engine

PURPOSE:
  Keeps Customer.LifetimeSpend and Customer.Tier in agreement with the
  customer's transactions under every mutation an operator can make.

OPERATIONS:
  Apply:         record a credit, creating the customer on first sight
  Revert:        delete a transaction, subtracting with clamp-to-zero
  Edit:          change note / attachments, aggregate untouched
  ChangeAmount:  revert + re-apply as ONE atomic step
  Adjust:        administrative override, recorded as a signed adjustment
  RecomputeTier: re-derive tier after a tier table change
  RecomputeAll:  RecomputeTier for every customer

CONCURRENCY:
  Each mutation holds the customer's lock (Locker) and runs inside
  TxStore.WithTx, saving the customer with a version compare-and-swap. A lost
  swap (another process got there first) is retried with a fresh read up to
  MaxAttempts times, then surfaced as ErrConcurrentWriteConflict.

CLAMP-TO-ZERO:
  Revert never lets spend go below zero. Hitting the clamp means the aggregate
  was already below the sum of its entries, so it is logged at warn level
  and counted.

EXAMPLE:
  tiers := loyalty.MustTierTable(loyalty.DefaultTiers())
  engine := loyalty.NewEngine(store, tiers)

  tx, _ := engine.Apply(ctx, loyalty.ApplyInput{CustomerID: "bob", Amount: loyalty.Money(5000)})
  _ = engine.Revert(ctx, tx.ID) // spend back to 0, tier 0

SEE ALSO:
  - tier.go: TierFor
  - store.go: WithTx / SaveCustomer contract
  - feed.go: Events emitted after commit
*/
package loyalty

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	core
	tiers *TierTable
}

func NewEngine(store TxStore, tiers *TierTable, opts ...Option) *Engine {
	return &Engine{core: newCore(store, opts), tiers: tiers}
}

// Tiers returns the table the engine derives tiers from.
func (e *Engine) Tiers() *TierTable { return e.tiers }

func customerKey(id CustomerID) string { return "customer:" + string(id) }

// ApplyInput describes one credit.
type ApplyInput struct {
	CustomerID CustomerID
	Name       string // used only when the customer is created
	Amount     decimal.Decimal
	Metadata

	// Optional. A caller-chosen ID makes retries of the same credit safe:
	// the second Apply fails with ErrDuplicateTransaction.
	TransactionID TransactionID
	CreatedAt     time.Time // defaults to now, may be backdated
	CreatedBy     string
}

// =============================================================================
// APPLY
// =============================================================================

// Apply records a credit and adds it to the customer's lifetime spend.
func (e *Engine) Apply(ctx context.Context, in ApplyInput) (tx Transaction, err error) {
	ctx, finish := e.start(ctx, "Apply", attribute.String("customer.id", string(in.CustomerID)))
	defer finish(&err)

	in.CustomerID = CustomerID(strings.TrimSpace(string(in.CustomerID)))
	if in.CustomerID == "" {
		return Transaction{}, &MissingIDError{Field: "customer"}
	}
	if !in.Amount.IsPositive() {
		return Transaction{}, &InvalidAmountError{Amount: in.Amount, Reason: "credit must be positive"}
	}

	now := e.now()
	tx = Transaction{
		ID:          in.TransactionID,
		CustomerID:  in.CustomerID,
		Amount:      in.Amount,
		Kind:        KindCredit,
		Note:        in.Note,
		Attachments: in.Attachments,
		CreatedAt:   in.CreatedAt,
		RecordedAt:  now,
		CreatedBy:   in.CreatedBy,
	}
	if tx.ID == "" {
		tx.ID = TransactionID(e.newID())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}

	err = e.mutate(ctx, "Apply", customerKey(in.CustomerID), func(s Store) ([]Event, error) {
		cur, err := e.loadOrNewCustomer(ctx, s, in.CustomerID, in.Name)
		if err != nil {
			return nil, err
		}
		if err := s.InsertTransaction(ctx, tx); err != nil {
			return nil, err
		}
		next, err := e.saveSpend(ctx, s, cur, cur.LifetimeSpend.Add(tx.Amount))
		if err != nil {
			return nil, err
		}
		return []Event{CustomerEvent(next)}, nil
	})
	if err != nil {
		return Transaction{}, err
	}

	e.logger.Info().
		Str("customer_id", string(tx.CustomerID)).
		Str("transaction_id", string(tx.ID)).
		Str("amount", tx.Amount.String()).
		Msg("credit applied")
	return tx, nil
}

// =============================================================================
// REVERT
// =============================================================================

// Revert deletes a transaction and subtracts its amount from the customer's
// spend, flooring at zero. A clamp records an offsetting adjustment so the
// live entries still sum to the stored spend. Reverting an adjustment
// re-derives spend from the remaining entries. Reverting an unknown or
// already reverted transaction returns ErrTransactionNotFound and changes
// nothing.
func (e *Engine) Revert(ctx context.Context, id TransactionID) (err error) {
	ctx, finish := e.start(ctx, "Revert", attribute.String("transaction.id", string(id)))
	defer finish(&err)

	// The owning customer is needed to pick the lock; the transaction is
	// read again under the lock.
	owner, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return err
	}

	return e.mutate(ctx, "Revert", customerKey(owner.CustomerID), func(s Store) ([]Event, error) {
		tx, err := s.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.DeleteTransaction(ctx, id); err != nil {
			return nil, err
		}

		cur, err := s.GetCustomer(ctx, tx.CustomerID)
		if errors.Is(err, ErrCustomerNotFound) {
			e.logger.Warn().Str("customer_id", string(tx.CustomerID)).Str("transaction_id", string(id)).
				Msg("reverted transaction of a purged customer")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		var (
			spend   decimal.Decimal
			clamped bool
		)
		if tx.Kind == KindAdjustment {
			spend, clamped, err = e.rederive(ctx, s, cur, id)
			if err != nil {
				return nil, err
			}
		} else {
			spend, clamped = e.clampedSub(cur, tx)
		}
		next, err := e.saveSpend(ctx, s, cur, spend)
		if err != nil {
			return nil, err
		}
		if clamped {
			if err := e.offsetClamp(ctx, s, cur.ID, spend, id); err != nil {
				return nil, err
			}
		}
		return []Event{CustomerEvent(next)}, nil
	})
}

// rederive drops the customer's clamp offsets and returns the sum of the
// remaining entries, floored at zero. Offsets only ever cancel a deficit
// left by an adjustment, so once an adjustment goes they are recomputed.
func (e *Engine) rederive(ctx context.Context, s Store, cur Customer, cause TransactionID) (decimal.Decimal, bool, error) {
	live, err := s.ListTransactions(ctx, cur.ID)
	if err != nil {
		return decimal.Zero, false, err
	}
	sum := decimal.Zero
	for _, tx := range live {
		if tx.Kind == KindAdjustment && tx.CreatedBy == ClampActor {
			if err := s.DeleteTransaction(ctx, tx.ID); err != nil {
				return decimal.Zero, false, err
			}
			continue
		}
		sum = sum.Add(tx.Amount)
	}
	if !sum.IsNegative() {
		return sum, false, nil
	}
	e.clamped(cur, cause, sum)
	return decimal.Zero, true, nil
}

func (e *Engine) clampedSub(cur Customer, tx Transaction) (decimal.Decimal, bool) {
	spend := cur.LifetimeSpend.Sub(tx.Amount)
	if !spend.IsNegative() {
		return spend, false
	}
	e.clamped(cur, tx.ID, spend)
	return decimal.Zero, true
}

func (e *Engine) clamped(cur Customer, cause TransactionID, spend decimal.Decimal) {
	e.metrics.SpendClamped()
	e.logger.Warn().
		Str("customer_id", string(cur.ID)).
		Str("transaction_id", string(cause)).
		Str("spend", cur.LifetimeSpend.String()).
		Str("unclamped", spend.String()).
		Msg("lifetime spend clamped to zero; aggregate was below its ledger")
}

// ClampActor is the CreatedBy of adjustment entries the engine records itself.
const ClampActor = "system:clamp"

// offsetClamp records an adjustment for whatever separates the customer's
// live entries from spend after a clamp, so the entries sum to the stored
// spend again. Nothing is recorded when they already agree.
func (e *Engine) offsetClamp(ctx context.Context, s Store, id CustomerID, spend decimal.Decimal, cause TransactionID) error {
	live, err := s.ListTransactions(ctx, id)
	if err != nil {
		return err
	}
	sum := decimal.Zero
	for _, tx := range live {
		sum = sum.Add(tx.Amount)
	}
	diff := spend.Sub(sum)
	if diff.IsZero() {
		return nil
	}

	now := e.now()
	offset := Transaction{
		ID:         TransactionID(e.newID()),
		CustomerID: id,
		Amount:     diff,
		Kind:       KindAdjustment,
		Note:       "clamp offset for " + string(cause),
		CreatedAt:  now,
		RecordedAt: now,
		CreatedBy:  ClampActor,
	}
	if err := s.InsertTransaction(ctx, offset); err != nil {
		return err
	}
	e.logger.Warn().
		Str("customer_id", string(id)).
		Str("transaction_id", string(offset.ID)).
		Str("cause", string(cause)).
		Str("amount", diff.String()).
		Msg("recorded clamp offset")
	return nil
}

// =============================================================================
// EDIT / CHANGE AMOUNT
// =============================================================================

// Edit replaces a transaction's note and attachments. Spend and tier are not
// touched and no customer event is emitted.
func (e *Engine) Edit(ctx context.Context, id TransactionID, meta Metadata) (err error) {
	ctx, finish := e.start(ctx, "Edit", attribute.String("transaction.id", string(id)))
	defer finish(&err)

	return e.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return err
		}
		return s.UpdateTransaction(ctx, id, meta)
	})
}

// ChangeAmount replaces a credit's amount by deleting the entry and recording
// a new one with the same customer and metadata, in one atomic write.
// The replacement gets a new ID, which is returned.
func (e *Engine) ChangeAmount(ctx context.Context, id TransactionID, amount decimal.Decimal) (replacement Transaction, err error) {
	ctx, finish := e.start(ctx, "ChangeAmount", attribute.String("transaction.id", string(id)))
	defer finish(&err)

	if !amount.IsPositive() {
		return Transaction{}, &InvalidAmountError{Amount: amount, Reason: "credit must be positive"}
	}
	owner, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	newID := TransactionID(e.newID())

	err = e.mutate(ctx, "ChangeAmount", customerKey(owner.CustomerID), func(s Store) ([]Event, error) {
		old, err := s.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		if old.Kind != KindCredit {
			return nil, &InvalidAmountError{Amount: amount, Reason: "only credits can be re-amounted"}
		}
		cur, err := s.GetCustomer(ctx, old.CustomerID)
		if err != nil {
			return nil, err
		}

		replacement = old
		replacement.ID = newID
		replacement.Amount = amount
		replacement.RecordedAt = e.now()

		if err := s.DeleteTransaction(ctx, id); err != nil {
			return nil, err
		}
		if err := s.InsertTransaction(ctx, replacement); err != nil {
			return nil, err
		}
		remaining, clamped := e.clampedSub(cur, old)
		spend := remaining.Add(amount)
		next, err := e.saveSpend(ctx, s, cur, spend)
		if err != nil {
			return nil, err
		}
		if clamped {
			if err := e.offsetClamp(ctx, s, cur.ID, spend, id); err != nil {
				return nil, err
			}
		}
		return []Event{CustomerEvent(next)}, nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return replacement, nil
}

// =============================================================================
// ADJUST - Administrative override
// =============================================================================

type AdjustInput struct {
	CustomerID  CustomerID
	TargetSpend decimal.Decimal
	Reason      string
	Actor       string
}

// Adjust sets a customer's lifetime spend to TargetSpend by recording an
// adjustment entry for the difference. Because the difference lives in the
// ledger, later Reverts stay exact.
func (e *Engine) Adjust(ctx context.Context, in AdjustInput) (tx Transaction, err error) {
	ctx, finish := e.start(ctx, "Adjust", attribute.String("customer.id", string(in.CustomerID)))
	defer finish(&err)

	if in.TargetSpend.IsNegative() {
		return Transaction{}, &InvalidAmountError{Amount: in.TargetSpend, Reason: "target spend cannot be negative"}
	}
	now := e.now()
	id := TransactionID(e.newID())

	err = e.mutate(ctx, "Adjust", customerKey(in.CustomerID), func(s Store) ([]Event, error) {
		cur, err := s.GetCustomer(ctx, in.CustomerID)
		if err != nil {
			return nil, err
		}
		delta := in.TargetSpend.Sub(cur.LifetimeSpend)
		if delta.IsZero() {
			return nil, &InvalidAmountError{Amount: in.TargetSpend, Reason: "target equals current spend"}
		}
		tx = Transaction{
			ID:         id,
			CustomerID: cur.ID,
			Amount:     delta,
			Kind:       KindAdjustment,
			Note:       in.Reason,
			CreatedAt:  now,
			RecordedAt: now,
			CreatedBy:  in.Actor,
		}
		if err := s.InsertTransaction(ctx, tx); err != nil {
			return nil, err
		}
		next, err := e.saveSpend(ctx, s, cur, in.TargetSpend)
		if err != nil {
			return nil, err
		}
		return []Event{CustomerEvent(next)}, nil
	})
	if err != nil {
		return Transaction{}, err
	}

	e.logger.Warn().
		Str("customer_id", string(in.CustomerID)).
		Str("actor", in.Actor).
		Str("delta", tx.Amount.String()).
		Msg("lifetime spend adjusted")
	return tx, nil
}

// =============================================================================
// RECOMPUTE
// =============================================================================

// RecomputeTier re-derives the stored tier from the stored spend under the
// engine's current table. Nothing is written when the tier is unchanged.
func (e *Engine) RecomputeTier(ctx context.Context, id CustomerID) (c Customer, err error) {
	ctx, finish := e.start(ctx, "RecomputeTier", attribute.String("customer.id", string(id)))
	defer finish(&err)

	c, _, err = e.recompute(ctx, id)
	return c, err
}

func (e *Engine) recompute(ctx context.Context, id CustomerID) (c Customer, changed bool, err error) {
	err = e.mutate(ctx, "RecomputeTier", customerKey(id), func(s Store) ([]Event, error) {
		cur, err := s.GetCustomer(ctx, id)
		if err != nil {
			return nil, err
		}
		c = cur
		if sameTier(cur.Tier, e.tiers.TierFor(cur.LifetimeSpend)) {
			return nil, nil
		}
		next, err := e.saveSpend(ctx, s, cur, cur.LifetimeSpend)
		if err != nil {
			return nil, err
		}
		c, changed = next, true
		return []Event{CustomerEvent(next)}, nil
	})
	return c, changed, err
}

// RecomputeAll runs RecomputeTier for every customer and returns how many
// tiers changed.
func (e *Engine) RecomputeAll(ctx context.Context) (changed int, err error) {
	ctx, finish := e.start(ctx, "RecomputeAll")
	defer finish(&err)

	customers, err := e.store.ListCustomers(ctx)
	if err != nil {
		return 0, err
	}

	var n atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, c := range customers {
		id := c.ID
		g.Go(func() error {
			_, ok, err := e.recompute(gctx, id)
			if err != nil {
				return err
			}
			if ok {
				n.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(n.Load()), err
}

func sameTier(a, b Tier) bool {
	return a.Level == b.Level && a.MinSpend.Equal(b.MinSpend) && a.DiscountPercent.Equal(b.DiscountPercent)
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) Customer(ctx context.Context, id CustomerID) (Customer, error) {
	return e.store.GetCustomer(ctx, id)
}

func (e *Engine) Customers(ctx context.Context) ([]Customer, error) {
	return e.store.ListCustomers(ctx)
}

func (e *Engine) Transaction(ctx context.Context, id TransactionID) (Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

func (e *Engine) Transactions(ctx context.Context, id CustomerID) ([]Transaction, error) {
	return e.store.ListTransactions(ctx, id)
}

// Status describes where a customer stands on the tier ladder.
// Tier is derived from the current table at read time.
type Status struct {
	Customer Customer
	Tier     Tier
	Next     *Tier
	Needed   decimal.Decimal // spend still needed to reach Next
}

func (e *Engine) Status(ctx context.Context, id CustomerID) (Status, error) {
	c, err := e.store.GetCustomer(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Customer: c, Tier: e.tiers.TierFor(c.LifetimeSpend)}
	if next, needed, ok := e.tiers.Next(c.LifetimeSpend); ok {
		st.Next = &next
		st.Needed = needed
	}
	return st, nil
}

// Quote is a price after the customer's tier discount.
type Quote struct {
	Price      decimal.Decimal
	Discounted decimal.Decimal
	Tier       Tier
}

// Quote prices an item for a customer. Unknown customers get the floor tier.
func (e *Engine) Quote(ctx context.Context, id CustomerID, price decimal.Decimal) (Quote, error) {
	if price.IsNegative() {
		return Quote{}, &InvalidAmountError{Amount: price, Reason: "price cannot be negative"}
	}
	spend := decimal.Zero
	c, err := e.store.GetCustomer(ctx, id)
	switch {
	case err == nil:
		spend = c.LifetimeSpend
	case !errors.Is(err, ErrCustomerNotFound):
		return Quote{}, err
	}
	tier := e.tiers.TierFor(spend)
	return Quote{Price: price, Discounted: tier.DiscountedPrice(price), Tier: tier}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) loadOrNewCustomer(ctx context.Context, s Store, id CustomerID, name string) (Customer, error) {
	c, err := s.GetCustomer(ctx, id)
	if errors.Is(err, ErrCustomerNotFound) {
		now := e.now()
		if name == "" {
			name = string(id)
		}
		return Customer{
			ID:            id,
			Name:          name,
			LifetimeSpend: decimal.Zero,
			Tier:          e.tiers.TierFor(decimal.Zero),
			CreatedAt:     now,
		}, nil
	}
	return c, err
}

// saveSpend writes cur with a new spend and the tier derived from it.
func (e *Engine) saveSpend(ctx context.Context, s Store, cur Customer, spend decimal.Decimal) (Customer, error) {
	next := cur
	next.LifetimeSpend = spend
	next.Tier = e.tiers.TierFor(spend)
	next.Version = cur.Version + 1
	next.LastUpdated = e.now()
	if err := s.SaveCustomer(ctx, next, cur.Version); err != nil {
		return Customer{}, err
	}
	return next, nil
}

// Ranking returns up to limit customers by lifetime spend, highest first.
func (e *Engine) Ranking(ctx context.Context, limit int) ([]Customer, error) {
	if limit <= 0 {
		limit = DefaultRankingLimit
	}
	return e.store.TopCustomers(ctx, limit)
}

// DefaultRankingLimit is the ranking page size when none is given.
const DefaultRankingLimit = 50

// TierCount is one bar of the tier distribution.
type TierCount struct {
	Tier      Tier
	Customers int
}

// TierDistribution counts customers per tier of the current table, derived
// from stored spend. Every tier is present, including empty ones.
func (e *Engine) TierDistribution(ctx context.Context) ([]TierCount, error) {
	customers, err := e.store.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}
	tiers := e.tiers.Tiers()
	counts := make(map[int]int, len(tiers))
	for _, c := range customers {
		counts[e.tiers.TierFor(c.LifetimeSpend).Level]++
	}
	out := make([]TierCount, len(tiers))
	for i, t := range tiers {
		out[i] = TierCount{Tier: t, Customers: counts[t.Level]}
	}
	return out, nil
}
