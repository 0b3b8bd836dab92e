package loyalty

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TIER TABLE - Static spend thresholds
// =============================================================================

// Tier is one row of the tier table.
type Tier struct {
	Level           int
	MinSpend        decimal.Decimal // inclusive lower bound
	DiscountPercent decimal.Decimal
}

// DiscountedPrice applies the tier discount and rounds down to a whole unit.
func (t Tier) DiscountedPrice(price decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(t.DiscountPercent.Div(decimal.NewFromInt(100)))
	return price.Mul(factor).Floor()
}

// TierTable is an immutable, validated tier table.
//
// CONFIGURATION INVARIANTS (checked by NewTierTable):
//   - a MinSpend == 0 entry exists, so lookup is total
//   - MinSpend values are unique, so lookup never has to break a tie
//   - Level strictly increases with MinSpend, so tiers are monotonic in spend
//   - 0 <= DiscountPercent <= 100
//
// Safe for concurrent reads without synchronization.
type TierTable struct {
	desc []Tier // ordered by MinSpend descending
}

// NewTierTable validates entries and builds a table. Entries may be given in
// any order.
func NewTierTable(entries []Tier) (*TierTable, error) {
	if len(entries) == 0 {
		return nil, &ConfigurationError{Reason: "tier table is empty"}
	}

	asc := make([]Tier, len(entries))
	copy(asc, entries)
	sort.SliceStable(asc, func(i, j int) bool {
		return asc[i].MinSpend.LessThan(asc[j].MinSpend)
	})

	hundred := decimal.NewFromInt(100)
	for i, t := range asc {
		if t.MinSpend.IsNegative() {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("tier %d has negative min spend %s", t.Level, t.MinSpend)}
		}
		if t.DiscountPercent.IsNegative() || t.DiscountPercent.GreaterThan(hundred) {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("tier %d discount %s outside [0, 100]", t.Level, t.DiscountPercent)}
		}
		if i == 0 {
			continue
		}
		prev := asc[i-1]
		if prev.MinSpend.Equal(t.MinSpend) {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("duplicate min spend %s (levels %d and %d)", t.MinSpend, prev.Level, t.Level)}
		}
		if t.Level <= prev.Level {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("level %d at min spend %s does not exceed level %d", t.Level, t.MinSpend, prev.Level)}
		}
	}
	if !asc[0].MinSpend.IsZero() {
		return nil, &ConfigurationError{Reason: "tier table has no min spend 0 entry"}
	}

	desc := make([]Tier, len(asc))
	for i, t := range asc {
		desc[len(asc)-1-i] = t
	}
	return &TierTable{desc: desc}, nil
}

// MustTierTable is NewTierTable that panics. For static tables and tests.
func MustTierTable(entries []Tier) *TierTable {
	t, err := NewTierTable(entries)
	if err != nil {
		panic(err)
	}
	return t
}

// TierFor returns the tier with the largest MinSpend <= spend.
// Negative spend resolves to the floor tier.
func (t *TierTable) TierFor(spend decimal.Decimal) Tier {
	for _, tier := range t.desc {
		if spend.GreaterThanOrEqual(tier.MinSpend) {
			return tier
		}
	}
	return t.desc[len(t.desc)-1]
}

// Next returns the tier above the one spend resolves to and how much more
// spend is needed to reach it. ok is false at the top tier.
func (t *TierTable) Next(spend decimal.Decimal) (next Tier, needed decimal.Decimal, ok bool) {
	for i := len(t.desc) - 1; i >= 0; i-- {
		if t.desc[i].MinSpend.GreaterThan(spend) {
			return t.desc[i], t.desc[i].MinSpend.Sub(spend), true
		}
	}
	return Tier{}, decimal.Zero, false
}

// Tiers returns the table ordered by MinSpend ascending.
func (t *TierTable) Tiers() []Tier {
	out := make([]Tier, len(t.desc))
	for i, tier := range t.desc {
		out[len(t.desc)-1-i] = tier
	}
	return out
}

// DefaultTiers is the member/VIP ladder used when no table is configured.
func DefaultTiers() []Tier {
	row := func(level int, minSpend, discount int64) Tier {
		return Tier{Level: level, MinSpend: decimal.NewFromInt(minSpend), DiscountPercent: decimal.NewFromInt(discount)}
	}
	return []Tier{
		row(0, 0, 0),
		row(1, 1000, 4),
		row(2, 4000, 10),
		row(3, 10000, 14),
		row(4, 30000, 18),
		row(5, 50000, 24),
		row(6, 80000, 28),
		row(7, 100000, 36),
		row(8, 125000, 42),
		row(9, 150000, 48),
		row(10, 200000, 60),
	}
}
