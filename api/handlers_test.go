/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Transaction lifecycle over HTTP (apply, edit, change amount, revert)
- Customer status, quote and adjustment endpoints
- Error mapping (400 / 404 / 409 / 503)
- Ranking with and without the leaderboard
- Service reviews and ratings
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/feed/leaderboard"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

func newTestRouter(t *testing.T, configure ...func(*Handler, *RouterOptions)) *chi.Mux {
	t.Helper()
	mem := store.NewMemory()
	engine := loyalty.NewEngine(mem, loyalty.MustTierTable(loyalty.DefaultTiers()))
	ratings := loyalty.NewRatingEngine(mem)
	h := NewHandler(engine, ratings, zerolog.Nop())
	var opts RouterOptions
	for _, fn := range configure {
		fn(h, &opts)
	}
	return NewRouter(h, opts)
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func applyHTTP(t *testing.T, r http.Handler, txID, customer string, amount int64) TransactionDTO {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/api/transactions", ApplyRequest{
		TransactionID: txID,
		CustomerID:    customer,
		Amount:        decimal.NewFromInt(amount),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[TransactionDTO](t, rec)
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "expected %d, got %s", want, got)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestApplyTransaction_CreatesCustomerWithTier(t *testing.T) {
	// GIVEN: A fresh engine
	r := newTestRouter(t)

	// WHEN: Two credits are applied
	tx := applyHTTP(t, r, "pos-1", "alice", 1500)
	applyHTTP(t, r, "pos-2", "alice", 2700)

	// THEN: The transaction echoes back and the status shows tier 2
	assert.Equal(t, "pos-1", tx.ID)
	assert.Equal(t, "credit", tx.Kind)
	assert.Equal(t, []string{}, tx.Attachments)

	rec := do(t, r, http.MethodGet, "/api/customers/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[CustomerStatusDTO](t, rec)
	assertDecimal(t, 4200, st.LifetimeSpend)
	assert.Equal(t, 2, st.CurrentTier.Level)
	require.NotNil(t, st.NextTier)
	assert.Equal(t, 3, st.NextTier.Level)
	require.NotNil(t, st.SpendToNext)
	assertDecimal(t, 5800, *st.SpendToNext)
}

func TestApplyTransaction_Errors(t *testing.T) {
	r := newTestRouter(t)
	applyHTTP(t, r, "pos-1", "alice", 100)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"zero amount", ApplyRequest{CustomerID: "alice", Amount: decimal.Zero}, http.StatusBadRequest, "invalid_amount"},
		{"negative amount", ApplyRequest{CustomerID: "alice", Amount: decimal.NewFromInt(-5)}, http.StatusBadRequest, "invalid_amount"},
		{"duplicate id", ApplyRequest{TransactionID: "pos-1", CustomerID: "alice", Amount: decimal.NewFromInt(1)}, http.StatusConflict, "duplicate"},
		{"blank customer", ApplyRequest{CustomerID: "  ", Amount: decimal.NewFromInt(10)}, http.StatusBadRequest, "id_required"},
		{"malformed body", "{not json", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/api/transactions", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
			}
		})
	}

	// Rejected requests left the ledger alone
	rec := do(t, r, http.MethodGet, "/api/customers/alice/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]TransactionDTO](t, rec), 1)
}

func TestRevertTransaction(t *testing.T) {
	// GIVEN: Two credits for bob
	r := newTestRouter(t)
	applyHTTP(t, r, "t1", "bob", 3000)
	applyHTTP(t, r, "t2", "bob", 2000)

	// WHEN: One is reverted twice
	rec := do(t, r, http.MethodDelete, "/api/transactions/t2", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, r, http.MethodDelete, "/api/transactions/t2", nil)

	// THEN: The second revert is a 404 and spend reflects one revert
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[ErrorResponse](t, rec).Code)

	st := decodeBody[CustomerStatusDTO](t, do(t, r, http.MethodGet, "/api/customers/bob", nil))
	assertDecimal(t, 3000, st.LifetimeSpend)
	assert.Equal(t, 1, st.Tier.Level)
}

func TestEditAndChangeAmount(t *testing.T) {
	r := newTestRouter(t)
	applyHTTP(t, r, "t1", "carol", 2000)

	rec := do(t, r, http.MethodPatch, "/api/transactions/t1", EditRequest{Note: "receipt attached", Attachments: []string{"r.png"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decodeBody[TransactionDTO](t, rec)
	assert.Equal(t, "receipt attached", edited.Note)
	assert.Equal(t, []string{"r.png"}, edited.Attachments)
	assertDecimal(t, 2000, edited.Amount)

	rec = do(t, r, http.MethodPut, "/api/transactions/t1/amount", ChangeAmountRequest{Amount: decimal.NewFromInt(500)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replaced := decodeBody[TransactionDTO](t, rec)
	assert.NotEqual(t, "t1", replaced.ID)
	assertDecimal(t, 500, replaced.Amount)

	st := decodeBody[CustomerStatusDTO](t, do(t, r, http.MethodGet, "/api/customers/carol", nil))
	assertDecimal(t, 500, st.LifetimeSpend)

	rec = do(t, r, http.MethodPatch, "/api/transactions/missing", EditRequest{Note: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func TestGetCustomer_NotFound(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/customers/ghost", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/customers/ghost/transactions", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/api/customers/ghost/recompute", nil).Code)
}

func TestGetQuote(t *testing.T) {
	// GIVEN: A tier 2 customer (10% off)
	r := newTestRouter(t)
	applyHTTP(t, r, "t1", "alice", 4200)

	// WHEN: Quoting 999
	rec := do(t, r, http.MethodGet, "/api/customers/alice/quote?price=999", nil)

	// THEN: 899.1 is floored to 899
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q := decodeBody[QuoteDTO](t, rec)
	assertDecimal(t, 999, q.Price)
	assertDecimal(t, 899, q.Discounted)
	assert.Equal(t, 2, q.Tier.Level)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/customers/alice/quote?price=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/customers/alice/quote", nil).Code)
}

func TestAdjustCustomer(t *testing.T) {
	// GIVEN: A customer at 4200
	r := newTestRouter(t)
	applyHTTP(t, r, "t1", "dave", 4200)

	// WHEN: Support sets the spend to 12000
	rec := do(t, r, http.MethodPost, "/api/customers/dave/adjustments", AdjustRequest{
		TargetSpend: decimal.NewFromInt(12000),
		Reason:      "migrated from legacy system",
		Actor:       "support-7",
	})

	// THEN: An adjustment entry carries the delta and the tier follows
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	adj := decodeBody[TransactionDTO](t, rec)
	assert.Equal(t, "adjustment", adj.Kind)
	assertDecimal(t, 7800, adj.Amount)

	st := decodeBody[CustomerStatusDTO](t, do(t, r, http.MethodGet, "/api/customers/dave", nil))
	assertDecimal(t, 12000, st.LifetimeSpend)
	assert.Equal(t, 3, st.Tier.Level)

	rec = do(t, r, http.MethodPost, "/api/customers/dave/adjustments", AdjustRequest{TargetSpend: decimal.NewFromInt(1)})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = do(t, r, http.MethodPost, "/api/customers/dave/adjustments", AdjustRequest{
		TargetSpend: decimal.NewFromInt(-1),
		Reason:      "typo",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTiersAndStats(t *testing.T) {
	r := newTestRouter(t)
	applyHTTP(t, r, "t1", "a", 500)
	applyHTTP(t, r, "t2", "b", 1500)
	applyHTTP(t, r, "t3", "c", 1200)

	tiers := decodeBody[[]TierDTO](t, do(t, r, http.MethodGet, "/api/tiers", nil))
	require.Len(t, tiers, 11)
	assert.Equal(t, 0, tiers[0].Level)

	stats := decodeBody[[]TierCountDTO](t, do(t, r, http.MethodGet, "/api/stats/tiers", nil))
	counts := make(map[int]int)
	for _, s := range stats {
		counts[s.Level] = s.Customers
	}
	assert.Equal(t, 1, counts[0])
	assert.Equal(t, 2, counts[1])

	customers := decodeBody[[]CustomerDTO](t, do(t, r, http.MethodGet, "/api/customers", nil))
	assert.Len(t, customers, 3)
}

// =============================================================================
// RANKING
// =============================================================================

type failingBoard struct{}

func (failingBoard) Top(context.Context, int) ([]leaderboard.Entry, error) {
	return nil, errors.New("redis: connection refused")
}

type fixedBoard []leaderboard.Entry

func (b fixedBoard) Top(_ context.Context, limit int) ([]leaderboard.Entry, error) {
	if limit < len(b) {
		return b[:limit], nil
	}
	return b, nil
}

func TestRanking_FromStore(t *testing.T) {
	r := newTestRouter(t)
	applyHTTP(t, r, "t1", "low", 100)
	applyHTTP(t, r, "t2", "high", 90000)
	applyHTTP(t, r, "t3", "mid", 5000)

	rec := do(t, r, http.MethodGet, "/api/ranking?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ranking := decodeBody[[]RankingEntryDTO](t, rec)
	require.Len(t, ranking, 2)
	assert.Equal(t, "high", ranking[0].CustomerID)
	assert.Equal(t, 1, ranking[0].Rank)
	require.NotNil(t, ranking[0].TierLevel)
	assert.Equal(t, 6, *ranking[0].TierLevel)
	assert.Equal(t, "mid", ranking[1].CustomerID)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/ranking?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/ranking?limit=ten", nil).Code)
}

func TestRanking_Leaderboard(t *testing.T) {
	// GIVEN: Two customers in the store and a leaderboard whose float scores
	//        have drifted, plus one id the store no longer knows
	r := newTestRouter(t, func(h *Handler, _ *RouterOptions) {
		h.Leaderboard = fixedBoard{
			{CustomerID: "bea", Spend: decimal.NewFromFloat(4500.1000000001)},
			{CustomerID: "purged", Spend: decimal.NewFromFloat(3000)},
			{CustomerID: "carl", Spend: decimal.NewFromFloat(1200.4999999)},
		}
	})
	for _, req := range []ApplyRequest{
		{CustomerID: "bea", Name: "Bea", Amount: decimal.RequireFromString("4500.10")},
		{CustomerID: "carl", Name: "Carl", Amount: decimal.RequireFromString("1200.50")},
	} {
		require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/transactions", req).Code)
	}

	// WHEN: The ranking is read
	rec := do(t, r, http.MethodGet, "/api/ranking", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ranking := decodeBody[[]RankingEntryDTO](t, rec)

	// THEN: The leaderboard order is kept, rows carry the stored spend, name
	//       and tier, and the unknown id is skipped
	require.Len(t, ranking, 2)

	assert.Equal(t, 1, ranking[0].Rank)
	assert.Equal(t, "bea", ranking[0].CustomerID)
	assert.Equal(t, "Bea", ranking[0].Name)
	assert.Equal(t, "4500.1", ranking[0].LifetimeSpend.String())
	require.NotNil(t, ranking[0].TierLevel)
	assert.Equal(t, 2, *ranking[0].TierLevel)

	assert.Equal(t, 2, ranking[1].Rank)
	assert.Equal(t, "carl", ranking[1].CustomerID)
	assert.Equal(t, "Carl", ranking[1].Name)
	assert.Equal(t, "1200.5", ranking[1].LifetimeSpend.String())
	require.NotNil(t, ranking[1].TierLevel)
	assert.Equal(t, 1, *ranking[1].TierLevel)
}

func TestRanking_LeaderboardDownFallsBack(t *testing.T) {
	r := newTestRouter(t, func(h *Handler, _ *RouterOptions) { h.Leaderboard = failingBoard{} })
	applyHTTP(t, r, "t1", "alice", 100)

	rec := do(t, r, http.MethodGet, "/api/ranking", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ranking := decodeBody[[]RankingEntryDTO](t, rec)
	require.Len(t, ranking, 1)
	assert.Equal(t, "alice", ranking[0].CustomerID)
}

// =============================================================================
// SERVICES / REVIEWS
// =============================================================================

func TestReviews_Lifecycle(t *testing.T) {
	// GIVEN: A registered service
	r := newTestRouter(t)
	rec := do(t, r, http.MethodPost, "/api/services", RegisterServiceRequest{ID: "spa", Title: "Day spa"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[ServiceDTO](t, rec).Rating.Valid, "new service is unrated")

	// WHEN: Two reviews are added
	rec = do(t, r, http.MethodPost, "/api/services/spa/reviews", ReviewRequest{ID: "r1", AuthorID: "alice", Star: 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, r, http.MethodPost, "/api/services/spa/reviews", ReviewRequest{ID: "r2", AuthorID: "bob", Star: 4})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: The rating is their average
	svc := decodeBody[ServiceDTO](t, do(t, r, http.MethodGet, "/api/services/spa", nil))
	require.True(t, svc.Rating.Valid)
	assert.True(t, svc.Rating.Decimal.Equal(decimal.RequireFromString("4.5")), "got %s", svc.Rating.Decimal)
	assert.Equal(t, 2, svc.ReviewCount)
	assert.Len(t, svc.Reviews, 2)

	// AND: Removing both reviews clears it
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/api/services/spa/reviews/r1", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/api/services/spa/reviews/r2", nil).Code)
	svc = decodeBody[ServiceDTO](t, do(t, r, http.MethodGet, "/api/services/spa", nil))
	assert.False(t, svc.Rating.Valid)
	assert.Zero(t, svc.ReviewCount)

	rec = do(t, r, http.MethodGet, "/api/services/spa", nil)
	assert.True(t, strings.Contains(rec.Body.String(), `"rating":null`), rec.Body.String())
}

func TestReviews_Errors(t *testing.T) {
	r := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/services", RegisterServiceRequest{ID: "spa"}).Code)

	rec := do(t, r, http.MethodPost, "/api/services/spa/reviews", ReviewRequest{Star: 6})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_rating", decodeBody[ErrorResponse](t, rec).Code)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/api/services/nope/reviews", ReviewRequest{Star: 3}).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/services/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodDelete, "/api/services/spa/reviews/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/services", RegisterServiceRequest{ID: "  "}).Code)
}

// =============================================================================
// HEALTH / METRICS
// =============================================================================

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		ping   Pinger
		status int
	}{
		{"no pinger", nil, http.StatusOK},
		{"healthy", pingFunc(func(context.Context) error { return nil }), http.StatusOK},
		{"store down", pingFunc(func(context.Context) error {
			return loyalty.Unavailable("ping", errors.New("unable to open database file"))
		}), http.StatusServiceUnavailable},
		{"other failure", pingFunc(func(context.Context) error { return errors.New("boom") }), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, func(h *Handler, _ *RouterOptions) { h.Health = tt.ping })
			assert.Equal(t, tt.status, do(t, r, http.MethodGet, "/healthz", nil).Code)
		})
	}
}

func TestRouter_OptionalRoutes(t *testing.T) {
	r := newTestRouter(t)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/metrics", nil).Code)

	r = newTestRouter(t, func(_ *Handler, opts *RouterOptions) {
		opts.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("loyalty_operations_total 0\n"))
		})
	})
	rec := do(t, r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loyalty_operations_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{loyalty.ErrCustomerNotFound, http.StatusNotFound, "not_found"},
		{&loyalty.InvalidAmountError{Amount: decimal.Zero, Reason: "must be positive"}, http.StatusBadRequest, "invalid_amount"},
		{loyalty.ErrInvalidRating, http.StatusBadRequest, "invalid_rating"},
		{&loyalty.MissingIDError{Field: "customer"}, http.StatusBadRequest, "id_required"},
		{loyalty.ErrDuplicateReview, http.StatusConflict, "duplicate"},
		{&loyalty.ConflictError{Key: "customer:a", Expected: 1, Actual: 3}, http.StatusConflict, "conflict"},
		{loyalty.Unavailable("get", errors.New("locked")), http.StatusServiceUnavailable, "store_unavailable"},
		{errors.New("surprise"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, code := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
