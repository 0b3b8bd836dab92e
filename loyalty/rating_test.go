package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

func newTestRatings(t *testing.T, opts ...loyalty.Option) *loyalty.RatingEngine {
	t.Helper()
	base := []loyalty.Option{
		loyalty.WithClock(func() time.Time { return epoch }),
		loyalty.WithIDGenerator(sequentialIDs()),
	}
	r := loyalty.NewRatingEngine(store.NewMemory(), append(base, opts...)...)
	_, err := r.RegisterService(context.Background(), "svcX", "Deep cleaning")
	require.NoError(t, err)
	return r
}

func review(t *testing.T, r *loyalty.RatingEngine, service string, star int) loyalty.Review {
	t.Helper()
	rv, err := r.AddReview(context.Background(), loyalty.ServiceID(service), loyalty.Review{AuthorID: "u1", Star: star})
	require.NoError(t, err)
	return rv
}

func assertRating(t *testing.T, want string, s loyalty.Service) {
	t.Helper()
	require.True(t, s.Rating.Valid, "expected a rating")
	assert.True(t, s.Rating.Decimal.Equal(decimal.RequireFromString(want)), "rating: want %s, got %s", want, s.Rating.Decimal)
}

func TestRating_Scenario4(t *testing.T) {
	// GIVEN: Reviews of 5 and 3 stars
	// WHEN: The 5 star review is removed
	// THEN: 4.0 over 2 reviews, then 3.0 over 1
	r := newTestRatings(t)
	ctx := context.Background()

	five := review(t, r, "svcX", 5)
	review(t, r, "svcX", 3)

	svc, reviews, err := r.Service(ctx, "svcX")
	require.NoError(t, err)
	assertRating(t, "4.0", svc)
	assert.Equal(t, 2, svc.ReviewCount)
	assert.Len(t, reviews, 2)

	require.NoError(t, r.RemoveReview(ctx, "svcX", five.ID))
	svc, _, err = r.Service(ctx, "svcX")
	require.NoError(t, err)
	assertRating(t, "3.0", svc)
	assert.Equal(t, 1, svc.ReviewCount)
}

func TestRating_LastReviewRemoved_NoRating(t *testing.T) {
	r := newTestRatings(t)
	ctx := context.Background()

	only := review(t, r, "svcX", 4)
	require.NoError(t, r.RemoveReview(ctx, "svcX", only.ID))

	svc, reviews, err := r.Service(ctx, "svcX")
	require.NoError(t, err)
	assert.False(t, svc.Rating.Valid)
	assert.Zero(t, svc.ReviewCount)
	assert.Empty(t, reviews)
}

func TestRating_RoundsToOneDecimal(t *testing.T) {
	// 5 + 4 + 4 = 13 / 3 = 4.333 -> 4.3
	// 5 + 4 + 4 + 4 = 17 / 4 = 4.25 -> 4.3 (half away from zero)
	r := newTestRatings(t)
	ctx := context.Background()
	for _, star := range []int{5, 4, 4} {
		review(t, r, "svcX", star)
	}
	svc, _, err := r.Service(ctx, "svcX")
	require.NoError(t, err)
	assertRating(t, "4.3", svc)

	review(t, r, "svcX", 4)
	svc, _, err = r.Service(ctx, "svcX")
	require.NoError(t, err)
	assertRating(t, "4.3", svc)
}

func TestRating_Bound(t *testing.T) {
	// GIVEN: Any mix of valid stars
	// THEN: The rating stays within [1, 5]
	for _, stars := range [][]int{{1}, {5}, {1, 1, 1}, {5, 5, 1}, {2, 3, 4, 5, 1}} {
		reviews := make([]loyalty.Review, len(stars))
		for i, s := range stars {
			reviews[i] = loyalty.Review{Star: s}
		}
		rating, n := loyalty.AverageRating(reviews)
		require.True(t, rating.Valid)
		assert.Equal(t, len(stars), n)
		assert.True(t, rating.Decimal.GreaterThanOrEqual(decimal.NewFromInt(loyalty.MinStar)), "%v", stars)
		assert.True(t, rating.Decimal.LessThanOrEqual(decimal.NewFromInt(loyalty.MaxStar)), "%v", stars)
	}
}

func TestRating_InvalidStar(t *testing.T) {
	r := newTestRatings(t)
	for _, star := range []int{0, 6, -1} {
		_, err := r.AddReview(context.Background(), "svcX", loyalty.Review{Star: star})
		assert.ErrorIs(t, err, loyalty.ErrInvalidRating)
	}
	svc, _, err := r.Service(context.Background(), "svcX")
	require.NoError(t, err)
	assert.Zero(t, svc.ReviewCount)
}

func TestRating_NotFound(t *testing.T) {
	r := newTestRatings(t)
	ctx := context.Background()

	_, err := r.AddReview(ctx, "unknown", loyalty.Review{Star: 4})
	assert.ErrorIs(t, err, loyalty.ErrServiceNotFound)

	assert.ErrorIs(t, r.RemoveReview(ctx, "svcX", "missing"), loyalty.ErrReviewNotFound)

	// A review of another service is not found under this one.
	_, err = r.RegisterService(ctx, "svcY", "Windows")
	require.NoError(t, err)
	other := review(t, r, "svcY", 2)
	assert.ErrorIs(t, r.RemoveReview(ctx, "svcX", other.ID), loyalty.ErrReviewNotFound)

	svc, _, err := r.Service(ctx, "svcY")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.ReviewCount)
}

func TestRating_DuplicateReviewID(t *testing.T) {
	r := newTestRatings(t)
	ctx := context.Background()

	_, err := r.AddReview(ctx, "svcX", loyalty.Review{ID: "rv-1", Star: 5})
	require.NoError(t, err)
	_, err = r.AddReview(ctx, "svcX", loyalty.Review{ID: "rv-1", Star: 1})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateReview)

	svc, _, err := r.Service(ctx, "svcX")
	require.NoError(t, err)
	assertRating(t, "5.0", svc)
}

func TestRating_RegisterKeepsRating(t *testing.T) {
	r := newTestRatings(t)
	ctx := context.Background()
	review(t, r, "svcX", 5)

	svc, err := r.RegisterService(ctx, "svcX", "Deep cleaning (premium)")
	require.NoError(t, err)
	assert.Equal(t, "Deep cleaning (premium)", svc.Title)
	assertRating(t, "5.0", svc)

	_, err = r.RegisterService(ctx, " ", "blank")
	assert.ErrorIs(t, err, loyalty.ErrIDRequired)
	assert.True(t, loyalty.IsClientError(err))
	var missing *loyalty.MissingIDError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "service", missing.Field)
}

func TestRating_RecomputeAndEvents(t *testing.T) {
	rec := &loyalty.Recorder{}
	r := newTestRatings(t, loyalty.WithPublisher(rec))
	ctx := context.Background()

	review(t, r, "svcX", 2)
	svc, err := r.RecomputeRating(ctx, "svcX")
	require.NoError(t, err)
	assertRating(t, "2.0", svc)

	events := rec.Events()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, loyalty.EventRatingUpdated, ev.Type)
		assert.Equal(t, "svcX", ev.Key())
		require.NotNil(t, ev.Service)
		assert.Equal(t, 1, ev.Service.ReviewCount)
	}
}
