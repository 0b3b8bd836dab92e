/*
rating.go - Rating Aggregate Engine

PURPOSE:
  Same problem as the spend aggregate, different numbers: a Service's average
  star rating is derived from a review list that reviewers can add to and
  delete from at any time.

RECOMPUTE RULE:
  The average is always recomputed from the complete remaining review set,
  never adjusted incrementally, so it cannot drift:

    rating = round(sum(star) / n, 1)     n > 0
    rating = no rating, count = 0        n == 0

  Rounding is half away from zero (4.25 -> 4.3).

SEE ALSO:
  - engine.go: The spend sibling
  - core.go: Locking, retries and change feed publishing
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type RatingEngine struct {
	core
}

func NewRatingEngine(store TxStore, opts ...Option) *RatingEngine {
	return &RatingEngine{core: newCore(store, opts)}
}

func serviceKey(id ServiceID) string { return "service:" + string(id) }

// RegisterService creates a service or renames an existing one. The rating
// is left as it is.
func (r *RatingEngine) RegisterService(ctx context.Context, id ServiceID, title string) (svc Service, err error) {
	ctx, finish := r.start(ctx, "RegisterService", attribute.String("service.id", string(id)))
	defer finish(&err)

	id = ServiceID(strings.TrimSpace(string(id)))
	if id == "" {
		return Service{}, &MissingIDError{Field: "service"}
	}

	err = r.mutate(ctx, "RegisterService", serviceKey(id), func(s Store) ([]Event, error) {
		cur, err := s.GetService(ctx, id)
		if errors.Is(err, ErrServiceNotFound) {
			cur, err = Service{ID: id}, nil
		}
		if err != nil {
			return nil, err
		}
		next := cur
		next.Title = title
		next.Version = cur.Version + 1
		next.UpdatedAt = r.now()
		if err := s.SaveService(ctx, next, cur.Version); err != nil {
			return nil, err
		}
		svc = next
		return nil, nil
	})
	return svc, err
}

// Service returns a service and its reviews, oldest first.
func (r *RatingEngine) Service(ctx context.Context, id ServiceID) (Service, []Review, error) {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return Service{}, nil, err
	}
	reviews, err := r.store.ListReviews(ctx, id)
	if err != nil {
		return Service{}, nil, err
	}
	return svc, reviews, nil
}

// AddReview stores a review and recomputes the service rating.
func (r *RatingEngine) AddReview(ctx context.Context, id ServiceID, review Review) (out Review, err error) {
	ctx, finish := r.start(ctx, "AddReview", attribute.String("service.id", string(id)))
	defer finish(&err)

	if review.Star < MinStar || review.Star > MaxStar {
		return Review{}, fmt.Errorf("%w: star %d outside [%d, %d]", ErrInvalidRating, review.Star, MinStar, MaxStar)
	}
	review.ServiceID = id
	if review.ID == "" {
		review.ID = ReviewID(r.newID())
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = r.now()
	}

	err = r.mutate(ctx, "AddReview", serviceKey(id), func(s Store) ([]Event, error) {
		cur, err := s.GetService(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.InsertReview(ctx, review); err != nil {
			return nil, err
		}
		next, err := r.recomputeRating(ctx, s, cur)
		if err != nil {
			return nil, err
		}
		return []Event{RatingEvent(next)}, nil
	})
	if err != nil {
		return Review{}, err
	}
	return review, nil
}

// RemoveReview deletes a review of the service and recomputes its rating.
// A review that does not belong to the service is reported as not found.
func (r *RatingEngine) RemoveReview(ctx context.Context, id ServiceID, reviewID ReviewID) (err error) {
	ctx, finish := r.start(ctx, "RemoveReview",
		attribute.String("service.id", string(id)),
		attribute.String("review.id", string(reviewID)))
	defer finish(&err)

	return r.mutate(ctx, "RemoveReview", serviceKey(id), func(s Store) ([]Event, error) {
		review, err := s.GetReview(ctx, reviewID)
		if err != nil {
			return nil, err
		}
		if review.ServiceID != id {
			return nil, fmt.Errorf("review %s of service %s: %w", reviewID, id, ErrReviewNotFound)
		}
		cur, err := s.GetService(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.DeleteReview(ctx, reviewID); err != nil {
			return nil, err
		}
		next, err := r.recomputeRating(ctx, s, cur)
		if err != nil {
			return nil, err
		}
		return []Event{RatingEvent(next)}, nil
	})
}

// RecomputeRating rebuilds a service rating from its stored reviews.
func (r *RatingEngine) RecomputeRating(ctx context.Context, id ServiceID) (svc Service, err error) {
	ctx, finish := r.start(ctx, "RecomputeRating", attribute.String("service.id", string(id)))
	defer finish(&err)

	err = r.mutate(ctx, "RecomputeRating", serviceKey(id), func(s Store) ([]Event, error) {
		cur, err := s.GetService(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := r.recomputeRating(ctx, s, cur)
		if err != nil {
			return nil, err
		}
		svc = next
		return []Event{RatingEvent(next)}, nil
	})
	return svc, err
}

func (r *RatingEngine) recomputeRating(ctx context.Context, s Store, cur Service) (Service, error) {
	reviews, err := s.ListReviews(ctx, cur.ID)
	if err != nil {
		return Service{}, err
	}
	next := cur
	next.Rating, next.ReviewCount = AverageRating(reviews)
	next.Version = cur.Version + 1
	next.UpdatedAt = r.now()
	if err := s.SaveService(ctx, next, cur.Version); err != nil {
		return Service{}, err
	}
	return next, nil
}

// AverageRating returns the mean star rounded to one decimal place, or an
// invalid NullDecimal when there are no reviews.
func AverageRating(reviews []Review) (decimal.NullDecimal, int) {
	if len(reviews) == 0 {
		return decimal.NullDecimal{}, 0
	}
	var sum int64
	for _, rv := range reviews {
		sum += int64(rv.Star)
	}
	n := int64(len(reviews))
	avg := decimal.NewFromInt(sum).DivRound(decimal.NewFromInt(n), 1)
	return decimal.NewNullDecimal(avg), len(reviews)
}
