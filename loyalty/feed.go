/*
feed.go - Change Feed contract

PURPOSE:
  The engine announces every aggregate change as an Event after the write has
  committed. Subscribers (dashboards, leaderboards, logs) receive snapshots;
  the engine does not know or care how they are transported.

DELIVERY:
  - Events are published after commit, never before
  - A failed publish does not undo the write; it is logged and counted
  - Snapshots are complete, so subscribers never need to diff

ADAPTERS:
  - feed/kafkafeed: log-based change feed on a Kafka topic
  - feed/wsfeed:    WebSocket push to connected dashboards
  - feed/leaderboard: Redis sorted set used by the ranking endpoint

SEE ALSO:
  - engine.go, rating.go: Publishers of these events
*/
package loyalty

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventCustomerUpdated EventType = "customer.updated"
	EventRatingUpdated   EventType = "rating.updated"
)

// CustomerSnapshot is the outbound view of a customer aggregate.
type CustomerSnapshot struct {
	CustomerID    CustomerID      `json:"customer_id"`
	LifetimeSpend decimal.Decimal `json:"lifetime_spend"`
	TierLevel     int             `json:"tier_level"`
	TierDiscount  decimal.Decimal `json:"tier_discount"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RatingSnapshot is the outbound view of a service rating.
// Rating is null when the service has no reviews.
type RatingSnapshot struct {
	ServiceID   ServiceID           `json:"service_id"`
	Rating      decimal.NullDecimal `json:"rating"`
	ReviewCount int                 `json:"review_count"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Event carries exactly one of Customer or Service.
type Event struct {
	Type     EventType         `json:"type"`
	At       time.Time         `json:"at"`
	Customer *CustomerSnapshot `json:"customer,omitempty"`
	Service  *RatingSnapshot   `json:"service,omitempty"`
}

// Key is the aggregate identity, used for partitioning.
func (e Event) Key() string {
	switch {
	case e.Customer != nil:
		return string(e.Customer.CustomerID)
	case e.Service != nil:
		return string(e.Service.ServiceID)
	}
	return ""
}

func CustomerEvent(c Customer) Event {
	return Event{
		Type: EventCustomerUpdated,
		At:   c.LastUpdated,
		Customer: &CustomerSnapshot{
			CustomerID:    c.ID,
			LifetimeSpend: c.LifetimeSpend,
			TierLevel:     c.Tier.Level,
			TierDiscount:  c.Tier.DiscountPercent,
			UpdatedAt:     c.LastUpdated,
		},
	}
}

func RatingEvent(s Service) Event {
	return Event{
		Type: EventRatingUpdated,
		At:   s.UpdatedAt,
		Service: &RatingSnapshot{
			ServiceID:   s.ID,
			Rating:      s.Rating,
			ReviewCount: s.ReviewCount,
			UpdatedAt:   s.UpdatedAt,
		},
	}
}

// Publisher receives committed aggregate changes.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// =============================================================================
// BROADCASTER - Fan-out to several subscribers
// =============================================================================

// Broadcaster delivers each event to every subscriber in subscription order.
// One failing subscriber does not stop delivery to the others.
type Broadcaster struct {
	mu   sync.RWMutex
	subs []Publisher
}

func NewBroadcaster(subs ...Publisher) *Broadcaster {
	return &Broadcaster{subs: subs}
}

func (b *Broadcaster) Subscribe(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, p)
}

func (b *Broadcaster) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// RECORDER - In-memory subscriber
// =============================================================================

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
