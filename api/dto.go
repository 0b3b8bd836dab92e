/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal.Decimal, which encodes as a JSON string ("1500.50")
  and decodes from either a string or a number.

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// CUSTOMERS / TIERS
// =============================================================================

type TierDTO struct {
	Level           int             `json:"level"`
	MinSpend        decimal.Decimal `json:"min_spend"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

type CustomerDTO struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	LifetimeSpend decimal.Decimal `json:"lifetime_spend"`
	Tier          TierDTO         `json:"tier"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// CustomerStatusDTO is the dashboard view: where the customer is and how
// far the next tier is.
type CustomerStatusDTO struct {
	CustomerDTO
	CurrentTier TierDTO          `json:"current_tier"`
	NextTier    *TierDTO         `json:"next_tier,omitempty"`
	SpendToNext *decimal.Decimal `json:"spend_to_next,omitempty"`
}

type QuoteDTO struct {
	CustomerID string          `json:"customer_id"`
	Price      decimal.Decimal `json:"price"`
	Discounted decimal.Decimal `json:"discounted_price"`
	Tier       TierDTO         `json:"tier"`
}

type RankingEntryDTO struct {
	Rank          int             `json:"rank"`
	CustomerID    string          `json:"customer_id"`
	Name          string          `json:"name,omitempty"`
	LifetimeSpend decimal.Decimal `json:"lifetime_spend"`
	TierLevel     *int            `json:"tier_level,omitempty"`
}

func toRankingEntryDTO(rank int, c loyalty.Customer) RankingEntryDTO {
	level := c.Tier.Level
	return RankingEntryDTO{
		Rank:          rank,
		CustomerID:    string(c.ID),
		Name:          c.Name,
		LifetimeSpend: c.LifetimeSpend,
		TierLevel:     &level,
	}
}

type TierCountDTO struct {
	TierDTO
	Customers int `json:"customers"`
}

// AdjustRequest sets a customer's lifetime spend to TargetSpend.
type AdjustRequest struct {
	TargetSpend decimal.Decimal `json:"target_spend"`
	Reason      string          `json:"reason"`
	Actor       string          `json:"actor"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customer_id"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        string          `json:"kind"`
	Note        string          `json:"note,omitempty"`
	Attachments []string        `json:"attachments"`
	CreatedAt   time.Time       `json:"created_at"`
	RecordedAt  time.Time       `json:"recorded_at"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

// ApplyRequest records a credit. TransactionID is optional; supplying one
// makes retries safe.
type ApplyRequest struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	CustomerID    string          `json:"customer_id"`
	Name          string          `json:"name,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Note          string          `json:"note,omitempty"`
	Attachments   []string        `json:"attachments,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
}

// EditRequest replaces a transaction's note and attachments.
type EditRequest struct {
	Note        string   `json:"note"`
	Attachments []string `json:"attachments"`
}

type ChangeAmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// =============================================================================
// SERVICES / REVIEWS
// =============================================================================

type RegisterServiceRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type ServiceDTO struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Rating      decimal.NullDecimal `json:"rating"` // null when unrated
	ReviewCount int                 `json:"review_count"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Reviews     []ReviewDTO         `json:"reviews,omitempty"`
}

type ReviewRequest struct {
	ID         string `json:"id,omitempty"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Star       int    `json:"star"`
	Comment    string `json:"comment"`
	Attachment string `json:"attachment,omitempty"`
}

type ReviewDTO struct {
	ID         string    `json:"id"`
	ServiceID  string    `json:"service_id"`
	AuthorID   string    `json:"author_id,omitempty"`
	AuthorName string    `json:"author_name,omitempty"`
	Star       int       `json:"star"`
	Comment    string    `json:"comment,omitempty"`
	Attachment string    `json:"attachment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toTierDTO(t loyalty.Tier) TierDTO {
	return TierDTO{Level: t.Level, MinSpend: t.MinSpend, DiscountPercent: t.DiscountPercent}
}

func toCustomerDTO(c loyalty.Customer) CustomerDTO {
	return CustomerDTO{
		ID:            string(c.ID),
		Name:          c.Name,
		LifetimeSpend: c.LifetimeSpend,
		Tier:          toTierDTO(c.Tier),
		Version:       c.Version,
		CreatedAt:     c.CreatedAt,
		LastUpdated:   c.LastUpdated,
	}
}

func toStatusDTO(st loyalty.Status) CustomerStatusDTO {
	dto := CustomerStatusDTO{
		CustomerDTO: toCustomerDTO(st.Customer),
		CurrentTier: toTierDTO(st.Tier),
	}
	if st.Next != nil {
		next := toTierDTO(*st.Next)
		needed := st.Needed
		dto.NextTier = &next
		dto.SpendToNext = &needed
	}
	return dto
}

func toTransactionDTO(tx loyalty.Transaction) TransactionDTO {
	attachments := tx.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return TransactionDTO{
		ID:          string(tx.ID),
		CustomerID:  string(tx.CustomerID),
		Amount:      tx.Amount,
		Kind:        string(tx.Kind),
		Note:        tx.Note,
		Attachments: attachments,
		CreatedAt:   tx.CreatedAt,
		RecordedAt:  tx.RecordedAt,
		CreatedBy:   tx.CreatedBy,
	}
}

func toServiceDTO(s loyalty.Service, reviews []loyalty.Review) ServiceDTO {
	dto := ServiceDTO{
		ID:          string(s.ID),
		Title:       s.Title,
		Rating:      s.Rating,
		ReviewCount: s.ReviewCount,
		UpdatedAt:   s.UpdatedAt,
	}
	for _, r := range reviews {
		dto.Reviews = append(dto.Reviews, toReviewDTO(r))
	}
	return dto
}

func toReviewDTO(r loyalty.Review) ReviewDTO {
	return ReviewDTO{
		ID:         string(r.ID),
		ServiceID:  string(r.ServiceID),
		AuthorID:   r.AuthorID,
		AuthorName: r.AuthorName,
		Star:       r.Star,
		Comment:    r.Comment,
		Attachment: r.Attachment,
		CreatedAt:  r.CreatedAt,
	}
}
