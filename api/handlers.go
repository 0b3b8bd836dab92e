/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the aggregate and rating engines via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engines.

ENDPOINTS:
  Tiers:
    GET    /api/tiers                          Tier table
    GET    /api/stats/tiers                    Customers per tier

  Customers:
    GET    /api/customers                      List customers
    GET    /api/customers/{id}                 Customer + next-tier progress
    GET    /api/customers/{id}/transactions    History, newest first
    GET    /api/customers/{id}/quote?price=    Discounted price
    POST   /api/customers/{id}/adjustments     Administrative spend override
    POST   /api/customers/{id}/recompute       Re-derive stored tier

  Transactions:
    POST   /api/transactions                   Record a credit
    PATCH  /api/transactions/{id}              Edit note / attachments
    PUT    /api/transactions/{id}/amount       Change amount (delete + recreate)
    DELETE /api/transactions/{id}              Revert

  Ranking:
    GET    /api/ranking?limit=                 Top customers by spend

  Services:
    POST   /api/services                       Register a service
    GET    /api/services/{id}                  Service, rating and reviews
    POST   /api/services/{id}/reviews          Add review
    DELETE /api/services/{id}/reviews/{reviewID} Remove review

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: spend aggregate and tiers
  - Ratings: service ratings
  - Leaderboard: optional Redis ranking order, rows read from the store

ERROR HANDLING:
  Engine errors are mapped by errors.go:
  - 400: Invalid amount, invalid rating, missing id, malformed body
  - 404: Unknown customer, transaction, service or review
  - 409: Duplicate id; version conflict (retryable: true)
  - 503: Store unavailable
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/feed/leaderboard"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

const maxBodyBytes = 1 << 20

// Leaderboard orders the ranking when configured. Its scores are not served.
type Leaderboard interface {
	Top(ctx context.Context, limit int) ([]leaderboard.Entry, error)
}

// Pinger reports store health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine      *loyalty.Engine
	Ratings     *loyalty.RatingEngine
	Leaderboard Leaderboard // optional
	Health      Pinger      // optional
	Logger      zerolog.Logger
}

func NewHandler(engine *loyalty.Engine, ratings *loyalty.RatingEngine, logger zerolog.Logger) *Handler {
	return &Handler{Engine: engine, Ratings: ratings, Logger: logger}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// =============================================================================
// TIER ENDPOINTS
// =============================================================================

func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers := h.Engine.Tiers().Tiers()
	out := make([]TierDTO, len(tiers))
	for i, t := range tiers {
		out[i] = toTierDTO(t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) TierStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Engine.TierDistribution(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to compute tier distribution", err)
		return
	}
	out := make([]TierCountDTO, len(counts))
	for i, c := range counts {
		out[i] = TierCountDTO{TierDTO: toTierDTO(c.Tier), Customers: c.Customers}
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// CUSTOMER ENDPOINTS
// =============================================================================

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Engine.Customers(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Failed to list customers", err)
		return
	}
	out := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		out[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := loyalty.CustomerID(chi.URLParam(r, "id"))
	st, err := h.Engine.Status(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(st))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loyalty.CustomerID(chi.URLParam(r, "id"))

	if _, err := h.Engine.Customer(ctx, id); err != nil {
		h.writeEngineError(w, r, "Failed to get customer", err)
		return
	}
	txs, err := h.Engine.Transactions(ctx, id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list transactions", err)
		return
	}
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	id := loyalty.CustomerID(chi.URLParam(r, "id"))
	price, err := decimal.NewFromString(r.URL.Query().Get("price"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price", err)
		return
	}
	q, err := h.Engine.Quote(r.Context(), id, price)
	if err != nil {
		h.writeEngineError(w, r, "Failed to quote price", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteDTO{
		CustomerID: string(id),
		Price:      q.Price,
		Discounted: q.Discounted,
		Tier:       toTierDTO(q.Tier),
	})
}

func (h *Handler) AdjustCustomer(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "Reason is required", nil)
		return
	}

	tx, err := h.Engine.Adjust(r.Context(), loyalty.AdjustInput{
		CustomerID:  loyalty.CustomerID(chi.URLParam(r, "id")),
		TargetSpend: req.TargetSpend,
		Reason:      req.Reason,
		Actor:       req.Actor,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to adjust spend", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) RecomputeCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.RecomputeTier(r.Context(), loyalty.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to recompute tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

func (h *Handler) ApplyTransaction(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if !decode(w, r, &req) {
		return
	}

	in := loyalty.ApplyInput{
		TransactionID: loyalty.TransactionID(req.TransactionID),
		CustomerID:    loyalty.CustomerID(req.CustomerID),
		Name:          req.Name,
		Amount:        req.Amount,
		Metadata:      loyalty.Metadata{Note: req.Note, Attachments: req.Attachments},
		CreatedBy:     req.CreatedBy,
	}
	if req.CreatedAt != nil {
		in.CreatedAt = req.CreatedAt.UTC()
	}

	tx, err := h.Engine.Apply(r.Context(), in)
	if err != nil {
		h.writeEngineError(w, r, "Failed to apply transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) EditTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loyalty.TransactionID(chi.URLParam(r, "id"))

	var req EditRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Engine.Edit(ctx, id, loyalty.Metadata{Note: req.Note, Attachments: req.Attachments}); err != nil {
		h.writeEngineError(w, r, "Failed to edit transaction", err)
		return
	}
	tx, err := h.Engine.Transaction(ctx, id)
	if err != nil {
		h.writeEngineError(w, r, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (h *Handler) ChangeAmount(w http.ResponseWriter, r *http.Request) {
	var req ChangeAmountRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.Engine.ChangeAmount(r.Context(), loyalty.TransactionID(chi.URLParam(r, "id")), req.Amount)
	if err != nil {
		h.writeEngineError(w, r, "Failed to change amount", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (h *Handler) RevertTransaction(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Revert(r.Context(), loyalty.TransactionID(chi.URLParam(r, "id"))); err != nil {
		h.writeEngineError(w, r, "Failed to revert transaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RANKING
// =============================================================================

func (h *Handler) Ranking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := loyalty.DefaultRankingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	if h.Leaderboard != nil {
		out, err := h.leaderboardRanking(ctx, limit)
		if err == nil {
			writeJSON(w, http.StatusOK, out)
			return
		}
		h.Logger.Warn().Err(err).Msg("leaderboard unavailable, ranking from store")
	}

	customers, err := h.Engine.Ranking(ctx, limit)
	if err != nil {
		h.writeEngineError(w, r, "Failed to rank customers", err)
		return
	}
	out := make([]RankingEntryDTO, len(customers))
	for i, c := range customers {
		out[i] = toRankingEntryDTO(i+1, c)
	}
	writeJSON(w, http.StatusOK, out)
}

// leaderboardRanking takes the order from the leaderboard and every field
// from the store, so spend stays exact. Ids the store no longer knows are
// skipped.
func (h *Handler) leaderboardRanking(ctx context.Context, limit int) ([]RankingEntryDTO, error) {
	entries, err := h.Leaderboard.Top(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RankingEntryDTO, 0, len(entries))
	for _, e := range entries {
		c, err := h.Engine.Customer(ctx, e.CustomerID)
		if loyalty.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, toRankingEntryDTO(len(out)+1, c))
	}
	return out, nil
}

// =============================================================================
// SERVICE / REVIEW ENDPOINTS
// =============================================================================

func (h *Handler) RegisterService(w http.ResponseWriter, r *http.Request) {
	var req RegisterServiceRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "Service id is required", nil)
		return
	}
	svc, err := h.Ratings.RegisterService(r.Context(), loyalty.ServiceID(req.ID), req.Title)
	if err != nil {
		h.writeEngineError(w, r, "Failed to register service", err)
		return
	}
	writeJSON(w, http.StatusCreated, toServiceDTO(svc, nil))
}

func (h *Handler) GetService(w http.ResponseWriter, r *http.Request) {
	svc, reviews, err := h.Ratings.Service(r.Context(), loyalty.ServiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get service", err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDTO(svc, reviews))
}

func (h *Handler) AddReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serviceID := loyalty.ServiceID(chi.URLParam(r, "id"))

	var req ReviewRequest
	if !decode(w, r, &req) {
		return
	}
	review, err := h.Ratings.AddReview(ctx, serviceID, loyalty.Review{
		ID:         loyalty.ReviewID(req.ID),
		AuthorID:   req.AuthorID,
		AuthorName: req.AuthorName,
		Star:       req.Star,
		Comment:    req.Comment,
		Attachment: req.Attachment,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to add review", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReviewDTO(review))
}

func (h *Handler) RemoveReview(w http.ResponseWriter, r *http.Request) {
	err := h.Ratings.RemoveReview(r.Context(),
		loyalty.ServiceID(chi.URLParam(r, "id")),
		loyalty.ReviewID(chi.URLParam(r, "reviewID")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to remove review", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, loyalty.ErrStoreUnavailable) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
