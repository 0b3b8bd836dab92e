package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/warp/loyalty-engine/loyalty"
)

// statusFor maps engine errors to HTTP status and a stable error code.
//
//	not found              404
//	invalid amount/rating  400
//	missing id             400
//	duplicate id           409
//	version conflict       409, retryable
//	store unavailable      503
//	anything else          500
func statusFor(err error) (status int, code string) {
	switch {
	case loyalty.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, loyalty.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, loyalty.ErrInvalidRating):
		return http.StatusBadRequest, "invalid_rating"
	case errors.Is(err, loyalty.ErrIDRequired):
		return http.StatusBadRequest, "id_required"
	case errors.Is(err, loyalty.ErrDuplicateTransaction), errors.Is(err, loyalty.ErrDuplicateReview):
		return http.StatusConflict, "duplicate"
	case loyalty.IsRetryable(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, loyalty.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeEngineError writes err with the status statusFor assigns it.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg(message)
	}
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		Code:      code,
		Details:   err.Error(),
		Retryable: loyalty.IsRetryable(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
