package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/services"
	"go.uber.org/zap"
)

const maxBodyBytes = 1_048_576

// decodeJSON reads exactly one JSON object into dst and validates it. It
// writes the error response itself and reports whether the handler may go on.
func decodeJSON(w http.ResponseWriter, r *http.Request, v *services.ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := v.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    data,
	})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
	}
	return userID, ok
}

// writeServiceError maps engine errors onto HTTP statuses. Conflicts and
// internal failures never leak driver details.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch services.ErrorKind(err) {
	case services.KindValidation:
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case services.KindState:
		status := http.StatusNotFound
		switch {
		case errors.Is(err, services.ErrInsufficientBalance):
			status = http.StatusPaymentRequired
		case errors.Is(err, services.ErrUnauthorized):
			status = http.StatusForbidden
		}
		services.SendErrorResponse(w, err.Error(), status, nil)
	case services.KindConflict:
		if errors.Is(err, services.ErrIdempotencyConflict) {
			services.SendErrorResponse(w, services.ErrIdempotencyConflict.Error(), http.StatusConflict, nil)
			return
		}
		w.Header().Set("Retry-After", "1")
		services.SendErrorResponse(w, services.ErrRetryableConflict.Error(), http.StatusServiceUnavailable, nil)
	default:
		logger.Error("request failed", zap.Error(err))
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}

// idempotencyKey prefers the body field and falls back to the header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("Idempotency-Key")
}

func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}
