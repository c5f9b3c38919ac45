package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/service/cart"
	"github.com/vladislavdragonenkov/cartengine/internal/service/idempotency"
)

const maxBodyBytes = 1 << 20

// ErrorResponse: тело ответа с ошибкой.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Порядок важен: первое совпадение по errors.Is определяет ответ.
var errorMappings = []errorMapping{
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{domain.ErrVersionConflict, http.StatusConflict, "concurrent_modification"},
	{domain.ErrOrderFinalized, http.StatusConflict, "order_finalized"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{idempotency.ErrRequestInProgress, http.StatusConflict, "request_in_progress"},
	{domain.ErrIdempotencyHashMismatch, http.StatusUnprocessableEntity, "idempotency_key_reused"},
	{domain.ErrMissingEditReason, http.StatusBadRequest, "missing_edit_reason"},
	{domain.ErrEmptyCart, http.StatusBadRequest, "empty_cart"},
	{domain.ErrContactRequired, http.StatusBadRequest, "contact_required"},
	{domain.ErrTotalMismatch, http.StatusBadRequest, "total_mismatch"},
	{domain.ErrNoChanges, http.StatusBadRequest, "no_changes"},
	{domain.ErrDuplicateLine, http.StatusBadRequest, "duplicate_line"},
	{domain.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{domain.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{domain.ErrLineNotFound, http.StatusNotFound, "line_not_found"},
	{domain.ErrPersistenceUnavailable, http.StatusServiceUnavailable, "persistence_unavailable"},
	{domain.ErrOrderNumberTaken, http.StatusServiceUnavailable, "order_number_unavailable"},
	{cart.ErrHandleClosed, http.StatusServiceUnavailable, "shutting_down"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string, details any) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// writeError переводит доменную ошибку в HTTP-ответ.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var shortage *domain.InsufficientInventoryError
	if errors.As(err, &shortage) {
		respondError(w, http.StatusUnprocessableEntity, "insufficient_inventory", err.Error(), shortage.Shortages)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			respondError(w, m.status, m.code, err.Error(), nil)
			return
		}
	}

	if domain.IsValidation(err) {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}

	s.logger.WithError(err).WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}).Error("unhandled error")
	respondError(w, http.StatusInternalServerError, "internal_error", "internal server error", nil)
}

// decodeJSON читает тело запроса с ограничением размера.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is empty", nil)
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body", err.Error())
		return false
	}
	return true
}

// clientIP возвращает адрес клиента без порта. RealIP уже учёл X-Forwarded-For.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
