package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/service/idempotency"
)

const (
	// IdempotencyKeyHeader: заголовок с ключом идемпотентности.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader выставляется на ответах, взятых из сохранённых.
	IdempotentReplayHeader = "Idempotent-Replayed"
)

// capturingWriter копирует тело и статус ответа для сохранения под ключом.
type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capturingWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

// idempotent сохраняет ответ под Idempotency-Key и повторяет его для того же запроса.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" || s.deps.Idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "failed to read request body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
		decision, err := s.deps.Idempotency.Begin(r.Context(), key, fingerprint)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if decision.Replay {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(IdempotentReplayHeader, "true")
			w.WriteHeader(decision.Response.StatusCode)
			_, _ = w.Write(decision.Response.Body)
			return
		}

		capture := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)

		if err := s.deps.Idempotency.Complete(context.WithoutCancel(r.Context()), key, capture.status, capture.body.Bytes()); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"idempotency_key": key,
				"status":          capture.status,
			}).Warn("failed to store idempotent response")
		}
	})
}
