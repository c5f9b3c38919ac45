package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// DefaultTTL: сколько ключ защищает от повторного оформления.
const DefaultTTL = 24 * time.Hour

// ErrRequestInProgress: запрос с тем же ключом ещё выполняется.
var ErrRequestInProgress = errors.New("request with the same idempotency key is already processing")

// Decision: результат Begin. При Replay ответ берётся из Response без повторной обработки.
type Decision struct {
	Replay   bool
	Response domain.StoredResponse
}

// Service оборачивает обработку запроса с Idempotency-Key.
type Service struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewService создаёт сервис идемпотентности. ttl <= 0 означает DefaultTTL.
func NewService(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency")
	}
	return &Service{
		repo:   repo,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Fingerprint: sha256 от метода, пути и тела запроса.
func Fingerprint(method, path string, body []byte) string {
	sum := sha256.New()
	for _, part := range [][]byte{[]byte(method), []byte(path), body} {
		sum.Write(part)
		sum.Write([]byte{0})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// Begin занимает ключ под запрос.
func (s *Service) Begin(ctx context.Context, key, fingerprint string) (Decision, error) {
	record, err := s.repo.Reserve(ctx, key, fingerprint, s.now().Add(s.ttl))
	if errors.Is(err, domain.ErrIdempotencyKeyTaken) {
		if !record.Replayable() {
			return Decision{}, ErrRequestInProgress
		}
		return Decision{Replay: true, Response: record.Response}, nil
	}
	return Decision{}, err
}

// Complete фиксирует результат обработки. Ответы 5xx не сохраняются: ключ освобождается,
// и клиент может повторить запрос с тем же ключом.
func (s *Service) Complete(ctx context.Context, key string, status int, body []byte) error {
	entry := s.logger.WithFields(log.Fields{"idempotency_key": key, "status": status})

	if status >= http.StatusInternalServerError {
		if err := s.repo.Release(ctx, key); err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}
		entry.Debug("idempotency key released after server error")
		return nil
	}

	if err := s.repo.Complete(ctx, key, domain.StoredResponse{StatusCode: status, Body: body}); err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}
