package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/metrics"
)

// BreakerSettings управляет circuit breaker вокруг хранилища сессий.
type BreakerSettings struct {
	// FailureThreshold: число подряд идущих ошибок, после которого breaker размыкается.
	FailureThreshold uint32
	// OpenTimeout: сколько breaker остаётся разомкнутым перед пробным запросом.
	OpenTimeout time.Duration
	// Interval сбрасывает счётчики в замкнутом состоянии; 0: не сбрасывать.
	Interval time.Duration
}

// DefaultBreakerSettings возвращает настройки по умолчанию.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		OpenTimeout:      10 * time.Second,
		Interval:         time.Minute,
	}
}

// BreakerStore оборачивает SessionStore в circuit breaker: пока хранилище лежит,
// вызовы сразу завершаются ErrPersistenceUnavailable и корзина живёт в клиентском кэше.
type BreakerStore struct {
	store   domain.SessionStore
	breaker *gobreaker.CircuitBreaker[domain.Session]
	logger  *log.Entry
}

// NewBreakerStore создаёт обёртку над хранилищем сессий.
func NewBreakerStore(store domain.SessionStore, settings BreakerSettings, m *metrics.EngineMetrics, logger *log.Entry) *BreakerStore {
	if logger == nil {
		logger = log.WithField("component", "session-breaker")
	}
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = DefaultBreakerSettings().OpenTimeout
	}

	threshold := settings.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[domain.Session](gobreaker.Settings{
		Name:        "session-store",
		MaxRequests: 1,
		Interval:    settings.Interval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("session store breaker state changed")
			m.SetBreakerOpen(to == gobreaker.StateOpen)
		},
		// Отсутствие сессии: нормальный ответ хранилища, а не сбой.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrSessionNotFound)
		},
	})

	return &BreakerStore{store: store, breaker: breaker, logger: logger}
}

// Load читает сессию через breaker.
func (b *BreakerStore) Load(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := b.breaker.Execute(func() (domain.Session, error) {
		return b.store.Load(ctx, sessionID)
	})
	return session, translateBreakerError(err)
}

// Save сохраняет сессию через breaker.
func (b *BreakerStore) Save(ctx context.Context, session domain.Session) error {
	_, err := b.breaker.Execute(func() (domain.Session, error) {
		return domain.Session{}, b.store.Save(ctx, session)
	})
	return translateBreakerError(err)
}

// State возвращает текущее состояние breaker.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}

// Tripped сообщает, что breaker разомкнут и записи идут только в клиентский кэш.
func (b *BreakerStore) Tripped() bool {
	return b.breaker.State() == gobreaker.StateOpen
}

func translateBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceUnavailable, err)
	}
	return err
}

var _ domain.SessionStore = (*BreakerStore)(nil)
