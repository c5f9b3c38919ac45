// Package outbox доставляет события заказов из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 5
	defaultRetryBaseDelay = 500 * time.Millisecond
	maxRetryDelay         = 5 * time.Minute
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartengine_outbox_deliveries_total",
		Help: "Outbox delivery attempts by outcome: sent, retry, dead, dead_letter_failed.",
	}, []string{"outcome"})
	pendingMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartengine_outbox_pending_messages",
		Help: "Pending outbox messages, including postponed ones.",
	})
	deadMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartengine_outbox_dead_messages",
		Help: "Outbox messages that exhausted their attempts.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartengine_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox message.",
	})
)

// DeadLetter: тело сообщения в DLQ для события, исчерпавшего попытки.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error"`
	BuriedAt      time.Time       `json:"buried_at"`
}

// Result: итог одного прохода.
type Result struct {
	Sent int
	// Retried: неудачные попытки, отложенные на потом.
	Retried int
	Dead    int
	// Deferred: сообщения, чья очередь ещё не подошла.
	Deferred int
}

type settings struct {
	logger       *log.Entry
	deadLetters  domain.OutboxPublisher
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	baseDelay    time.Duration
	clock        func() time.Time
}

// Option настраивает Worker.
type Option func(*settings)

func WithLogger(logger *log.Entry) Option { return func(s *settings) { s.logger = logger } }

// WithDLQPublisher задаёт получателя событий, исчерпавших попытки.
func WithDLQPublisher(p domain.OutboxPublisher) Option {
	return func(s *settings) { s.deadLetters = p }
}

func WithPollInterval(d time.Duration) Option { return func(s *settings) { s.pollInterval = d } }

func WithBatchSize(n int) Option { return func(s *settings) { s.batchSize = n } }

// WithMaxAttempts задаёт число попыток, после которого сообщение хоронится.
func WithMaxAttempts(n int) Option { return func(s *settings) { s.maxAttempts = n } }

// WithRetryBaseDelay задаёт задержку после первой неудачи; дальше она удваивается.
func WithRetryBaseDelay(d time.Duration) Option { return func(s *settings) { s.baseDelay = d } }

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option { return func(s *settings) { s.clock = clock } }

// Worker публикует pending-сообщения outbox.
//
// Расписание повторов хранится в самом outbox, поэтому воркер не спит между попытками
// и переживает рестарт. Сообщения одного агрегата уходят строго по порядку: пока старшее
// не доставлено или не похоронено, младшие ждут.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	cfg       settings
}

// NewWorker создаёт воркер.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	cfg := settings{
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "outbox-worker")
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = defaultPollInterval
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultBatchSize
	}
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = defaultMaxAttempts
	}
	cfg.baseDelay = max(cfg.baseDelay, 0)
	if cfg.clock == nil {
		cfg.clock = func() time.Time { return time.Now().UTC() }
	}
	return &Worker{repo: repo, publisher: publisher, cfg: cfg}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.cfg.logger.Warn("outbox worker disabled: repository or publisher is missing")
		return
	}

	ticker := time.NewTicker(w.cfg.pollInterval)
	defer ticker.Stop()
	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce делает одну попытку для каждого подошедшего сообщения из очередной порции.
func (w *Worker) ProcessOnce(ctx context.Context) Result {
	var result Result
	if ctx.Err() != nil {
		return result
	}
	defer w.observeBacklog(ctx)

	batch, err := w.repo.Pending(ctx, w.cfg.batchSize)
	if err != nil {
		w.cfg.logger.WithError(err).Warn("failed to load pending outbox messages")
		return result
	}

	now := w.cfg.clock()
	waiting := make(map[string]bool)
	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		if msg.AggregateID != "" && waiting[msg.AggregateID] {
			result.Deferred++
			continue
		}
		if !msg.Due(now) {
			waiting[msg.AggregateID] = true
			result.Deferred++
			continue
		}

		switch w.deliver(ctx, msg, now) {
		case outcomeSent:
			result.Sent++
		case outcomeRetry:
			result.Retried++
			waiting[msg.AggregateID] = true
		case outcomeDead:
			result.Dead++
		}
	}
	return result
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeDead
)

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage, now time.Time) outcome {
	logger := w.cfg.logger.WithFields(log.Fields{
		"outbox_id":    msg.ID,
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
		"attempt":      msg.Attempts + 1,
	})

	publishErr := w.publisher.Publish(ctx, msg)
	if publishErr == nil {
		deliveriesTotal.WithLabelValues("sent").Inc()
		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			// Сообщение уйдёт повторно: публикация должна быть идемпотентной у потребителя.
			logger.WithError(err).Warn("published outbox message was not marked as sent")
		}
		return outcomeSent
	}

	attempts := msg.Attempts + 1
	if attempts < w.cfg.maxAttempts {
		return w.postpone(ctx, logger, msg, now.Add(w.backoff(attempts)), publishErr)
	}

	msg.Attempts, msg.LastError = attempts, publishErr.Error()
	if err := w.sendDeadLetter(ctx, msg, now); err != nil {
		deliveriesTotal.WithLabelValues("dead_letter_failed").Inc()
		return w.postpone(ctx, logger, msg, now.Add(maxRetryDelay), errors.Join(publishErr, err))
	}
	if err := w.repo.Bury(ctx, msg.ID, publishErr.Error()); err != nil {
		logger.WithError(err).Warn("failed to bury outbox message")
	}
	deliveriesTotal.WithLabelValues("dead").Inc()
	logger.WithError(publishErr).Error("outbox message exhausted its attempts")
	return outcomeDead
}

func (w *Worker) postpone(ctx context.Context, logger *log.Entry, msg domain.OutboxMessage, next time.Time, cause error) outcome {
	deliveriesTotal.WithLabelValues("retry").Inc()
	if err := w.repo.Retry(ctx, msg.ID, next, cause.Error()); err != nil {
		logger.WithError(err).Warn("failed to reschedule outbox message")
	}
	logger.WithError(cause).WithField("next_attempt_at", next).Warn("outbox publish failed, will retry")
	return outcomeRetry
}

// backoff: baseDelay * 2^(attempts-1), не больше maxRetryDelay.
func (w *Worker) backoff(attempts int) time.Duration {
	delay := w.cfg.baseDelay
	for i := 1; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

// sendDeadLetter без настроенного DLQ ничего не отправляет.
func (w *Worker) sendDeadLetter(ctx context.Context, msg domain.OutboxMessage, now time.Time) error {
	if w.cfg.deadLetters == nil {
		return nil
	}
	body, err := json.Marshal(DeadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		Attempts:      msg.Attempts,
		LastError:     msg.LastError,
		BuriedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	letter := msg
	letter.Payload = body
	if err := w.cfg.deadLetters.Publish(ctx, letter); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (w *Worker) observeBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.cfg.logger.WithError(err).Debug("failed to read outbox stats")
		return
	}
	pendingMessages.Set(float64(stats.Pending))
	deadMessages.Set(float64(stats.Dead))
	if stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(w.cfg.clock().Sub(stats.OldestPendingAt).Seconds(), 0))
}
