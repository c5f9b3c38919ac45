package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	// За один проход удаляется не больше maxBatchesPerSweep порций, остаток уходит в следующий тик.
	maxBatchesPerSweep = 100
)

var (
	cleanupSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartengine_idempotency_cleanup_sweeps_total",
		Help: "Idempotency key cleanup sweeps by result.",
	}, []string{"result"})
	cleanupPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartengine_idempotency_cleanup_purged_total",
		Help: "Expired idempotency keys removed.",
	})
	cleanupSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cartengine_idempotency_cleanup_sweep_duration_seconds",
		Help:    "Duration of one idempotency cleanup sweep.",
		Buckets: prometheus.DefBuckets,
	})
)

type cleanupConfig struct {
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	clock     func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*cleanupConfig)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(c *cleanupConfig) { c.logger = logger }
}

func WithInterval(interval time.Duration) CleanupOption {
	return func(c *cleanupConfig) { c.interval = interval }
}

func WithBatchSize(size int) CleanupOption {
	return func(c *cleanupConfig) { c.batchSize = size }
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) CleanupOption {
	return func(c *cleanupConfig) { c.clock = clock }
}

// CleanupWorker периодически удаляет просроченные ключи Idempotency-Key.
type CleanupWorker struct {
	repo domain.IdempotencyRepository
	cfg  cleanupConfig
}

// NewCleanupWorker создаёт воркер. Неположительные интервал и размер порции заменяются значениями по умолчанию.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	cfg := cleanupConfig{}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "idempotency-cleanup")
	}
	if cfg.interval <= 0 {
		cfg.interval = defaultCleanupInterval
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultCleanupBatchSize
	}
	if cfg.clock == nil {
		cfg.clock = func() time.Time { return time.Now().UTC() }
	}
	return &CleanupWorker{repo: repo, cfg: cfg}
}

// Run выполняет проход сразу и затем раз в interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.cfg.logger.Warn("idempotency cleanup disabled: no repository")
		return
	}

	ticker := time.NewTicker(w.cfg.interval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	started := time.Now()
	purged, err := w.Purge(ctx, w.cfg.clock())
	cleanupSweepDuration.Observe(time.Since(started).Seconds())

	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		cleanupSweepsTotal.WithLabelValues("error").Inc()
		w.cfg.logger.WithError(err).WithField("purged", purged).Warn("idempotency cleanup sweep failed")
	default:
		cleanupSweepsTotal.WithLabelValues("ok").Inc()
		if purged > 0 {
			w.cfg.logger.WithField("purged", purged).Debug("expired idempotency keys removed")
		}
	}
}

// Purge удаляет ключи с ExpiresAt <= before порциями, пока очередная порция не окажется неполной.
func (w *CleanupWorker) Purge(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.cfg.clock()
	}

	total := 0
	for batch := 0; batch < maxBatchesPerSweep; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := w.repo.PurgeExpired(ctx, before, w.cfg.batchSize)
		total += n
		cleanupPurgedTotal.Add(float64(n))
		if err != nil {
			return total, err
		}
		if n < w.cfg.batchSize {
			break
		}
	}
	return total, nil
}
