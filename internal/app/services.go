package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/metrics"
	"github.com/vladislavdragonenkov/cartengine/internal/service/cart"
	"github.com/vladislavdragonenkov/cartengine/internal/service/idempotency"
	"github.com/vladislavdragonenkov/cartengine/internal/service/inventory"
	"github.com/vladislavdragonenkov/cartengine/internal/service/order"
	"github.com/vladislavdragonenkov/cartengine/internal/transport/httpapi"
)

// services: прикладной слой поверх выбранных хранилищ.
type services struct {
	breaker     *cart.BreakerStore
	reconciler  *cart.Reconciler
	factory     *order.Factory
	revisions   *order.RevisionManager
	queries     *order.Queries
	idempotency *idempotency.Service
}

func buildServices(cfg Config, deps *runtimeDependencies, m *metrics.EngineMetrics, logger *log.Entry) *services {
	guard := inventory.NewGuard(deps.inventory, logger.WithField("component", "inventory-guard"))

	breaker := cart.NewBreakerStore(deps.sessions, cart.BreakerSettings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		Interval:         cart.DefaultBreakerSettings().Interval,
	}, m, logger.WithField("component", "session-breaker"))

	reconciler := cart.NewReconciler(breaker, deps.clientCache, guard,
		cart.WithDebounce(cfg.CartDebounce),
		cart.WithFlushTimeout(cfg.CartFlushTimeout),
		cart.WithMetrics(m),
		cart.WithLogger(logger.WithField("component", "cart-reconciler")),
	)

	orderDeps := order.Dependencies{
		Versions: deps.versions,
		Guard:    guard,
		Outbox:   deps.outboxRepo,
		Timeline: deps.timelineRepo,
		Metrics:  m,
	}
	factoryDeps := orderDeps
	factoryDeps.Logger = logger.WithField("component", "order-factory")
	revisionDeps := orderDeps
	revisionDeps.Logger = logger.WithField("component", "order-revision")

	return &services{
		breaker:     breaker,
		reconciler:  reconciler,
		factory:     order.NewFactory(factoryDeps, reconciler),
		revisions:   order.NewRevisionManager(revisionDeps, order.WithTerminalRevision(cfg.AllowTerminalRevision)),
		queries:     order.NewQueries(deps.versions, deps.timelineRepo),
		idempotency: idempotency.NewService(deps.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("component", "idempotency")),
	}
}

// apiDependencies собирает зависимости REST API.
func (s *services) apiDependencies(cfg Config, logger *log.Entry) httpapi.Dependencies {
	var auth httpapi.Authenticator
	if tokens := ParseAdminTokens(cfg.AdminTokens); len(tokens) > 0 {
		auth = httpapi.NewStaticTokenAuthenticator(tokens)
	} else {
		logger.Warn("no admin tokens configured, order revisions are disabled")
	}

	return httpapi.Dependencies{
		Carts:          s.reconciler,
		Orders:         s.factory,
		Revisions:      s.revisions,
		Queries:        s.queries,
		Idempotency:    s.idempotency,
		Auth:           auth,
		Logger:         logger.WithField("component", "http-api"),
		RequestTimeout: cfg.RequestTimeout,
	}
}
