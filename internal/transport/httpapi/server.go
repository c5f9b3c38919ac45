package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/service/cart"
	"github.com/vladislavdragonenkov/cartengine/internal/service/idempotency"
	"github.com/vladislavdragonenkov/cartengine/internal/service/order"
)

// DefaultRequestTimeout ограничивает время обработки одного запроса.
const DefaultRequestTimeout = 15 * time.Second

// CartSessions: корзины покупателей.
type CartSessions interface {
	Load(ctx context.Context, sessionID string) (domain.Session, error)
	Open(ctx context.Context, sessionID string) (*cart.Handle, error)
}

// OrderCreator оформляет заказы.
type OrderCreator interface {
	Create(ctx context.Context, req order.CreateRequest) (domain.Order, error)
}

// OrderReviser создаёт новые версии заказов.
type OrderReviser interface {
	Revise(ctx context.Context, req order.ReviseRequest) (domain.Order, error)
}

// OrderReader отдаёт заказы и их историю.
type OrderReader interface {
	Get(ctx context.Context, id string) (domain.Order, error)
	Versions(ctx context.Context, id string) ([]domain.Order, error)
	Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error)
	List(ctx context.Context, limit int) ([]domain.Order, error)
}

// Dependencies: всё, что нужно REST API.
type Dependencies struct {
	Carts     CartSessions
	Orders    OrderCreator
	Revisions OrderReviser
	Queries   OrderReader
	// Idempotency может быть nil: тогда заголовок Idempotency-Key игнорируется.
	Idempotency *idempotency.Service
	// Auth защищает правку заказов. Без него правки запрещены.
	Auth           Authenticator
	Logger         *log.Entry
	RequestTimeout time.Duration
}

// Server обрабатывает REST-запросы корзины и заказов.
type Server struct {
	deps   Dependencies
	logger *log.Entry
}

// NewRouter собирает chi-роутер со всеми маршрутами API.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = DefaultRequestTimeout
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(deps.RequestTimeout))

	r.Route("/cart", func(r chi.Router) {
		r.Post("/save", s.saveCart)
		r.Route("/{sessionId}", func(r chi.Router) {
			r.Get("/", s.getCart)
			r.Post("/lines", s.addLine)
			r.Patch("/lines/{lineKey}", s.setLineQuantity)
			r.Delete("/lines/{lineKey}", s.removeLine)
			r.Put("/customer", s.setCustomer)
		})
	})

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", s.listOrders)
		r.With(s.idempotent).Post("/", s.createOrder)
		r.Route("/{orderId}", func(r chi.Router) {
			r.Get("/", s.getOrder)
			r.Get("/versions", s.orderVersions)
			r.Get("/timeline", s.orderTimeline)
			r.With(s.requireEditor).Put("/update", s.reviseOrder)
		})
	})

	return r
}

// requestLogger пишет access-лог через logrus.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Debug("request served")
		})
	}
}
