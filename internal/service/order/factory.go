package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/cartengine/internal/metrics"
	"github.com/vladislavdragonenkov/cartengine/internal/service/inventory"
)

const defaultNumberAttempts = 5

// CartClearer очищает корзину сессии после оформления заказа.
type CartClearer interface {
	ClearCart(ctx context.Context, sessionID string) error
}

// CreateRequest: данные для оформления заказа из корзины.
type CreateRequest struct {
	Items     []domain.CartLine
	Customer  domain.CustomerSnapshot
	SessionID string
	ClientIP  string
	// ClientTotal: сумма, которую показал клиент. Если задана, должна совпасть с расчётной.
	ClientTotal *decimal.Decimal
}

// Dependencies: общие зависимости фабрики и менеджера правок.
type Dependencies struct {
	Versions domain.VersionStore
	Guard    *inventory.Guard
	Outbox   domain.OutboxRepository
	Timeline domain.TimelineRepository
	Metrics  *metrics.EngineMetrics
	Logger   *log.Entry
	// Clock и NewID подменяются в тестах.
	Clock func() time.Time
	NewID IDGenerator
}

func (d Dependencies) withDefaults(component string) Dependencies {
	if d.Logger == nil {
		d.Logger = log.WithField("component", component)
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = newVersionID
	}
	return d
}

// Factory создаёт первую версию заказа из корзины.
type Factory struct {
	deps     Dependencies
	carts    CartClearer
	numbers  NumberGenerator
	attempts int
	events   recorder
}

// FactoryOption настраивает Factory.
type FactoryOption func(*Factory)

// WithNumberGenerator подменяет генератор базовых номеров.
func WithNumberGenerator(gen NumberGenerator) FactoryOption {
	return func(f *Factory) {
		if gen != nil {
			f.numbers = gen
		}
	}
}

// WithNumberAttempts задаёт число попыток подобрать свободный номер.
func WithNumberAttempts(n int) FactoryOption {
	return func(f *Factory) {
		if n > 0 {
			f.attempts = n
		}
	}
}

// NewFactory создаёт фабрику заказов. carts может быть nil, если корзину чистить не нужно.
func NewFactory(deps Dependencies, carts CartClearer, opts ...FactoryOption) *Factory {
	deps = deps.withDefaults("order-factory")
	f := &Factory{
		deps:     deps,
		carts:    carts,
		numbers:  ULIDNumbers,
		attempts: defaultNumberAttempts,
		events: recorder{
			outbox:   deps.Outbox,
			timeline: deps.Timeline,
			metrics:  deps.Metrics,
			logger:   deps.Logger,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Create оформляет заказ. Все проверки выполняются до обращения к хранилищу версий.
// Корзина очищается только после успешной записи версии.
func (f *Factory) Create(ctx context.Context, req CreateRequest) (domain.Order, error) {
	start := time.Now()
	defer func() {
		f.deps.Metrics.RecordOperationDuration("create_order", time.Since(start))
	}()

	if err := f.validate(req); err != nil {
		return domain.Order{}, err
	}

	if _, err := f.deps.Guard.CheckAll(ctx, inventory.RequestsForLines(req.Items)); err != nil {
		if errors.Is(err, domain.ErrInsufficientInventory) {
			f.deps.Metrics.RecordOrderRejected("insufficient_inventory")
		}
		return domain.Order{}, err
	}

	items := domain.LinesFromCart(req.Items)
	order := domain.Order{
		Version:     1,
		Status:      domain.OrderStatusPending,
		Items:       items,
		Customer:    req.Customer,
		TotalAmount: domain.ComputeTotal(items),
		SessionID:   strings.TrimSpace(req.SessionID),
		ClientIP:    strings.TrimSpace(req.ClientIP),
	}

	created, err := f.appendWithFreshNumber(ctx, order)
	if err != nil {
		f.deps.Metrics.RecordOrderRejected("persistence")
		return domain.Order{}, err
	}

	logger := f.deps.Logger.WithFields(log.Fields{
		"base_order_number": created.BaseOrderNumber,
		"session_id":        created.SessionID,
	})
	logger.WithField("total_amount", created.TotalAmount.StringFixed(2)).Info("order created")
	f.deps.Metrics.RecordOrderCreated()

	f.events.record(ctx, created, kafka.EventTypeOrderCreated, domain.TimelineOrderCreated, "")

	if f.carts != nil && created.SessionID != "" {
		if err := f.carts.ClearCart(ctx, created.SessionID); err != nil {
			// Заказ уже создан; корзина очистится в клиентском кэше и дойдёт до хранилища позже.
			logger.WithError(err).Warn("failed to persist cleared cart")
		}
	}

	return created, nil
}

func (f *Factory) validate(req CreateRequest) error {
	if len(req.Items) == 0 {
		f.deps.Metrics.RecordOrderRejected("empty_cart")
		return domain.ErrEmptyCart
	}
	if !req.Customer.HasContact() {
		f.deps.Metrics.RecordOrderRejected("contact_required")
		return domain.ErrContactRequired
	}
	for _, line := range req.Items {
		if err := line.Validate(); err != nil {
			f.deps.Metrics.RecordOrderRejected("invalid_line")
			return fmt.Errorf("line %s: %w", line.Key(), err)
		}
	}
	if req.ClientTotal != nil && !req.ClientTotal.Round(2).Equal(domain.CartTotal(req.Items)) {
		f.deps.Metrics.RecordOrderRejected("total_mismatch")
		return fmt.Errorf("%w: client %s, computed %s", domain.ErrTotalMismatch,
			req.ClientTotal.StringFixed(2), domain.CartTotal(req.Items).StringFixed(2))
	}
	return nil
}

func (f *Factory) appendWithFreshNumber(ctx context.Context, order domain.Order) (domain.Order, error) {
	for attempt := 1; attempt <= f.attempts; attempt++ {
		now := f.deps.Clock()
		candidate := order.Clone()
		candidate.ID = f.deps.NewID()
		candidate.BaseOrderNumber = f.numbers(now)
		candidate.OrderNumber = domain.OrderNumberFor(candidate.BaseOrderNumber, 1)
		candidate.CreatedAt = now

		if errs := candidate.ValidateInvariants(); len(errs) > 0 {
			return domain.Order{}, errors.Join(errs...)
		}

		err := f.deps.Versions.Append(ctx, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, domain.ErrOrderNumberTaken) {
			return domain.Order{}, fmt.Errorf("append order version: %w", err)
		}
		f.deps.Logger.WithFields(log.Fields{
			"base_order_number": candidate.BaseOrderNumber,
			"attempt":           attempt,
		}).Warn("order number collision, retrying")
	}
	return domain.Order{}, fmt.Errorf("allocate order number after %d attempts: %w", f.attempts, domain.ErrOrderNumberTaken)
}
