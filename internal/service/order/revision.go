package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/cartengine/internal/metrics"
	"github.com/vladislavdragonenkov/cartengine/internal/service/inventory"
)

// ReviseRequest: правка заказа.
type ReviseRequest struct {
	// OrderID: идентификатор версии или базовый номер. Загруженная версия считается
	// ожидаемой текущей.
	OrderID string
	Edits   []LineEdit
	Reason  string
	// Status меняет статус, если задан.
	Status   *domain.OrderStatus
	EditedBy string
}

// RevisionManager создаёт новые версии заказа с оптимистической проверкой текущей версии.
type RevisionManager struct {
	deps          Dependencies
	allowTerminal bool
	events        recorder
}

// RevisionOption настраивает RevisionManager.
type RevisionOption func(*RevisionManager)

// WithTerminalRevision разрешает правки выполненных и отменённых заказов (исправление записей).
func WithTerminalRevision(allow bool) RevisionOption {
	return func(m *RevisionManager) {
		m.allowTerminal = allow
	}
}

// NewRevisionManager создаёт менеджер правок.
func NewRevisionManager(deps Dependencies, opts ...RevisionOption) *RevisionManager {
	deps = deps.withDefaults("order-revision")
	m := &RevisionManager{
		deps: deps,
		events: recorder{
			outbox:   deps.Outbox,
			timeline: deps.Timeline,
			metrics:  deps.Metrics,
			logger:   deps.Logger,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Revise применяет правки и публикует новую версию. При гонке с другой правкой
// возвращает ConcurrentModificationError; ничего не сохраняется и не сливается.
func (m *RevisionManager) Revise(ctx context.Context, req ReviseRequest) (domain.Order, error) {
	start := time.Now()
	defer func() {
		m.deps.Metrics.RecordOperationDuration("revise_order", time.Since(start))
	}()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		m.deps.Metrics.RecordRevision(metrics.RevisionRejected)
		return domain.Order{}, domain.ErrMissingEditReason
	}

	current, err := resolve(ctx, m.deps.Versions, req.OrderID)
	if err != nil {
		return domain.Order{}, err
	}

	logger := m.deps.Logger.WithFields(log.Fields{
		"base_order_number": current.BaseOrderNumber,
		"version":           current.Version,
	})

	next, checks, err := m.candidate(current, req, reason)
	if err != nil {
		m.deps.Metrics.RecordRevision(metrics.RevisionRejected)
		return domain.Order{}, err
	}

	if len(checks) > 0 {
		levels, err := m.deps.Guard.CheckAll(ctx, checks)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientInventory) {
				m.deps.Metrics.RecordRevision(metrics.RevisionInsufficientInventory)
			}
			return domain.Order{}, err
		}
		for i := range next.Items {
			if level, ok := levels[next.Items[i].Key()]; ok {
				available := level
				next.Items[i].AvailableQuantityAtEdit = &available
			}
		}
	}

	if errs := next.ValidateInvariants(); len(errs) > 0 {
		m.deps.Metrics.RecordRevision(metrics.RevisionRejected)
		return domain.Order{}, errors.Join(errs...)
	}

	if err := m.deps.Versions.SwapCurrent(ctx, current.BaseOrderNumber, current.ID, next); err != nil {
		if domain.IsVersionConflict(err) {
			m.deps.Metrics.RecordRevision(metrics.RevisionConflict)
			logger.Info("revision lost the race to a concurrent edit")
			return domain.Order{}, &domain.ConcurrentModificationError{BaseOrderNumber: current.BaseOrderNumber}
		}
		return domain.Order{}, fmt.Errorf("swap current version: %w", err)
	}

	m.deps.Metrics.RecordRevision(metrics.RevisionApplied)
	logger.WithFields(log.Fields{
		"new_version":  next.Version,
		"total_amount": next.TotalAmount.StringFixed(2),
		"edited_by":    next.EditedBy,
	}).Info("order revised")

	m.events.record(ctx, next, kafka.EventTypeOrderRevised, domain.TimelineOrderRevised, reason)
	if next.Status != current.Status {
		m.events.record(ctx, next, kafka.EventTypeOrderStatusChanged, domain.TimelineOrderStatusChanged,
			fmt.Sprintf("%s -> %s", current.Status, next.Status))
	}

	return next, nil
}

func (m *RevisionManager) candidate(current domain.Order, req ReviseRequest, reason string) (domain.Order, []inventory.Request, error) {
	if current.Status.Terminal() && !m.allowTerminal {
		return domain.Order{}, nil, domain.ErrOrderFinalized
	}

	status := current.Status
	if req.Status != nil && *req.Status != current.Status {
		if !req.Status.Valid() {
			return domain.Order{}, nil, domain.ErrInvalidStatus
		}
		if !current.Status.CanTransitionTo(*req.Status) {
			return domain.Order{}, nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, *req.Status)
		}
		status = *req.Status
	}

	items, checks, err := applyEdits(current.Items, req.Edits)
	if err != nil {
		return domain.Order{}, nil, err
	}
	if len(items) == 0 {
		return domain.Order{}, nil, domain.ErrItemsRequired
	}
	if status == current.Status && sameLines(items, current.Items) {
		return domain.Order{}, nil, domain.ErrNoChanges
	}

	previous := current.ID
	version := current.Version + 1
	next := domain.Order{
		ID:                m.deps.NewID(),
		BaseOrderNumber:   current.BaseOrderNumber,
		OrderNumber:       domain.OrderNumberFor(current.BaseOrderNumber, version),
		Version:           version,
		Status:            status,
		Items:             items,
		Customer:          current.Customer,
		TotalAmount:       domain.ComputeTotal(items),
		CreatedAt:         m.deps.Clock(),
		EditReason:        reason,
		PreviousVersionID: &previous,
		SessionID:         current.SessionID,
		ClientIP:          current.ClientIP,
		EditedBy:          strings.TrimSpace(req.EditedBy),
	}
	return next, checks, nil
}
