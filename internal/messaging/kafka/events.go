package kafka

import (
	"time"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// EventType определяет тип события.
type EventType string

const (
	EventTypeOrderCreated       EventType = "order.created"
	EventTypeOrderRevised       EventType = "order.revised"
	EventTypeOrderStatusChanged EventType = "order.status_changed"
)

// Topics для Kafka.
const (
	TopicOrderEvents     = "cartengine.order.events"
	TopicDeadLetterQueue = "cartengine.dlq"
)

// AggregateOrder: тип агрегата в outbox для событий заказа.
const AggregateOrder = "order"

// OrderEvent описывает полезную нагрузку событий заказа. Ключом партиционирования служит базовый номер,
// поэтому все версии одного заказа попадают в одну партицию по порядку.
type OrderEvent struct {
	EventType         EventType `json:"event_type"`
	BaseOrderNumber   string    `json:"base_order_number"`
	OrderNumber       string    `json:"order_number"`
	VersionID         string    `json:"version_id"`
	Version           int       `json:"version"`
	PreviousVersionID string    `json:"previous_version_id,omitempty"`
	Status            string    `json:"status"`
	TotalAmount       string    `json:"total_amount"`
	ItemCount         int       `json:"item_count"`
	EditReason        string    `json:"edit_reason,omitempty"`
	EditedBy          string    `json:"edited_by,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// NewOrderEvent собирает событие по версии заказа.
func NewOrderEvent(eventType EventType, order domain.Order) *OrderEvent {
	event := &OrderEvent{
		EventType:       eventType,
		BaseOrderNumber: order.BaseOrderNumber,
		OrderNumber:     order.OrderNumber,
		VersionID:       order.ID,
		Version:         order.Version,
		Status:          string(order.Status),
		TotalAmount:     order.TotalAmount.StringFixed(2),
		ItemCount:       len(order.Items),
		EditReason:      order.EditReason,
		EditedBy:        order.EditedBy,
		Timestamp:       time.Now().UTC(),
	}
	if order.PreviousVersionID != nil {
		event.PreviousVersionID = *order.PreviousVersionID
	}
	return event
}
