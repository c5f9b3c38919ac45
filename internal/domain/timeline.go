package domain

import (
	"strings"
	"time"
)

// Типы событий в истории заказа.
const (
	TimelineOrderCreated       = "OrderCreated"
	TimelineOrderRevised       = "OrderRevised"
	TimelineOrderStatusChanged = "OrderStatusChanged"
)

// TimelineEvent: запись в истории заказа. OrderID здесь базовый номер, общий для всех версий.
type TimelineEvent struct {
	// Seq назначает хранилище; он растёт в порядке записи.
	Seq      int64     `json:"seq"`
	OrderID  string    `json:"order_id"`
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Version  int       `json:"version"`
	Actor    string    `json:"actor,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// Normalize обрезает пробелы, приводит время к UTC и подставляет now вместо пустого Occurred.
func (e TimelineEvent) Normalize(now time.Time) (TimelineEvent, error) {
	e.OrderID = strings.TrimSpace(e.OrderID)
	e.Type = strings.TrimSpace(e.Type)
	if e.OrderID == "" || e.Type == "" {
		return TimelineEvent{}, ErrTimelineEventInvalid
	}
	if e.Occurred.IsZero() {
		e.Occurred = now
	}
	e.Occurred = e.Occurred.UTC()
	return e, nil
}

// CompareTimeline упорядочивает события по времени, а одновременные по Seq.
func CompareTimeline(a, b TimelineEvent) int {
	if c := a.Occurred.Compare(b.Occurred); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}
