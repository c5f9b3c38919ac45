package order

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/cartengine/internal/metrics"
)

// recorder пишет события версии в outbox и timeline. Ошибки логируются: версия уже
// сохранена и откатывать её из-за журнала нельзя.
type recorder struct {
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	metrics  *metrics.EngineMetrics
	logger   *log.Entry
}

func (r recorder) record(ctx context.Context, order domain.Order, eventType kafka.EventType, timelineType, reason string) {
	logger := r.logger.WithFields(log.Fields{
		"base_order_number": order.BaseOrderNumber,
		"version":           order.Version,
		"event_type":        eventType,
	})

	if r.outbox != nil {
		payload, err := json.Marshal(kafka.NewOrderEvent(eventType, order))
		if err != nil {
			logger.WithError(err).Error("failed to marshal order event")
		} else if _, err := r.outbox.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: kafka.AggregateOrder,
			AggregateID:   order.BaseOrderNumber,
			EventType:     string(eventType),
			Payload:       payload,
			CreatedAt:     order.CreatedAt,
		}); err != nil {
			logger.WithError(err).Error("failed to enqueue order event")
		} else {
			r.metrics.RecordOutboxEvent()
		}
	}

	r.appendTimeline(ctx, logger, domain.TimelineEvent{
		OrderID:  order.BaseOrderNumber,
		Type:     timelineType,
		Reason:   reason,
		Version:  order.Version,
		Actor:    order.EditedBy,
		Occurred: order.CreatedAt,
	})
}

func (r recorder) appendTimeline(ctx context.Context, logger *log.Entry, event domain.TimelineEvent) {
	if r.timeline == nil {
		return
	}
	if _, err := r.timeline.Append(ctx, event); err != nil {
		logger.WithError(err).Warn("failed to append timeline event")
		return
	}
	r.metrics.RecordTimelineEvent()
}
