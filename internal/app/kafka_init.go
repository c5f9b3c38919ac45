package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/messaging/kafka"
)

const kafkaClientID = "cart-engine"

// eventSink: Kafka producer и publisher'ы outbox поверх него.
type eventSink struct {
	producer    *kafka.Producer
	events      domain.OutboxPublisher
	deadLetters domain.OutboxPublisher
}

// openEventSink подключается к брокерам из cfg. Без брокеров возвращает nil, nil:
// события копятся в outbox, пока Kafka не настроят.
func openEventSink(cfg Config, logger *log.Entry) (*eventSink, error) {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers,
		kafka.WithClientID(kafkaClientID),
		kafka.WithProducerLogger(logger.WithField("component", "kafka-producer")),
	)
	if err != nil {
		return nil, err
	}
	logger.WithField("brokers", brokers).Info("kafka producer initialized")

	sink := &eventSink{producer: producer, events: kafka.NewOutboxPublisher(producer, cfg.KafkaTopic)}
	if topic := strings.TrimSpace(cfg.KafkaDLQTopic); topic != "" {
		sink.deadLetters = kafka.NewOutboxPublisher(producer, topic)
	}
	return sink, nil
}

// close безопасен для nil.
func (s *eventSink) close(logger *log.Entry) {
	if s == nil {
		return
	}
	if err := s.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}

func splitBrokers(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
}
