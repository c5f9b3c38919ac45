package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultSendRetries = 5

var errNoBrokers = errors.New("kafka brokers are required")

// Record: одно сообщение для Kafka. Value уже сериализовано.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

type producerSettings struct {
	clientID   string
	retries    int
	ackTimeout time.Duration
	logger     *log.Entry
}

// ProducerOption настраивает Producer.
type ProducerOption func(*producerSettings)

func WithClientID(id string) ProducerOption {
	return func(s *producerSettings) { s.clientID = id }
}

// WithSendRetries задаёт число внутренних повторов sarama.
func WithSendRetries(n int) ProducerOption {
	return func(s *producerSettings) { s.retries = n }
}

// WithAckTimeout ограничивает ожидание подтверждения от in-sync реплик.
func WithAckTimeout(d time.Duration) ProducerOption {
	return func(s *producerSettings) { s.ackTimeout = d }
}

func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(s *producerSettings) { s.logger = logger }
}

// Producer: синхронный идемпотентный producer поверх sarama.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
}

// NewProducer подключается к брокерам. Ошибка возвращается, если ни один брокер недоступен.
func NewProducer(brokers []string, options ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}
	settings := producerSettings{retries: defaultSendRetries}
	for _, option := range options {
		option(&settings)
	}

	syncProducer, err := sarama.NewSyncProducer(brokers, saramaConfig(settings))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return wrapSyncProducer(syncProducer, settings.logger), nil
}

func saramaConfig(s producerSettings) *sarama.Config {
	config := sarama.NewConfig()
	if s.clientID != "" {
		config.ClientID = s.clientID
	}
	if s.retries > 0 {
		config.Producer.Retry.Max = s.retries
	}
	if s.ackTimeout > 0 {
		config.Producer.Timeout = s.ackTimeout
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	// Идемпотентный producer требует ровно один запрос в полёте.
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

func wrapSyncProducer(sync sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{sync: sync, logger: logger}
}

// Send отправляет запись и ждёт подтверждения. Отменённый ctx проверяется до отправки:
// sarama не умеет прерывать уже начатый SendMessage.
func (p *Producer) Send(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	partition, offset, err := p.sync.SendMessage(&sarama.ProducerMessage{
		Topic:     record.Topic,
		Key:       sarama.StringEncoder(record.Key),
		Value:     sarama.ByteEncoder(record.Value),
		Headers:   recordHeaders(record.Headers),
		Timestamp: time.Now(),
	})
	fields := log.Fields{"topic": record.Topic, "key": record.Key}
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Warn("kafka send failed")
		return fmt.Errorf("send to %s: %w", record.Topic, err)
	}

	fields["partition"], fields["offset"] = partition, offset
	p.logger.WithFields(fields).Debug("kafka record acknowledged")
	return nil
}

// Close дожидается отправки буферизованных сообщений и закрывает соединения.
func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

// recordHeaders упорядочивает заголовки по ключу, чтобы порядок не зависел от map.
func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, key := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(key), Value: []byte(headers[key])})
	}
	return out
}
