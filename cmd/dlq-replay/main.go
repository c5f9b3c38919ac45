// Команда dlq-replay возвращает события заказов из DLQ в основной topic.
// По умолчанию работает в режиме dry-run и только перечисляет кандидатов.
//
//	dlq-replay [-brokers=...] [-limit=N] [-from-newest] [-execute]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/cartengine/internal/service/outbox"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second
	envBrokers         = "CARTENGINE_KAFKA_BROKERS"
	clientID           = "cart-engine-dlq-replay"
)

var errUsage = errors.New("usage")

// errNotDeadLetter: сообщение в DLQ не похоже на письмо outbox-воркера.
var errNotDeadLetter = errors.New("message is not an outbox dead letter")

type options struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// offsetReader: часть sarama.Client, нужная для обхода партиций.
type offsetReader interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
}

// partitionStream: то, что replayer читает из sarama.PartitionConsumer.
type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
}

// consumerSource приводит sarama.Consumer к partitionSource.
type consumerSource struct {
	consumer sarama.Consumer
}

func (s consumerSource) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

type sender interface {
	Send(ctx context.Context, record kafka.Record) error
}

type replayer struct {
	opts    options
	offsets offsetReader
	source  partitionSource
	// sink равен nil в dry-run.
	sink   sender
	logger *log.Entry
	now    func() time.Time
}

type stats struct {
	scanned  int
	replayed int
	skipped  int
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "dlq-replay:", err)
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.WithError(err).Error("dlq replay failed")
		os.Exit(1)
	}
}

func parseOptions(args []string, getenv func(string) string, stderr io.Writer) (options, error) {
	var (
		opts    options
		brokers string
	)
	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers, defaults to $"+envBrokers)
	fs.StringVar(&opts.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&opts.targetTopic, "target-topic", kafka.TopicOrderEvents, "topic to replay events into")
	fs.IntVar(&opts.limit, "limit", defaultLimit, "max messages to scan across partitions")
	fs.BoolVar(&opts.execute, "execute", false, "publish events; without it only candidates are listed")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "scan the last -limit messages of each partition")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this much silence")
	if err := fs.Parse(args); err != nil {
		return options{}, errUsage
	}

	if strings.TrimSpace(brokers) == "" && getenv != nil {
		brokers = getenv(envBrokers)
	}
	opts.brokers = splitBrokers(brokers)
	opts.sourceTopic = strings.TrimSpace(opts.sourceTopic)
	opts.targetTopic = strings.TrimSpace(opts.targetTopic)

	switch {
	case len(opts.brokers) == 0:
		return options{}, fmt.Errorf("-brokers or %s is required", envBrokers)
	case opts.sourceTopic == "" || opts.targetTopic == "":
		return options{}, errors.New("source and target topics are required")
	case opts.sourceTopic == opts.targetTopic:
		return options{}, errors.New("source and target topics must differ")
	case opts.limit <= 0:
		return options{}, errors.New("limit must be positive")
	case opts.idleTimeout <= 0:
		return options{}, errors.New("idle-timeout must be positive")
	}
	return opts, nil
}

func splitBrokers(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
}

func run(ctx context.Context, opts options) error {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, config)
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer client.Close()

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	defer consumer.Close()

	r := newReplayer(opts, client, consumerSource{consumer: consumer}, nil)
	if opts.execute {
		producer, err := kafka.NewProducer(opts.brokers, kafka.WithClientID(clientID))
		if err != nil {
			return err
		}
		defer producer.Close()
		r.sink = producer
	}

	_, err = r.run(ctx)
	return err
}

func newReplayer(opts options, offsets offsetReader, source partitionSource, sink sender) *replayer {
	return &replayer{
		opts:    opts,
		offsets: offsets,
		source:  source,
		sink:    sink,
		logger:  log.WithField("component", "dlq-replay"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// run обходит партиции по возрастанию номера, пока не наберёт limit сообщений.
func (r *replayer) run(ctx context.Context) (stats, error) {
	if r.opts.execute && r.sink == nil {
		return stats{}, errors.New("execute mode needs a producer")
	}

	partitions, err := r.offsets.Partitions(r.opts.sourceTopic)
	if err != nil {
		return stats{}, fmt.Errorf("list partitions of %s: %w", r.opts.sourceTopic, err)
	}
	partitions = slices.Clone(partitions)
	slices.Sort(partitions)

	var total stats
	for _, partition := range partitions {
		remaining := r.opts.limit - total.scanned
		if remaining <= 0 {
			break
		}
		got, err := r.replayPartition(ctx, partition, remaining)
		total.scanned += got.scanned
		total.replayed += got.replayed
		total.skipped += got.skipped
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if r.opts.execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

func (r *replayer) replayPartition(ctx context.Context, partition int32, limit int) (stats, error) {
	var st stats
	topic := r.opts.sourceTopic

	oldest, err := r.offsets.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return st, fmt.Errorf("oldest offset of %s/%d: %w", topic, partition, err)
	}
	newest, err := r.offsets.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return st, fmt.Errorf("newest offset of %s/%d: %w", topic, partition, err)
	}
	if newest <= oldest {
		return st, nil
	}

	start := oldest
	if r.opts.fromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := r.source.ConsumePartition(topic, partition, start)
	if err != nil {
		return st, fmt.Errorf("consume %s/%d: %w", topic, partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.opts.idleTimeout)
	defer idle.Stop()

	for st.scanned < limit {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-idle.C:
			return st, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return st, fmt.Errorf("consume %s/%d: %w", topic, partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok {
				return st, nil
			}
			idle.Reset(r.opts.idleTimeout)

			st.scanned++
			replayed, err := r.replay(ctx, msg)
			if err != nil {
				return st, err
			}
			if replayed {
				st.replayed++
			} else {
				st.skipped++
			}

			// Сообщения, пришедшие в DLQ после старта, оставляем следующему запуску.
			if msg.Offset+1 >= newest {
				return st, nil
			}
		}
	}
	return st, nil
}

// replay возвращает false для сообщений, которые нельзя восстановить; они пропускаются.
func (r *replayer) replay(ctx context.Context, msg *sarama.ConsumerMessage) (bool, error) {
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	record, err := restoreRecord(msg.Value, r.opts.targetTopic, r.now())
	if err != nil {
		logger.WithError(err).Warn("skip dlq message")
		return false, nil
	}
	logger = logger.WithFields(log.Fields{
		"outbox_id":  record.Headers[kafka.HeaderOutboxID],
		"event_type": record.Headers[kafka.HeaderEventType],
		"key":        record.Key,
	})

	if !r.opts.execute {
		logger.Info("dlq replay candidate")
		return true, nil
	}
	if err := r.sink.Send(ctx, record); err != nil {
		return false, fmt.Errorf("replay outbox message %s: %w", record.Headers[kafka.HeaderOutboxID], err)
	}
	logger.Info("dlq message replayed")
	return true, nil
}

// restoreRecord разворачивает письмо outbox-воркера обратно в исходный конверт события.
func restoreRecord(value []byte, topic string, now time.Time) (kafka.Record, error) {
	var envelope kafka.Envelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return kafka.Record{}, errNotDeadLetter
	}

	var letter outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &letter); err != nil {
		return kafka.Record{}, fmt.Errorf("%w: %w", errNotDeadLetter, err)
	}
	if letter.OutboxID == "" || len(letter.Payload) == 0 {
		return kafka.Record{}, fmt.Errorf("%w: dead letter %q has no original payload", errNotDeadLetter, envelope.ID)
	}

	body, err := json.Marshal(kafka.Envelope{
		ID:            letter.OutboxID,
		AggregateType: letter.AggregateType,
		AggregateID:   letter.AggregateID,
		EventType:     letter.EventType,
		Payload:       letter.Payload,
		CreatedAt:     envelope.CreatedAt,
		PublishedAt:   now,
	})
	if err != nil {
		return kafka.Record{}, fmt.Errorf("encode replayed envelope: %w", err)
	}

	key := letter.AggregateID
	if key == "" {
		key = letter.OutboxID
	}
	return kafka.Record{
		Topic: topic,
		Key:   key,
		Value: body,
		Headers: map[string]string{
			kafka.HeaderEventType: letter.EventType,
			kafka.HeaderOutboxID:  letter.OutboxID,
		},
	}, nil
}
