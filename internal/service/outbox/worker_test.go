package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/storage/memory"
)

// fakeBroker отклоняет сообщения из reject и сохраняет принятые.
type fakeBroker struct {
	mu       sync.Mutex
	reject   map[string]error
	down     error
	accepted []domain.OutboxMessage
	attempts int
}

func (b *fakeBroker) Publish(_ context.Context, msg domain.OutboxMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.down != nil {
		return b.down
	}
	if err := b.reject[msg.ID]; err != nil {
		return err
	}
	b.accepted = append(b.accepted, msg)
	return nil
}

func (b *fakeBroker) ids() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.accepted))
	for _, msg := range b.accepted {
		ids = append(ids, msg.ID)
	}
	return ids
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func enqueue(t *testing.T, repo *memory.OutboxRepository, id, aggregate string, at time.Time) {
	t.Helper()
	_, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		ID:            id,
		AggregateType: "order",
		AggregateID:   aggregate,
		EventType:     "order.revised",
		Payload:       []byte(`{"version":2}`),
		CreatedAt:     at,
	})
	require.NoError(t, err)
}

func TestWorker_SendsDueMessages(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "m-1", "ORD-1", clock.Now().Add(-time.Second))
	enqueue(t, repo, "m-2", "ORD-2", clock.Now())
	broker := &fakeBroker{}

	result := NewWorker(repo, broker, WithClock(clock.Now)).ProcessOnce(context.Background())

	require.Equal(t, Result{Sent: 2}, result)
	require.Equal(t, []string{"m-1", "m-2"}, broker.ids())
	require.Empty(t, repo.AllPending())
}

func TestWorker_PostponesFailedMessageWithBackoff(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "m-1", "ORD-1", clock.Now())
	broker := &fakeBroker{down: errors.New("broker unavailable")}
	worker := NewWorker(repo, broker, WithClock(clock.Now), WithRetryBaseDelay(time.Second), WithMaxAttempts(5))

	require.Equal(t, Result{Retried: 1}, worker.ProcessOnce(context.Background()))
	pending := repo.AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Attempts)
	require.Equal(t, "broker unavailable", pending[0].LastError)
	require.Equal(t, clock.Now().Add(time.Second), pending[0].NextAttemptAt)

	// до NextAttemptAt брокер не трогаем
	require.Equal(t, Result{Deferred: 1}, worker.ProcessOnce(context.Background()))
	require.Equal(t, 1, broker.attempts)

	clock.Advance(time.Second)
	worker.ProcessOnce(context.Background())
	require.Equal(t, clock.Now().Add(2*time.Second), repo.AllPending()[0].NextAttemptAt)

	broker.mu.Lock()
	broker.down = nil
	broker.mu.Unlock()
	clock.Advance(2 * time.Second)
	require.Equal(t, Result{Sent: 1}, worker.ProcessOnce(context.Background()))
	require.Empty(t, repo.AllPending())
}

func TestWorker_BuriesAfterMaxAttemptsAndSendsDeadLetter(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "poison", "ORD-1", clock.Now())
	broker := &fakeBroker{reject: map[string]error{"poison": errors.New("message too large")}}
	dlq := &fakeBroker{}
	worker := NewWorker(repo, broker, WithDLQPublisher(dlq), WithClock(clock.Now),
		WithRetryBaseDelay(0), WithMaxAttempts(2))

	require.Equal(t, Result{Retried: 1}, worker.ProcessOnce(context.Background()))
	require.Equal(t, Result{Dead: 1}, worker.ProcessOnce(context.Background()))
	require.Empty(t, repo.AllPending())

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Dead)

	require.Len(t, dlq.accepted, 1)
	var letter DeadLetter
	require.NoError(t, json.Unmarshal(dlq.accepted[0].Payload, &letter))
	require.Equal(t, "poison", letter.OutboxID)
	require.Equal(t, 2, letter.Attempts)
	require.Equal(t, "message too large", letter.LastError)
	require.JSONEq(t, `{"version":2}`, string(letter.Payload))
}

func TestWorker_KeepsMessageWhenDeadLetterFails(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "m-1", "ORD-1", clock.Now())
	worker := NewWorker(repo, &fakeBroker{down: errors.New("down")},
		WithDLQPublisher(&fakeBroker{down: errors.New("dlq down")}),
		WithClock(clock.Now), WithMaxAttempts(1))

	require.Equal(t, Result{Retried: 1}, worker.ProcessOnce(context.Background()))
	pending := repo.AllPending()
	require.Len(t, pending, 1)
	require.Contains(t, pending[0].LastError, "dlq down")
	require.Equal(t, clock.Now().Add(maxRetryDelay), pending[0].NextAttemptAt)
}

func TestWorker_PreservesPerOrderOrdering(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	repo := memory.NewOutboxRepository()
	base := clock.Now().Add(-time.Minute)
	enqueue(t, repo, "a-created", "ORD-A", base)
	enqueue(t, repo, "b-created", "ORD-B", base.Add(time.Second))
	enqueue(t, repo, "a-revised", "ORD-A", base.Add(2*time.Second))

	broker := &fakeBroker{reject: map[string]error{"a-created": errors.New("partition leader moved")}}
	worker := NewWorker(repo, broker, WithClock(clock.Now), WithRetryBaseDelay(time.Minute))

	require.Equal(t, Result{Sent: 1, Retried: 1, Deferred: 1}, worker.ProcessOnce(context.Background()))
	require.Equal(t, []string{"b-created"}, broker.ids())

	// пока первое событие заказа отложено, второе не обгоняет его
	clock.Advance(30 * time.Second)
	require.Equal(t, Result{Deferred: 2}, worker.ProcessOnce(context.Background()))

	broker.mu.Lock()
	delete(broker.reject, "a-created")
	broker.mu.Unlock()
	clock.Advance(30 * time.Second)
	require.Equal(t, Result{Sent: 2}, worker.ProcessOnce(context.Background()))
	require.Equal(t, []string{"b-created", "a-created", "a-revised"}, broker.ids())
}

func TestWorker_BackoffIsCapped(t *testing.T) {
	t.Parallel()

	worker := NewWorker(nil, nil, WithRetryBaseDelay(10*time.Millisecond))
	require.Equal(t, 10*time.Millisecond, worker.backoff(1))
	require.Equal(t, 40*time.Millisecond, worker.backoff(3))
	require.Equal(t, maxRetryDelay, worker.backoff(64))
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "m-1", "ORD-1", time.Now().UTC().Add(-time.Second))
	broker := &fakeBroker{}
	worker := NewWorker(repo, broker, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(broker.ids()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("outbox worker did not stop")
	}
}

func TestWorker_RunWithoutPublisherReturns(t *testing.T) {
	t.Parallel()

	NewWorker(memory.NewOutboxRepository(), nil).Run(context.Background())
}
