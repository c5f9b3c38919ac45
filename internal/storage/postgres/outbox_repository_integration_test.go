package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

func TestOutboxRepository_PendingOrderAndDefaults(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	generated, err := repo.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "ORD-20260101-AAA",
		EventType:     "order.created",
		Payload:       []byte(`{"version":1}`),
		CreatedAt:     base.Add(time.Second),
	})
	require.NoError(t, err)
	require.NotEmpty(t, generated.ID)

	_, err = repo.Enqueue(ctx, domain.OutboxMessage{
		ID:            "outbox-first",
		AggregateType: "order",
		AggregateID:   "ORD-20260101-BBB",
		EventType:     "order.revised",
		Payload:       []byte(`{"version":2}`),
		CreatedAt:     base,
	})
	require.NoError(t, err)

	pending, err := repo.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "outbox-first", pending[0].ID)
	require.Equal(t, generated.ID, pending[1].ID)
	require.True(t, pending[1].NextAttemptAt.Equal(pending[1].CreatedAt))
	require.JSONEq(t, `{"version":1}`, string(pending[1].Payload))

	limited, err := repo.Pending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pending)
	require.True(t, stats.OldestPendingAt.Equal(base))
}

func TestOutboxRepository_RetrySentAndDead(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for _, id := range []string{"m-sent", "m-retry", "m-dead"} {
		_, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: id, AggregateID: id, EventType: "order.created", Payload: []byte(`{}`), CreatedAt: now})
		require.NoError(t, err)
	}

	require.NoError(t, repo.MarkSent(ctx, "m-sent"))
	require.NoError(t, repo.Retry(ctx, "m-retry", now.Add(time.Minute), "broker timeout"))
	require.NoError(t, repo.Retry(ctx, "m-retry", now.Add(2*time.Minute), "broker timeout again"))
	require.NoError(t, repo.Bury(ctx, "m-dead", "rejected"))

	pending, err := repo.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 2, pending[0].Attempts)
	require.Equal(t, "broker timeout again", pending[0].LastError)
	require.True(t, pending[0].NextAttemptAt.Equal(now.Add(2*time.Minute)))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Dead)

	require.ErrorIs(t, repo.MarkSent(ctx, "m-dead"), domain.ErrOutboxMessageNotFound)
	require.ErrorIs(t, repo.Bury(ctx, "m-sent", "late"), domain.ErrOutboxMessageNotFound)
	require.ErrorIs(t, repo.Retry(ctx, "missing", now, ""), domain.ErrOutboxMessageNotFound)
}

func TestOutboxRepository_EmptyStats(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOutboxRepository(store)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
	require.True(t, stats.OldestPendingAt.IsZero())
}
