package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/storage/memory"
)

func TestIdempotencyRepository_ReserveTwice(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour)

	record, err := repo.Reserve(ctx, " order-1 ", "fp-1", expires)
	require.NoError(t, err)
	require.Equal(t, "order-1", record.Key)
	require.Equal(t, domain.IdempotencyStatusProcessing, record.Status)

	_, err = repo.Reserve(ctx, "order-1", "fp-1", expires)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyTaken)

	_, err = repo.Reserve(ctx, "order-1", "fp-2", expires)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestIdempotencyRepository_CompleteStoresCopy(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()

	_, err := repo.Reserve(ctx, "order-2", "fp", time.Now().Add(time.Hour))
	require.NoError(t, err)

	body := []byte(`{"order_id":"o-2"}`)
	require.NoError(t, repo.Complete(ctx, "order-2", domain.StoredResponse{StatusCode: 201, Body: body}))
	body[0] = 'x'

	got, err := repo.Get(ctx, "order-2")
	require.NoError(t, err)
	require.True(t, got.Replayable())
	require.Equal(t, `{"order_id":"o-2"}`, string(got.Response.Body))

	// повторное завершение запрещено
	require.ErrorIs(t, repo.Complete(ctx, "order-2", domain.StoredResponse{StatusCode: 200}), domain.ErrIdempotencyKeyNotFound)
	require.ErrorIs(t, repo.Complete(ctx, "missing", domain.StoredResponse{StatusCode: 200}), domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_ReleaseAndReclaim(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.Reserve(ctx, "order-3", "fp-a", now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, repo.Release(ctx, "order-3"))
	_, err = repo.Reserve(ctx, "order-3", "fp-b", now.Add(time.Hour))
	require.NoError(t, err, "released key can be taken by another request")

	_, err = repo.Reserve(ctx, "order-4", "fp-a", now.Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, "order-4", domain.StoredResponse{StatusCode: 201}))
	require.NoError(t, repo.Release(ctx, "order-4"))

	reclaimed, err := repo.Reserve(ctx, "order-4", "fp-b", now.Add(time.Hour))
	require.NoError(t, err, "expired key is reclaimed")
	require.Equal(t, "fp-b", reclaimed.Fingerprint)
	require.False(t, reclaimed.Replayable())
}

func TestIdempotencyRepository_PurgeExpired(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, key := range []string{"a", "b", "c"} {
		_, err := repo.Reserve(ctx, key, "fp", now.Add(-time.Duration(3-i)*time.Minute))
		require.NoError(t, err)
	}
	_, err := repo.Reserve(ctx, "live", "fp", now.Add(time.Hour))
	require.NoError(t, err)

	purged, err := repo.PurgeExpired(ctx, now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, purged)

	// самый свежий из просроченных остался
	_, err = repo.Get(ctx, "c")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "a")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	purged, err = repo.PurgeExpired(ctx, now, 0)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
}

func TestIdempotencyRepository_Validation(t *testing.T) {
	repo := memory.NewIdempotencyRepository()

	_, err := repo.Reserve(context.Background(), "", "fp", time.Now())
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.Reserve(context.Background(), "k", " ", time.Now())
	require.ErrorIs(t, err, domain.ErrIdempotencyFingerprintRequired)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = repo.Reserve(ctx, "k", "fp", time.Now())
	require.ErrorIs(t, err, context.Canceled)
}
