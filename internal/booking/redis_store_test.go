package booking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisReservationStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisReservationStore(client, time.Hour)
}

func TestRedisReservationStoreRoundTrip(t *testing.T) {
	_, store := newRedisStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	r := newReservation(uuid.New(), now)
	require.NoError(t, r.apply(slotHeld{slot: heldSlot(now), amount: decimal.RequireFromString("40.00"), currency: "USD"}, now))
	require.NoError(t, store.Save(ctx, *r))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.SlotID, got.SlotID)
	assert.Equal(t, StateHeld, got.State)
	assert.True(t, got.Amount.Equal(r.Amount))

	byKey, err := store.FindByKey(ctx, r.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, r.ID, byKey.ID)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestRedisReservationStoreTracksActive(t *testing.T) {
	mr, store := newRedisStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	held := newReservation(uuid.New(), now)
	require.NoError(t, held.apply(slotHeld{slot: heldSlot(now)}, now))
	require.NoError(t, store.Save(ctx, *held))

	done := newReservation(uuid.New(), now)
	require.NoError(t, done.apply(slotHeld{slot: heldSlot(now)}, now))
	require.NoError(t, store.Save(ctx, *done))
	require.NoError(t, done.apply(holdReleased{reason: "abandoned"}, now))
	require.NoError(t, store.Save(ctx, *done))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, held.ID, active[0].ID)

	// an expired document leaves a dangling index entry behind
	mr.FastForward(2 * time.Hour)
	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	members, err := mr.SMembers(activeReservationsKey)
	if err == nil {
		assert.Empty(t, members)
	}
}
