package payments

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func TestCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	patientID := uuid.New()

	_, ok, err := cache.Get(ctx, patientID)
	require.NoError(t, err)
	require.False(t, ok)

	balance := CreditBalance{
		PatientID:      patientID,
		Total:          money("200"),
		Applied:        money("79.50"),
		Available:      money("120.50"),
		Count:          1,
		UnappliedCount: 1,
		Credits: []UnappliedCredit{{
			PaymentID:  uuid.New(),
			Amount:     money("200"),
			Available:  money("120.50"),
			ReceivedAt: time.Now().UTC().Truncate(time.Second),
		}},
	}
	require.NoError(t, cache.Set(ctx, balance))

	got, ok, err := cache.Get(ctx, patientID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Total.Equal(balance.Total))
	require.True(t, got.Available.Equal(balance.Available))
	require.Equal(t, 1, got.UnappliedCount)
	require.Len(t, got.Credits, 1)
}

func TestCacheInvalidate(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	patientID := uuid.New()

	require.NoError(t, cache.Set(ctx, CreditBalance{PatientID: patientID, Total: money("10")}))
	_, ok, err := cache.Get(ctx, patientID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cache.Invalidate(ctx, patientID))
	_, ok, err = cache.Get(ctx, patientID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheNilSafe(t *testing.T) {
	var cache *Cache
	ctx := context.Background()
	patientID := uuid.New()

	_, ok, err := cache.Get(ctx, patientID)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cache.Set(ctx, CreditBalance{PatientID: patientID}))
	require.NoError(t, cache.Invalidate(ctx, patientID))
}
