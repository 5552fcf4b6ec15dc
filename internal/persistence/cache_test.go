package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gridtokenx/internal/domain"
)

// newTestCache connects to a local redis instance for integration coverage.
// Skipped when redis isn't reachable, since no in-process fake redis is
// available in the dependency set.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("redis not reachable, skipping cache integration test:", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCache(rdb)
}

func TestSaveSnapshotThenRestore_RoundTrips(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	now := time.Now()
	bid := &domain.Order{
		ID: uuid.New(), UserID: uuid.New(), ZoneID: 1, Side: domain.Buy,
		EnergyAmount: decimal.NewFromFloat(50), Price: decimal.NewFromFloat(0.12),
		FilledAmount: decimal.Zero, Status: domain.OrderPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	ask := &domain.Order{
		ID: uuid.New(), UserID: uuid.New(), ZoneID: 2, Side: domain.Sell,
		EnergyAmount: decimal.NewFromFloat(30), Price: decimal.NewFromFloat(0.18),
		FilledAmount: decimal.Zero, Status: domain.OrderPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}

	require.NoError(t, c.SaveSnapshot(ctx, []*domain.Order{bid}, []*domain.Order{ask}))

	bids, asks, err := c.RestoreFromCache(ctx, now)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	require.Equal(t, bid.ID, bids[0].ID)
	require.Equal(t, ask.ID, asks[0].ID)
}

func TestRestoreFromCache_SkipsExpired(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	now := time.Now()
	expired := &domain.Order{
		ID: uuid.New(), UserID: uuid.New(), ZoneID: 1, Side: domain.Buy,
		EnergyAmount: decimal.NewFromFloat(10), Price: decimal.NewFromFloat(0.10),
		FilledAmount: decimal.Zero, Status: domain.OrderPending,
		CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
	}

	require.NoError(t, c.SaveSnapshot(ctx, []*domain.Order{expired}, nil))

	bids, _, err := c.RestoreFromCache(ctx, now)
	require.NoError(t, err)
	require.Empty(t, bids)
}
