package topology

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtokenx/internal/domain"
)

type fakeStore struct {
	rates []domain.ZoneRate
	err   error
}

func (f *fakeStore) LoadActiveZoneRates(ctx context.Context) ([]domain.ZoneRate, error) {
	return f.rates, f.err
}

func TestDefaultFallback_SameZone(t *testing.T) {
	s := New(&fakeStore{}, time.Minute)
	assert.True(t, s.WheelingCharge(3, 3).Equal(decimal.NewFromFloat(0.50)))
	assert.True(t, s.LossFactor(3, 3).Equal(decimal.NewFromFloat(0.01)))
}

func TestDefaultFallback_Adjacent(t *testing.T) {
	s := New(&fakeStore{}, time.Minute)
	assert.True(t, s.WheelingCharge(3, 4).Equal(decimal.NewFromFloat(1.00)))
	assert.True(t, s.LossFactor(4, 3).Equal(decimal.NewFromFloat(0.03)))
}

func TestDefaultFallback_Distant(t *testing.T) {
	s := New(&fakeStore{}, time.Minute)
	assert.True(t, s.WheelingCharge(1, 5).Equal(decimal.NewFromFloat(1.90))) // 1.5 + 0.1*4
	assert.True(t, s.LossFactor(1, 5).Equal(decimal.NewFromFloat(0.07)))    // 0.03 + 0.01*4
}

func TestDefaultFallback_LossCapped(t *testing.T) {
	s := New(&fakeStore{}, time.Minute)
	assert.True(t, s.LossFactor(1, 20).Equal(decimal.NewFromFloat(0.15)))
}

func TestDefaultFallback_UnknownZone(t *testing.T) {
	s := New(&fakeStore{}, time.Minute)
	assert.True(t, s.WheelingCharge(-1, 5).Equal(decimal.NewFromFloat(2.00)))
	assert.True(t, s.LossFactor(5, -1).Equal(decimal.NewFromFloat(0.05)))
}

func TestRefresh_OverridesFallbackPerPair(t *testing.T) {
	store := &fakeStore{rates: []domain.ZoneRate{
		{FromZone: 1, ToZone: 2, WheelingCharge: decimal.NewFromFloat(9.99), LossFactor: decimal.NewFromFloat(0.5)},
	}}
	s := New(store, time.Minute)
	n, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, s.WheelingCharge(1, 2).Equal(decimal.NewFromFloat(9.99)))
	// Pairs not present still fall back to the default schedule.
	assert.True(t, s.WheelingCharge(2, 3).Equal(decimal.NewFromFloat(1.00)))
}

func TestRefresh_FailureRetainsPreviousCache(t *testing.T) {
	store := &fakeStore{rates: []domain.ZoneRate{
		{FromZone: 1, ToZone: 2, WheelingCharge: decimal.NewFromFloat(9.99), LossFactor: decimal.NewFromFloat(0.5)},
	}}
	s := New(store, time.Minute)
	_, err := s.Refresh(context.Background())
	require.NoError(t, err)

	store.err = errors.New("db unreachable")
	_, err = s.Refresh(context.Background())
	require.Error(t, err)

	assert.True(t, s.WheelingCharge(1, 2).Equal(decimal.NewFromFloat(9.99)))
}

func TestLossCost(t *testing.T) {
	got := LossCost(decimal.NewFromFloat(100), decimal.NewFromFloat(0.2), decimal.NewFromFloat(0.05))
	assert.True(t, got.Equal(decimal.NewFromFloat(1.0)))
}
