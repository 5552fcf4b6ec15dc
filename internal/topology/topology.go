// Package topology maps (from_zone, to_zone) pairs to wheeling charge and
// loss factor, backed by a periodically refreshed cache over the
// authoritative store.
package topology

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"

	"gridtokenx/internal/domain"
)

// Store is the subset of persistence the topology service needs.
type Store interface {
	LoadActiveZoneRates(ctx context.Context) ([]domain.ZoneRate, error)
}

type zonePair struct {
	from, to int
}

// Service caches zone rates behind a reader-writer lock, refreshed on
// RefreshInterval from Store. On load failure the previous cache is kept.
type Service struct {
	store           Store
	refreshInterval time.Duration

	mu          sync.RWMutex
	rates       map[zonePair]domain.ZoneRate
	lastRefresh time.Time
	lastErr     error
}

func New(store Store, refreshInterval time.Duration) *Service {
	return &Service{
		store:           store,
		refreshInterval: refreshInterval,
		rates:           make(map[zonePair]domain.ZoneRate),
	}
}

// Run reloads rates once immediately, then on every tick of RefreshInterval,
// until t.Dying() fires.
func (s *Service) Run(t *tomb.Tomb) error {
	if _, err := s.Refresh(context.Background()); err != nil {
		log.Error().Err(err).Msg("initial zone rate load failed")
	}

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			count, err := s.Refresh(context.Background())
			if err != nil {
				log.Error().Err(err).Msg("zone rate refresh failed, retaining previous cache")
				continue
			}
			log.Debug().Int("count", count).Msg("refreshed zone rate cache")
		}
	}
}

// Refresh reloads all active zone rates from the store, replacing the
// cache wholesale on success.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	rates, err := s.store.LoadActiveZoneRates(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return 0, err
	}

	next := make(map[zonePair]domain.ZoneRate, len(rates))
	for _, r := range rates {
		next[zonePair{r.FromZone, r.ToZone}] = r
	}

	s.mu.Lock()
	s.rates = next
	s.lastRefresh = time.Now()
	s.lastErr = nil
	s.mu.Unlock()

	return len(rates), nil
}

// CacheAge returns how long ago the cache last refreshed successfully, and
// whether it has ever refreshed.
func (s *Service) CacheAge() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRefresh.IsZero() {
		return 0, false
	}
	return time.Since(s.lastRefresh), true
}

func (s *Service) lookup(from, to int) (domain.ZoneRate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[zonePair{from, to}]
	return rate, ok
}

// WheelingCharge returns the per-kWh wheeling fee between two zones,
// falling back to the deterministic default schedule when no cached rate
// exists for the pair.
func (s *Service) WheelingCharge(from, to int) decimal.Decimal {
	if rate, ok := s.lookup(from, to); ok {
		return rate.WheelingCharge
	}
	return defaultWheelingCharge(from, to)
}

// LossFactor returns the fractional transmission loss between two zones,
// falling back to the deterministic default schedule when no cached rate
// exists for the pair.
func (s *Service) LossFactor(from, to int) decimal.Decimal {
	if rate, ok := s.lookup(from, to); ok {
		return rate.LossFactor
	}
	return defaultLossFactor(from, to)
}

// LossCost is energy * price * loss_factor.
func LossCost(energy, price, lossFactor decimal.Decimal) decimal.Decimal {
	return energy.Mul(price).Mul(lossFactor)
}

var (
	wheelingSameZone  = decimal.NewFromFloat(0.50)
	wheelingAdjacent   = decimal.NewFromFloat(1.00)
	wheelingBase       = decimal.NewFromFloat(1.50)
	wheelingPerDistance = decimal.NewFromFloat(0.1)
	wheelingUnknown    = decimal.NewFromFloat(2.00)

	lossSameZone   = decimal.NewFromFloat(0.01)
	lossAdjacent    = decimal.NewFromFloat(0.03)
	lossBase        = decimal.NewFromFloat(0.03)
	lossPerDistance = decimal.NewFromFloat(0.01)
	lossCap         = decimal.NewFromFloat(0.15)
	lossUnknown     = decimal.NewFromFloat(0.05)
)

func distance(from, to int) int {
	d := from - to
	if d < 0 {
		return -d
	}
	return d
}

// ZoneKnown reports whether a zone id is non-negative, matching the
// convention that an unassigned zone is represented as -1.
func ZoneKnown(zone int) bool { return zone >= 0 }

func defaultWheelingCharge(from, to int) decimal.Decimal {
	if !ZoneKnown(from) || !ZoneKnown(to) {
		return wheelingUnknown
	}
	if from == to {
		return wheelingSameZone
	}
	d := distance(from, to)
	if d == 1 {
		return wheelingAdjacent
	}
	return wheelingBase.Add(wheelingPerDistance.Mul(decimal.NewFromInt(int64(d))))
}

func defaultLossFactor(from, to int) decimal.Decimal {
	if !ZoneKnown(from) || !ZoneKnown(to) {
		return lossUnknown
	}
	if from == to {
		return lossSameZone
	}
	d := distance(from, to)
	if d == 1 {
		return lossAdjacent
	}
	loss := lossBase.Add(lossPerDistance.Mul(decimal.NewFromInt(int64(d))))
	if loss.GreaterThan(lossCap) {
		return lossCap
	}
	return loss
}
