// Package matching implements the continuous double-auction matching
// engine: one execute_cycle per tick, producing midpoint-priced trades,
// persisting fills, and handing trades to the settlement pipeline.
package matching

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gridtokenx/internal/book"
	"gridtokenx/internal/domain"
	"gridtokenx/internal/telemetry"
)

// Store is the persistence surface the engine drives each cycle.
type Store interface {
	LoadPending(ctx context.Context, now time.Time) ([]*domain.Order, error)
	MarkExpired(ctx context.Context, id uuid.UUID) error
	PersistTrade(ctx context.Context, m *domain.TradeMatch, buyTotal, sellTotal decimal.Decimal) (applied bool, err error)
}

// Topology resolves per-pair wheeling/loss annotations for a trade.
type Topology interface {
	WheelingCharge(from, to int) decimal.Decimal
	LossFactor(from, to int) decimal.Decimal
}

// Events is the publish-only fanout the engine emits observable side
// effects to. All methods are best-effort; a failure is logged, never
// fatal to the cycle (§4.4.4).
type Events interface {
	PublishSnapshot(b *book.Book)
	PublishDepthUpdate(b *book.Book)
	PublishTrade(m *domain.TradeMatch)
}

// SettlementCreator creates one Pending settlement per persisted trade.
type SettlementCreator interface {
	CreateSettlements(ctx context.Context, trades []*domain.TradeMatch) ([]uuid.UUID, error)
}

// Engine runs execute_cycle against a single Book.
type Engine struct {
	book       *book.Book
	store      Store
	topology   Topology
	events     Events
	settlement SettlementCreator
}

func New(b *book.Book, store Store, topology Topology, events Events, settlement SettlementCreator) *Engine {
	return &Engine{book: b, store: store, topology: topology, events: events, settlement: settlement}
}

// ExecuteCycle runs one matching tick per §4.4.
func (e *Engine) ExecuteCycle(ctx context.Context) error {
	now := time.Now()

	pending, err := e.store.LoadPending(ctx, now)
	if err != nil {
		// Step 1 failure aborts the cycle; the next tick retries.
		return domain.Database("engine.execute_cycle.load_from_store", err)
	}
	e.book.Clear()
	for _, o := range pending {
		e.book.Add(o)
	}

	e.safePublishSnapshot()

	expired := e.book.RemoveExpired(now)
	for _, id := range expired {
		if err := e.store.MarkExpired(ctx, id); err != nil {
			log.Error().Err(err).Str("order_id", id.String()).Msg("failed to mark order expired")
			continue
		}
		telemetry.OrdersExpiredTotal.Inc()
	}

	results := e.matchLoop(now)

	if len(results) > 0 {
		for _, r := range results {
			e.safePublishTrade(r.trade)
		}
		persisted := e.persistTrades(ctx, results)
		if len(persisted) > 0 {
			if _, err := e.settlement.CreateSettlements(ctx, persisted); err != nil {
				log.Error().Err(err).Msg("failed to create settlements for cycle trades")
			}
		}
	}

	e.safePublishDepthUpdate()
	e.safePublishSnapshot()

	return nil
}

func (e *Engine) safePublishSnapshot() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("event publish panicked")
		}
	}()
	e.events.PublishSnapshot(e.book)
}

func (e *Engine) safePublishDepthUpdate() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("event publish panicked")
		}
	}()
	e.events.PublishDepthUpdate(e.book)
}

func (e *Engine) safePublishTrade(m *domain.TradeMatch) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("event publish panicked")
		}
	}()
	e.events.PublishTrade(m)
}

// matchResult pairs a produced trade with the original (not remaining)
// energy_amount of both orders, needed by the store's fill-status update.
type matchResult struct {
	trade     *domain.TradeMatch
	buyTotal  decimal.Decimal
	sellTotal decimal.Decimal
}

// matchLoop implements §4.4.1: repeatedly take the best bid/ask heads,
// fill them at the midpoint while both sides cross, updating in-book state
// under the book's write lock for the duration of each step (non-suspending,
// no I/O while held).
func (e *Engine) matchLoop(now time.Time) []matchResult {
	var trades []matchResult

	for {
		traded, done := e.matchOnce(now)
		if traded != nil {
			trades = append(trades, *traded)
		}
		if done {
			break
		}
	}
	return trades
}

// matchOnce runs a single iteration of match_loop. Returns the trade
// produced (nil if none) and whether the loop should stop.
func (e *Engine) matchOnce(now time.Time) (*matchResult, bool) {
	var trade *matchResult
	stop := true

	e.book.WithWriteLock(func(bids, asks *book.Levels) {
		bidLevel, bidOk := bids.Min()
		askLevel, askOk := asks.Min()
		if !bidOk || !askOk || bidLevel.Price.LessThan(askLevel.Price) {
			return
		}

		buy := headOrder(bidLevel)
		sell := headOrder(askLevel)
		if buy == nil || sell == nil {
			// Empty level left behind by a previous removal; prune and retry.
			if buy == nil {
				bids.Delete(bidLevel)
			}
			if sell == nil {
				asks.Delete(askLevel)
			}
			stop = false
			return
		}

		if buy.IsFilled() || buy.IsExpired(now) {
			e.book.RemoveLocked(buy.ID)
			stop = false
			return
		}
		if sell.IsFilled() || sell.IsExpired(now) {
			e.book.RemoveLocked(sell.ID)
			stop = false
			return
		}

		// Re-fetch heads' prices in case levels shifted (§4.4.1 step 3).
		if buy.Price.LessThan(sell.Price) {
			return
		}

		qty := decimal.Min(buy.Remaining(), sell.Remaining())
		if !qty.GreaterThan(decimal.Zero) {
			return
		}

		execPrice := buy.Price.Add(sell.Price).Div(decimal.NewFromInt(2))

		buy.Fill(qty)
		sell.Fill(qty)
		adjustLevelVolume(bidLevel, qty)
		adjustLevelVolume(askLevel, qty)

		if buy.IsFilled() {
			e.book.RemoveLocked(buy.ID)
		}
		if sell.IsFilled() {
			e.book.RemoveLocked(sell.ID)
		}

		buyerZone, sellerZone := buy.ZoneID, sell.ZoneID
		wheeling := e.topology.WheelingCharge(sellerZone, buyerZone)
		lossFactor := e.topology.LossFactor(sellerZone, buyerZone)

		trade = &matchResult{
			trade: &domain.TradeMatch{
				ID:             uuid.New(),
				EpochID:        pickEpoch(buy, sell),
				BuyOrderID:     buy.ID,
				SellOrderID:    sell.ID,
				BuyerID:        buy.UserID,
				SellerID:       sell.UserID,
				Price:          execPrice,
				Quantity:       qty,
				TotalValue:     qty.Mul(execPrice),
				MatchedAt:      now,
				BuyerZoneID:    buyerZone,
				SellerZoneID:   sellerZone,
				WheelingCharge: wheeling,
				LossFactor:     lossFactor,
				LossCost:       qty.Mul(execPrice).Mul(lossFactor),
			},
			buyTotal:  buy.EnergyAmount,
			sellTotal: sell.EnergyAmount,
		}
		stop = false
	})

	return trade, stop
}

func headOrder(level *domain.PriceLevel) *domain.Order {
	if len(level.Orders) == 0 {
		return nil
	}
	return level.Orders[0]
}

func adjustLevelVolume(level *domain.PriceLevel, qty decimal.Decimal) {
	level.TotalVolume = level.TotalVolume.Sub(qty)
}

func pickEpoch(buy, sell *domain.Order) *uuid.UUID {
	if buy.EpochID != nil {
		return buy.EpochID
	}
	if sell.EpochID != nil {
		return sell.EpochID
	}
	fresh := uuid.New()
	return &fresh
}

// persistTrades implements §4.4.3: one transaction per trade, with an
// optimistic-concurrency guard on each order update. A trade whose update
// affects zero rows is skipped (logged), per the §4.4.3 skipped-trade
// policy; the batch continues.
func (e *Engine) persistTrades(ctx context.Context, results []matchResult) []*domain.TradeMatch {
	var persisted []*domain.TradeMatch
	for _, r := range results {
		applied, err := e.store.PersistTrade(ctx, r.trade, r.buyTotal, r.sellTotal)
		if err != nil {
			log.Error().Err(err).Str("trade_id", r.trade.ID.String()).Msg("failed to persist trade, skipping")
			telemetry.TradesSkippedTotal.WithLabelValues("persist_error").Inc()
			continue
		}
		if !applied {
			log.Warn().Str("trade_id", r.trade.ID.String()).Msg("trade skipped: concurrent cancel or double-fill detected")
			telemetry.TradesSkippedTotal.WithLabelValues("concurrent_conflict").Inc()
			continue
		}
		telemetry.TradesTotal.Inc()
		persisted = append(persisted, r.trade)
	}
	return persisted
}
