// Package book implements the in-memory, price-time-priority double-sided
// order book (bids descending, asks ascending), each price level a FIFO
// queue of orders.
package book

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"gridtokenx/internal/domain"
)

// Levels is a B-tree of price levels ordered by the comparator New gives
// each of the book's two ladders.
type Levels = btree.BTreeG[*domain.PriceLevel]

// Book is the in-memory order book for a single traded asset. One
// sync.RWMutex guards both ladders and the id index, matching the single
// exclusive-access region the concurrency model requires: add/remove/match
// take the write lock, best/depth/mid/spread take the read lock, and no
// lock holder performs I/O.
type Book struct {
	mu sync.RWMutex

	bids *Levels
	asks *Levels

	index map[uuid.UUID]domain.Side
}

// New returns an empty book. Bids iterate highest price first, asks lowest
// price first.
func New() *Book {
	bids := btree.NewBTreeG(func(a, b *domain.PriceLevel) bool {
		return a.Price.GreaterThan(b.Price)
	})
	asks := btree.NewBTreeG(func(a, b *domain.PriceLevel) bool {
		return a.Price.LessThan(b.Price)
	})
	return &Book{
		bids:  bids,
		asks:  asks,
		index: make(map[uuid.UUID]domain.Side),
	}
}

func (b *Book) ladder(side domain.Side) *Levels {
	if side == domain.Buy {
		return b.bids
	}
	return b.asks
}

// Add places order into the correct ladder and FIFO bucket, recording its
// side in the index. Callers must ensure the order is neither filled nor
// expired.
func (b *Book) Add(order *domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(order)
}

func (b *Book) addLocked(order *domain.Order) {
	levels := b.ladder(order.Side)
	key := &domain.PriceLevel{Price: order.Price}
	level, ok := levels.GetMut(key)
	if !ok {
		level = &domain.PriceLevel{Price: order.Price}
		levels.Set(level)
	}
	level.Orders = append(level.Orders, order)
	level.TotalVolume = level.TotalVolume.Add(order.Remaining())
	b.index[order.ID] = order.Side
}

// Remove removes the order with id from the book, pruning its level if it
// becomes empty. Returns the removed order, or nil if it was not present.
func (b *Book) Remove(id uuid.UUID) *domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Book) removeLocked(id uuid.UUID) *domain.Order {
	side, ok := b.index[id]
	if !ok {
		return nil
	}
	levels := b.ladder(side)
	var found *domain.Order

	levels.Scan(func(level *domain.PriceLevel) bool {
		for i, o := range level.Orders {
			if o.ID == id {
				found = o
				level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
				level.TotalVolume = level.TotalVolume.Sub(o.Remaining())
				if len(level.Orders) == 0 {
					levels.Delete(level)
				}
				return false
			}
		}
		return true
	})

	delete(b.index, id)
	return found
}

// BestBid returns the highest bid price level, if any.
func (b *Book) BestBid() (*domain.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Min()
}

// BestAsk returns the lowest ask price level, if any.
func (b *Book) BestAsk() (*domain.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Min()
}

// MidPrice returns (best_bid + best_ask)/2 when both sides exist.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, ok := b.bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := b.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Spread returns best_ask - best_bid when both sides exist.
func (b *Book) Spread() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, ok := b.bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := b.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// DepthEntry is one (price, total_volume) pair returned by BuyDepth/SellDepth.
type DepthEntry struct {
	Price       decimal.Decimal
	TotalVolume decimal.Decimal
}

// BuyDepth returns the bid ladder as ordered (price, volume) pairs, best first.
func (b *Book) BuyDepth() []DepthEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return depth(b.bids)
}

// SellDepth returns the ask ladder as ordered (price, volume) pairs, best first.
func (b *Book) SellDepth() []DepthEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return depth(b.asks)
}

func depth(levels *Levels) []DepthEntry {
	var out []DepthEntry
	levels.Scan(func(level *domain.PriceLevel) bool {
		out = append(out, DepthEntry{Price: level.Price, TotalVolume: level.TotalVolume})
		return true
	})
	return out
}

// RemoveExpired sweeps both ladders removing orders with ExpiresAt before
// now, returning their ids.
func (b *Book) RemoveExpired(now time.Time) []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []uuid.UUID
	for _, levels := range []*Levels{b.bids, b.asks} {
		var ids []uuid.UUID
		levels.Scan(func(level *domain.PriceLevel) bool {
			for _, o := range level.Orders {
				if o.IsExpired(now) {
					ids = append(ids, o.ID)
				}
			}
			return true
		})
		for _, id := range ids {
			b.removeLocked(id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Clear drops all state.
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.Clear()
	b.asks.Clear()
	b.index = make(map[uuid.UUID]domain.Side)
}

// Snapshot returns a read-locked copy of both ladders suitable for handing
// to the cache writer after the lock is released, matching the rule that
// writer-lock holders must never perform I/O.
func (b *Book) Snapshot() (bids, asks []*domain.Order) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.bids.Scan(func(level *domain.PriceLevel) bool {
		bids = append(bids, level.Orders...)
		return true
	})
	b.asks.Scan(func(level *domain.PriceLevel) bool {
		asks = append(asks, level.Orders...)
		return true
	})
	return bids, asks
}

// WithWriteLock runs fn with the book's exclusive lock held. Used by the
// matching engine to run match_loop as a single non-suspending critical
// section; fn must not perform I/O.
func (b *Book) WithWriteLock(fn func(bids, asks *Levels)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.bids, b.asks)
}

// RemoveLocked removes an order assuming the caller already holds the write
// lock (used from within WithWriteLock callbacks).
func (b *Book) RemoveLocked(id uuid.UUID) *domain.Order {
	return b.removeLocked(id)
}

// AddLocked adds an order assuming the caller already holds the write lock.
func (b *Book) AddLocked(order *domain.Order) {
	b.addLocked(order)
}
