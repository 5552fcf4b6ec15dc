package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"gridtokenx/internal/domain"
)

const (
	keyBuyLadder  = "order_book:buy"
	keySellLadder = "order_book:sell"
	keyOrderFmt   = "order:%s"
	keyMetadata   = "order_book:metadata"
	cacheTTL      = 24 * time.Hour
)

// Cache wraps the soft-state order-book snapshot described in §4.3: two
// sorted sets scored by price, a per-order hash for lookup, and a metadata
// blob, all with a 24h TTL.
type Cache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

type cachedOrder struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	EpochID      string    `json:"epoch_id,omitempty"`
	ZoneID       int       `json:"zone_id"`
	Side         string    `json:"side"`
	EnergyAmount string    `json:"energy_amount"`
	Price        string    `json:"price"`
	FilledAmount string    `json:"filled_amount"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func toCached(o *domain.Order) cachedOrder {
	c := cachedOrder{
		ID: o.ID.String(), UserID: o.UserID.String(), ZoneID: o.ZoneID,
		Side: o.Side.String(), EnergyAmount: o.EnergyAmount.String(), Price: o.Price.String(),
		FilledAmount: o.FilledAmount.String(), Status: string(o.Status),
		CreatedAt: o.CreatedAt, ExpiresAt: o.ExpiresAt,
	}
	if o.EpochID != nil {
		c.EpochID = o.EpochID.String()
	}
	return c
}

func fromCached(c cachedOrder) (*domain.Order, error) {
	o := &domain.Order{
		ID: uuid.MustParse(c.ID), UserID: uuid.MustParse(c.UserID), ZoneID: c.ZoneID,
		Side: parseSide(c.Side), Status: domain.OrderStatus(c.Status),
		CreatedAt: c.CreatedAt, ExpiresAt: c.ExpiresAt,
	}
	var err error
	if o.EnergyAmount, err = decimal.NewFromString(c.EnergyAmount); err != nil {
		return nil, err
	}
	if o.Price, err = decimal.NewFromString(c.Price); err != nil {
		return nil, err
	}
	if o.FilledAmount, err = decimal.NewFromString(c.FilledAmount); err != nil {
		return nil, err
	}
	if c.EpochID != "" {
		id, err := uuid.Parse(c.EpochID)
		if err == nil {
			o.EpochID = &id
		}
	}
	return o, nil
}

type metadata struct {
	BestBid   string    `json:"best_bid,omitempty"`
	BestAsk   string    `json:"best_ask,omitempty"`
	MidPrice  string    `json:"mid_price,omitempty"`
	Spread    string    `json:"spread,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveSnapshot atomically replaces both sorted sets and refreshes the
// per-order hashes and metadata blob. It never mutates the in-memory book;
// the caller must pass an already read-locked copy (book.Snapshot()).
func (c *Cache) SaveSnapshot(ctx context.Context, bids, asks []*domain.Order) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, keyBuyLadder)
	pipe.Del(ctx, keySellLadder)

	writeSide := func(key string, orders []*domain.Order) error {
		for _, o := range orders {
			data, err := json.Marshal(toCached(o))
			if err != nil {
				return err
			}
			price, _ := o.Price.Float64()
			pipe.ZAdd(ctx, key, redis.Z{Score: price, Member: string(data)})
			orderKey := fmt.Sprintf(keyOrderFmt, o.ID.String())
			pipe.HSet(ctx, orderKey, "data", data)
			pipe.Expire(ctx, orderKey, cacheTTL)
			pipe.Expire(ctx, key, cacheTTL)
		}
		return nil
	}
	if err := writeSide(keyBuyLadder, bids); err != nil {
		return domain.Cache("cache.save_snapshot.marshal", err)
	}
	if err := writeSide(keySellLadder, asks); err != nil {
		return domain.Cache("cache.save_snapshot.marshal", err)
	}

	meta := metadata{UpdatedAt: time.Now()}
	if len(bids) > 0 {
		meta.BestBid = bids[0].Price.String()
	}
	if len(asks) > 0 {
		meta.BestAsk = asks[0].Price.String()
	}
	if len(bids) > 0 && len(asks) > 0 {
		mid := bids[0].Price.Add(asks[0].Price).Div(decimal.NewFromInt(2))
		meta.MidPrice = mid.String()
		meta.Spread = asks[0].Price.Sub(bids[0].Price).String()
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return domain.Cache("cache.save_snapshot.marshal_metadata", err)
	}
	pipe.Set(ctx, keyMetadata, metaData, cacheTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Cache("cache.save_snapshot.exec", err)
	}
	return nil
}

// RestoreFromCache reads the two sorted sets and returns the cached bid and
// ask orders, skipping any order that has since expired. It does not touch
// an in-memory book; the caller adds the returned orders to one.
func (c *Cache) RestoreFromCache(ctx context.Context, now time.Time) ([]*domain.Order, []*domain.Order, error) {
	restore := func(key string) ([]*domain.Order, error) {
		members, err := c.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		var out []*domain.Order
		for _, m := range members {
			raw, ok := m.Member.(string)
			if !ok {
				continue
			}
			var co cachedOrder
			if err := json.Unmarshal([]byte(raw), &co); err != nil {
				continue
			}
			o, err := fromCached(co)
			if err != nil {
				continue
			}
			if o.IsExpired(now) {
				continue
			}
			out = append(out, o)
		}
		return out, nil
	}

	bids, err := restore(keyBuyLadder)
	if err != nil {
		return nil, nil, domain.Cache("cache.restore.bids", err)
	}
	asks, err := restore(keySellLadder)
	if err != nil {
		return nil, nil, domain.Cache("cache.restore.asks", err)
	}
	return bids, asks, nil
}
