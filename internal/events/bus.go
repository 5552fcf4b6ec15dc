// Package events implements the publish-only fanout bus described in §6:
// order-book snapshot, depth update, trade-executed, settlement-complete,
// and market-statistics events, delivered best-effort (a message a
// subscriber cannot take immediately is dropped, not redelivered).
// Payloads are encoded with the same fixed-width BigEndian layout the
// teacher used for its wire messages (internal/net/messages.go), adapted
// from a decode-on-read TCP format to an encode-on-publish fanout format.
package events

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridtokenx/internal/book"
	"gridtokenx/internal/domain"
)

type Kind uint16

const (
	KindSnapshot Kind = iota
	KindDepthUpdate
	KindTradeExecuted
	KindSettlementComplete
	KindMarketStats
)

// Envelope is one fanout message: a type tag plus its BigEndian payload.
type Envelope struct {
	Kind    Kind
	Payload []byte
}

// Bus fans published envelopes out to every live subscriber channel.
// Delivery is best-effort: a subscriber whose channel is full drops the
// message rather than blocking the publisher. Each subscriber receives a
// message at most once; a dropped message is not redelivered.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Envelope
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Envelope)}
}

// Subscribe registers a new consumer with the given channel buffer size.
// Unsubscribe must be called with the returned id when the consumer is done.
func (b *Bus) Subscribe(buf int) (id int, ch <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id = b.next
	b.next++
	c := make(chan Envelope, buf)
	b.subs[id] = c
	return id, c
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.subs[id]; ok {
		close(c)
		delete(b.subs, id)
	}
}

func (b *Bus) publish(e Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.subs {
		select {
		case c <- e:
		default:
		}
	}
}

func putFloat(buf []byte, off int, d float64) {
	binary.BigEndian.PutUint64(buf[off:off+8], math.Float64bits(d))
}

func putUUID(buf []byte, off int, id uuid.UUID) {
	copy(buf[off:off+16], id[:])
}

// PublishSnapshot implements matching.Events.PublishSnapshot: best bid,
// best ask, mid price, spread.
func (b *Bus) PublishSnapshot(bk *book.Book) {
	buf := make([]byte, 32)
	if lvl, ok := bk.BestBid(); ok {
		putFloat(buf, 0, toFloat(lvl.Price))
	}
	if lvl, ok := bk.BestAsk(); ok {
		putFloat(buf, 8, toFloat(lvl.Price))
	}
	if mid, ok := bk.MidPrice(); ok {
		putFloat(buf, 16, toFloat(mid))
	}
	if spread, ok := bk.Spread(); ok {
		putFloat(buf, 24, toFloat(spread))
	}
	b.publish(Envelope{Kind: KindSnapshot, Payload: buf})
}

// PublishDepthUpdate implements matching.Events.PublishDepthUpdate: the
// aggregate buy/sell volume at the best level on each side.
func (b *Bus) PublishDepthUpdate(bk *book.Book) {
	buy := bk.BuyDepth()
	sell := bk.SellDepth()
	buf := make([]byte, 16)
	if len(buy) > 0 {
		putFloat(buf, 0, toFloat(buy[0].TotalVolume))
	}
	if len(sell) > 0 {
		putFloat(buf, 8, toFloat(sell[0].TotalVolume))
	}
	b.publish(Envelope{Kind: KindDepthUpdate, Payload: buf})
}

// PublishTrade implements matching.Events.PublishTrade.
func (b *Bus) PublishTrade(m *domain.TradeMatch) {
	buf := make([]byte, 16+16+16+8+8+8)
	off := 0
	putUUID(buf, off, m.ID)
	off += 16
	putUUID(buf, off, m.BuyOrderID)
	off += 16
	putUUID(buf, off, m.SellOrderID)
	off += 16
	putFloat(buf, off, toFloat(m.Price))
	off += 8
	putFloat(buf, off, toFloat(m.Quantity))
	off += 8
	putFloat(buf, off, toFloat(m.TotalValue))
	b.publish(Envelope{Kind: KindTradeExecuted, Payload: buf})
}

// PublishSettlementComplete implements settlement.Events.
func (b *Bus) PublishSettlementComplete(st *domain.Settlement) {
	buf := make([]byte, 16+16+8+8)
	off := 0
	putUUID(buf, off, st.ID)
	off += 16
	putUUID(buf, off, st.TradeID)
	off += 16
	putFloat(buf, off, toFloat(st.NetAmount))
	off += 8
	putFloat(buf, off, toFloat(st.EffectiveEnergy))
	b.publish(Envelope{Kind: KindSettlementComplete, Payload: buf})
}

// PublishMarketStats implements the market-statistics event named in §6;
// callers pass the clearing-price oracle's result alongside book depth.
func (b *Bus) PublishMarketStats(clearingPrice, clearingVolume decimal.Decimal, buyDepth, sellDepth int) {
	buf := make([]byte, 24)
	putFloat(buf, 0, toFloat(clearingPrice))
	putFloat(buf, 8, toFloat(clearingVolume))
	binary.BigEndian.PutUint32(buf[16:20], uint32(buyDepth))
	binary.BigEndian.PutUint32(buf[20:24], uint32(sellDepth))
	b.publish(Envelope{Kind: KindMarketStats, Payload: buf})
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
