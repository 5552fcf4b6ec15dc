// Package domain holds the shared trading types used across the book,
// matching, persistence, topology and settlement packages.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is which side of the book an order rests on.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// OrderStatus mirrors the orders.status column.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
)

// SettlementStatus mirrors the settlements.status column.
type SettlementStatus string

const (
	SettlementPending           SettlementStatus = "pending"
	SettlementProcessing        SettlementStatus = "processing"
	SettlementCompleted         SettlementStatus = "completed"
	SettlementFailed            SettlementStatus = "failed"
	SettlementPermanentlyFailed SettlementStatus = "permanently_failed"
)

// TradeStatus mirrors the trades.status column. A trade starts pending and
// follows the settlement of its parent trade (§4.6.7 of the design notes).
type TradeStatus string

const (
	TradePending           TradeStatus = "pending"
	TradeSettled           TradeStatus = "settled"
	TradeSettlementFailed  TradeStatus = "settlement_failed"
)

// Order is a resting or incoming unit of trading intent.
type Order struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	EpochID      *uuid.UUID
	Side         Side
	ZoneID       int
	EnergyAmount decimal.Decimal
	Price        decimal.Decimal
	FilledAmount decimal.Decimal
	Status       OrderStatus
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Remaining is energy_amount - filled_amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.EnergyAmount.Sub(o.FilledAmount)
}

// IsFilled reports whether the order has no remaining quantity.
func (o *Order) IsFilled() bool {
	return o.Remaining().LessThanOrEqual(decimal.Zero)
}

// IsExpired reports whether now is past the order's expiry.
func (o *Order) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Fill advances FilledAmount by qty and updates Status accordingly. The
// caller is responsible for holding the book's write lock.
func (o *Order) Fill(qty decimal.Decimal) {
	o.FilledAmount = o.FilledAmount.Add(qty)
	if o.IsFilled() {
		o.Status = OrderFilled
	} else {
		o.Status = OrderPartiallyFilled
	}
}

// PriceLevel is one price on one side of the book: a FIFO queue of orders
// plus the running sum of their remaining quantity.
type PriceLevel struct {
	Price       decimal.Decimal
	TotalVolume decimal.Decimal
	Orders      []*Order
}

// TradeMatch is one fill produced by the matching engine.
type TradeMatch struct {
	ID            uuid.UUID
	EpochID       *uuid.UUID
	BuyOrderID    uuid.UUID
	SellOrderID   uuid.UUID
	BuyerID       uuid.UUID
	SellerID      uuid.UUID
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	TotalValue    decimal.Decimal
	MatchedAt     time.Time
	BuyerZoneID   int
	SellerZoneID  int
	WheelingCharge decimal.Decimal
	LossFactor    decimal.Decimal
	LossCost      decimal.Decimal
}

// Settlement is the ledger-facing record produced from one TradeMatch.
type Settlement struct {
	ID               uuid.UUID
	TradeID          uuid.UUID
	BuyOrderID       uuid.UUID
	SellOrderID      uuid.UUID
	BuyerID          uuid.UUID
	SellerID         uuid.UUID
	EnergyAmount     decimal.Decimal
	EffectiveEnergy  decimal.Decimal
	Price            decimal.Decimal
	TotalValue       decimal.Decimal
	FeeAmount        decimal.Decimal
	NetAmount        decimal.Decimal
	WheelingCharge   decimal.Decimal
	LossFactor       decimal.Decimal
	LossCost         decimal.Decimal
	BuyerZoneID      int
	SellerZoneID     int
	Status           SettlementStatus
	LedgerTx         string
	RetryCount       int
	LastError        string
	NextRetryAt      *time.Time
	CreatedAt        time.Time
	ConfirmedAt      *time.Time
}

// ZoneRate is one (from_zone, to_zone) wheeling/loss entry.
type ZoneRate struct {
	FromZone       int
	ToZone         int
	WheelingCharge decimal.Decimal
	LossFactor     decimal.Decimal
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
	IsActive       bool
}

// User is the subset of the users table the core reads/writes directly.
type User struct {
	ID                   uuid.UUID
	WalletAddress        string
	EncryptedPrivateKey  []byte
	WalletSalt           []byte
	EncryptionIV         []byte
	Balance              decimal.Decimal
	LockedAmount         decimal.Decimal
	LockedEnergy         decimal.Decimal
	ZoneID               int
}
