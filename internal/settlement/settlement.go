// Package settlement implements the pipeline described in §4.6: turning a
// matched trade into a Settlement row, executing it against an external
// ledger (or the blockchain-free NullLedger), finalizing escrow, and
// retrying failures with backoff and error classification.
package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gridtokenx/internal/domain"
	"gridtokenx/internal/ledger"
	"gridtokenx/internal/wallet"
)

// Store is the subset of persistence.Store the settlement pipeline needs.
type Store interface {
	CreateSettlement(ctx context.Context, st *domain.Settlement) error
	GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Settlement, error)
	SetSettlementStatus(ctx context.Context, id uuid.UUID, status domain.SettlementStatus) error
	MarkCompleted(ctx context.Context, id uuid.UUID, ledgerTx string, confirmedAt time.Time) error
	IncrementRetry(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error
	MarkPermanentlyFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	ListPending(ctx context.Context, limit int) ([]*domain.Settlement, error)
	ListRetryable(ctx context.Context, maxRetries int, now time.Time) ([]*domain.Settlement, error)
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	FinalizeEscrow(ctx context.Context, st *domain.Settlement, platformFeeAccount, gridOperatorAccount uuid.UUID) error
	SetTradeStatus(ctx context.Context, tradeID uuid.UUID, status domain.TradeStatus) error
}

// Events is the subset of the event bus the settlement pipeline publishes to.
type Events interface {
	PublishSettlementComplete(st *domain.Settlement)
}

// Config carries every settlement tunable named by §4.6 and §4.6.6.
type Config struct {
	FeeRate             decimal.Decimal
	MaxRetries          int
	RetryBaseDelay      time.Duration
	RetryCapDelay       time.Duration
	RealLedgerEnabled   bool
	Asset               string
	AssetDecimals       uint8
	GridLossSinkWallet  string
	PlatformFeeAccount  uuid.UUID
	GridOperatorAccount uuid.UUID
	InterCallDelay      time.Duration
	BatchLimit          int
}

// Service orchestrates settlement creation, execution, and escrow
// finalization, grounded on original_source/src/services/settlement/mod.rs.
type Service struct {
	store     Store
	ledger    ledger.Ledger
	events    Events
	decryptor *wallet.Decryptor
	cfg       Config
}

func New(store Store, lg ledger.Ledger, events Events, decryptor *wallet.Decryptor, cfg Config) *Service {
	return &Service{store: store, ledger: lg, events: events, decryptor: decryptor, cfg: cfg}
}

// CreateSettlements implements §4.6.1 for a batch of trades produced by one
// matching cycle; a failure creating one settlement is logged and does not
// abort the rest (mirrors §4.4.4's per-trade failure isolation). It returns
// the ids of the settlements it successfully created, in trade order, for
// callers that want to dispatch them for immediate execution.
func (s *Service) CreateSettlements(ctx context.Context, trades []*domain.TradeMatch) ([]uuid.UUID, error) {
	var created []uuid.UUID
	for _, trade := range trades {
		id, err := s.createSettlement(ctx, trade)
		if err != nil {
			log.Error().Err(err).Str("trade_id", trade.ID.String()).Msg("settlement: failed to create settlement for trade")
			continue
		}
		created = append(created, id)
	}
	return created, nil
}

func (s *Service) createSettlement(ctx context.Context, trade *domain.TradeMatch) (uuid.UUID, error) {
	totalValue := trade.Quantity.Mul(trade.Price)
	feeAmount := totalValue.Mul(s.cfg.FeeRate)
	effectiveEnergy := trade.Quantity.Mul(decimal.NewFromInt(1).Sub(trade.LossFactor))
	netAmount := totalValue.Sub(feeAmount).Sub(trade.WheelingCharge)

	st := &domain.Settlement{
		ID:              uuid.New(),
		TradeID:         trade.ID,
		BuyOrderID:      trade.BuyOrderID,
		SellOrderID:     trade.SellOrderID,
		BuyerID:         trade.BuyerID,
		SellerID:        trade.SellerID,
		EnergyAmount:    trade.Quantity,
		EffectiveEnergy: effectiveEnergy,
		Price:           trade.Price,
		TotalValue:      totalValue,
		FeeAmount:       feeAmount,
		NetAmount:       netAmount,
		WheelingCharge:  trade.WheelingCharge,
		LossFactor:      trade.LossFactor,
		LossCost:        trade.LossCost,
		BuyerZoneID:     trade.BuyerZoneID,
		SellerZoneID:    trade.SellerZoneID,
		Status:          domain.SettlementPending,
		CreatedAt:       time.Now(),
	}
	if err := s.store.CreateSettlement(ctx, st); err != nil {
		return uuid.Nil, err
	}
	log.Info().Str("settlement_id", st.ID.String()).Str("trade_id", trade.ID.String()).
		Str("net_amount", netAmount.String()).Msg("settlement: created")
	return st.ID, nil
}
