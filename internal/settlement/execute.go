package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gridtokenx/internal/domain"
	"gridtokenx/internal/ledger"
	"gridtokenx/internal/wallet"
)

const confirmTimeout = 30 * time.Second

// Execute implements §4.6.2. It is safe to call repeatedly for the same
// settlement id: each step re-derives what it needs from the store rather
// than assuming in-memory state from a previous attempt. Every failure after
// the settlement is marked Processing runs through recordExecutionFailure
// before returning, so a settlement is never left stuck at Processing — it
// always lands on either Completed, Failed (with a backoff-gated next
// retry), or PermanentlyFailed.
func (s *Service) Execute(ctx context.Context, settlementID uuid.UUID) error {
	st, err := s.store.GetSettlement(ctx, settlementID)
	if err != nil {
		return err
	}

	if err := s.store.SetSettlementStatus(ctx, settlementID, domain.SettlementProcessing); err != nil {
		return err
	}

	if err := s.executeOnce(ctx, st); err != nil {
		return s.recordExecutionFailure(ctx, st, err)
	}
	return nil
}

// executeOnce drives one settlement through transfer, completion, and
// best-effort escrow/trade finalization. Any error returned here still
// leaves the settlement at Processing; Execute then moves it on through
// recordExecutionFailure.
func (s *Service) executeOnce(ctx context.Context, st *domain.Settlement) error {
	txID, slot, err := s.transfer(ctx, st)
	if err != nil {
		return err
	}
	_ = slot

	if err := s.store.MarkCompleted(ctx, st.ID, txID, time.Now()); err != nil {
		return err
	}
	st.Status = domain.SettlementCompleted
	st.LedgerTx = txID

	if err := s.store.FinalizeEscrow(ctx, st, s.cfg.PlatformFeeAccount, s.cfg.GridOperatorAccount); err != nil {
		log.Error().Err(err).Str("settlement_id", st.ID.String()).Msg("settlement: escrow finalization failed after ledger commit")
	}

	if err := s.store.SetTradeStatus(ctx, st.TradeID, domain.TradeSettled); err != nil {
		log.Error().Err(err).Str("trade_id", st.TradeID.String()).Msg("settlement: failed to mark trade settled")
	}

	if s.events != nil {
		s.events.PublishSettlementComplete(st)
	}
	return nil
}

// recordExecutionFailure implements §4.6.4 step 5: classify execErr and
// move the settlement out of Processing accordingly. A retryable error with
// budget remaining goes to Failed with next_retry_at set per the
// min(base·2^k, cap) schedule; everything else (a non-retryable
// classification, or a retryable one that has exhausted MaxRetries) goes to
// PermanentlyFailed and drags its parent trade to settlement_failed.
func (s *Service) recordExecutionFailure(ctx context.Context, st *domain.Settlement, execErr error) error {
	if ClassifyError(execErr) && st.RetryCount+1 < s.cfg.MaxRetries {
		next := time.Now().Add(retryBackoff(st.RetryCount+1, s.cfg.RetryBaseDelay, s.cfg.RetryCapDelay))
		if err := s.store.IncrementRetry(ctx, st.ID, execErr.Error(), next); err != nil {
			log.Error().Err(err).Str("settlement_id", st.ID.String()).Msg("settlement: failed to persist retry state")
		}
		return execErr
	}

	if err := s.store.MarkPermanentlyFailed(ctx, st.ID, execErr.Error()); err != nil {
		log.Error().Err(err).Str("settlement_id", st.ID.String()).Msg("settlement: failed to mark permanently failed")
	}
	if err := s.store.SetTradeStatus(ctx, st.TradeID, domain.TradeSettlementFailed); err != nil {
		log.Error().Err(err).Str("trade_id", st.TradeID.String()).Msg("settlement: failed to mark trade settlement_failed")
	}
	return execErr
}

// retryBackoff implements the min(base·2^k, cap) schedule named in §4.6.4.
func retryBackoff(retryCount int, base, cap time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	shift := retryCount - 1
	if shift > 32 {
		shift = 32
	}
	d := base * time.Duration(uint64(1)<<uint(shift))
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// transfer implements §4.6.2 steps 2-8: resolve wallets, verify the
// seller's identity and derive their signing key in real-ledger mode,
// ensure receive accounts, transfer effective energy, optionally sweep the
// loss remainder to the grid loss sink, and observe the confirming slot.
func (s *Service) transfer(ctx context.Context, st *domain.Settlement) (txID string, slot uint64, err error) {
	buyer, err := s.store.GetUser(ctx, st.BuyerID)
	if err != nil {
		return "", 0, err
	}
	seller, err := s.store.GetUser(ctx, st.SellerID)
	if err != nil {
		return "", 0, err
	}

	var authority solana.PrivateKey
	if s.cfg.RealLedgerEnabled {
		km, err := s.decryptor.Decrypt(seller.EncryptedPrivateKey, seller.WalletSalt, seller.EncryptionIV)
		if err != nil {
			return "", 0, err
		}
		defer km.Zeroize()

		if err := wallet.VerifyIdentity(km, seller.WalletAddress); err != nil {
			return "", 0, err
		}
		authority, err = km.SigningKey()
		if err != nil {
			return "", 0, err
		}
	}

	if _, err := s.ledger.EnsureReceiveAccount(ctx, nil, buyer.WalletAddress, s.cfg.Asset); err != nil {
		return "", 0, err
	}
	if _, err := s.ledger.EnsureReceiveAccount(ctx, nil, seller.WalletAddress, s.cfg.Asset); err != nil {
		return "", 0, err
	}

	effective, _ := st.EffectiveEnergy.Float64()
	txID, err = s.ledger.Transfer(ctx, s.cfg.Asset, seller.WalletAddress, buyer.WalletAddress, authority, effective, s.cfg.AssetDecimals)
	if err != nil {
		return "", 0, err
	}

	lossEnergy := st.EnergyAmount.Sub(st.EffectiveEnergy)
	if lossEnergy.IsPositive() && s.cfg.GridLossSinkWallet != "" {
		lossFloat, _ := lossEnergy.Float64()
		if _, err := s.ledger.Transfer(ctx, s.cfg.Asset, seller.WalletAddress, s.cfg.GridLossSinkWallet, authority, lossFloat, s.cfg.AssetDecimals); err != nil {
			log.Warn().Err(err).Str("settlement_id", st.ID.String()).Msg("settlement: loss-sink transfer failed, continuing")
		}
	}

	status, err := s.ledger.WaitForConfirmation(ctx, txID, confirmTimeout)
	if err != nil {
		return "", 0, err
	}
	if status == ledger.Failed {
		return "", 0, domain.LedgerPermanent("ledger.transfer", fmt.Errorf("transfer %s failed on-ledger", txID))
	}

	slot, err = s.ledger.GetSlot(ctx)
	if err != nil {
		slot = 0
	}
	return txID, slot, nil
}
