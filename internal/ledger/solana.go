package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"gridtokenx/internal/domain"
)

// SolanaLedger talks to a real Solana RPC endpoint for blockhash/slot
// lookups, account provisioning, token transfer, and confirmation polling.
// Grounded on the public-key handling in DimaJoyti's web3/solana wallet
// manager; transfer/confirmation logic is new, scoped to what §6 requires.
type SolanaLedger struct {
	client *rpc.Client
}

func NewSolanaLedger(endpoint string) *SolanaLedger {
	return &SolanaLedger{client: rpc.New(endpoint)}
}

func (s *SolanaLedger) LatestBlockhash(ctx context.Context) (string, error) {
	res, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", domain.LedgerRetryable("ledger.latest_blockhash", err)
	}
	return res.Value.Blockhash.String(), nil
}

func (s *SolanaLedger) GetSlot(ctx context.Context) (uint64, error) {
	slot, err := s.client.GetSlot(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return 0, domain.LedgerRetryable("ledger.get_slot", err)
	}
	return slot, nil
}

func (s *SolanaLedger) AccountExists(ctx context.Context, addr string) (bool, error) {
	pub, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		return false, domain.Validation("ledger.account_exists.parse_addr", err)
	}
	info, err := s.client.GetAccountInfo(ctx, pub)
	if err != nil {
		if err == rpc.ErrNotFound {
			return false, nil
		}
		return false, domain.LedgerRetryable("ledger.account_exists", err)
	}
	return info != nil && info.Value != nil, nil
}

// EnsureReceiveAccount returns owner directly: the associated-token-account
// derivation and creation instruction is out of scope for the core (it
// belongs to the onboarding/meter-ingestion surfaces this module does not
// implement); callers that need a real SPL token account must provision it
// upstream and pass its address in as owner.
func (s *SolanaLedger) EnsureReceiveAccount(ctx context.Context, authority solana.PrivateKey, owner string, asset string) (string, error) {
	exists, err := s.AccountExists(ctx, owner)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", domain.LedgerRetryable("ledger.ensure_receive_account",
			fmt.Errorf("account %s does not exist and cannot be auto-created by the core", owner))
	}
	return owner, nil
}

// Transfer builds, signs, and submits a native SOL transfer (asset == "") or
// an SPL token transfer (asset is the mint's base58 address) per §6. Amount
// scaling goes through decimal.Decimal rather than raw float math so lamport
// and token-unit counts round the same way the persistence layer does.
// Grounded on the instruction-building and signing sequence in DimaJoyti's
// web3/solana transaction service (createSOLTransferTransaction,
// createTokenTransferTransaction, getAssociatedTokenAccount).
func (s *SolanaLedger) Transfer(ctx context.Context, asset, fromAddr, toAddr string, authority solana.PrivateKey, amount float64, decimals uint8) (string, error) {
	if len(authority) == 0 {
		return "", domain.LedgerPermanent("ledger.transfer", fmt.Errorf("transfer requires a signing authority"))
	}
	from, err := solana.PublicKeyFromBase58(fromAddr)
	if err != nil {
		return "", domain.Validation("ledger.transfer.parse_from", err)
	}
	to, err := solana.PublicKeyFromBase58(toAddr)
	if err != nil {
		return "", domain.Validation("ledger.transfer.parse_to", err)
	}

	latest, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", domain.LedgerRetryable("ledger.transfer.blockhash", err)
	}

	var instruction solana.Instruction
	if asset == "" {
		lamports := decimal.NewFromFloat(amount).Mul(decimal.New(1, 9)).Round(0).IntPart()
		instruction = system.NewTransferInstruction(uint64(lamports), from, to).Build()
	} else {
		mint, err := solana.PublicKeyFromBase58(asset)
		if err != nil {
			return "", domain.Validation("ledger.transfer.parse_mint", err)
		}
		fromATA, _, err := solana.FindAssociatedTokenAddress(from, mint)
		if err != nil {
			return "", domain.LedgerPermanent("ledger.transfer.from_ata", err)
		}
		toATA, _, err := solana.FindAssociatedTokenAddress(to, mint)
		if err != nil {
			return "", domain.LedgerPermanent("ledger.transfer.to_ata", err)
		}
		units := decimal.NewFromFloat(amount).Mul(decimal.New(1, int32(decimals))).Round(0).IntPart()
		instruction = token.NewTransferInstruction(uint64(units), fromATA, toATA, from, []solana.PublicKey{}).Build()
	}

	tx, err := solana.NewTransaction([]solana.Instruction{instruction}, latest.Value.Blockhash, solana.TransactionPayer(from))
	if err != nil {
		return "", domain.LedgerPermanent("ledger.transfer.build_tx", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from) {
			return &authority
		}
		return nil
	}); err != nil {
		return "", domain.LedgerPermanent("ledger.transfer.sign_tx", err)
	}

	sig, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		return "", domain.LedgerRetryable("ledger.transfer.send", err)
	}
	return sig.String(), nil
}

func (s *SolanaLedger) SignatureStatus(ctx context.Context, txID string) (Confirmation, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return Pending, domain.Validation("ledger.signature_status.parse", err)
	}
	statuses, err := s.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return Pending, domain.LedgerRetryable("ledger.signature_status", err)
	}
	if len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return Pending, nil
	}
	st := statuses.Value[0]
	if st.Err != nil {
		return Failed, domain.LedgerPermanent("ledger.signature_status", fmt.Errorf("%v", st.Err))
	}
	if st.ConfirmationStatus == rpc.ConfirmationStatusFinalized || st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed {
		return Confirmed, nil
	}
	return Pending, nil
}

func (s *SolanaLedger) WaitForConfirmation(ctx context.Context, txID string, timeout time.Duration) (Confirmation, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := s.SignatureStatus(ctx, txID)
		if err != nil {
			return status, err
		}
		if status == Confirmed || status == Failed {
			return status, nil
		}
		if time.Now().After(deadline) {
			return Timeout, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return Timeout, ctx.Err()
		case <-ticker.C:
		}
	}
}
