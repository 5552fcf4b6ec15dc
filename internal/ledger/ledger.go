// Package ledger defines the external-ledger contract consumed by the
// settlement pipeline (§6) plus two implementations: a synthetic
// blockchain-free mode for tests and staging, and a Solana-backed mode.
package ledger

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"gridtokenx/internal/domain"
)

// Confirmation is the outcome of waiting on a transaction signature.
type Confirmation int

const (
	Pending Confirmation = iota
	Confirmed
	Failed
	Timeout
)

// Ledger is the minimum contract in §6: blockhash/slot lookups, receive
// account provisioning, transfer, and confirmation polling.
type Ledger interface {
	LatestBlockhash(ctx context.Context) (string, error)
	GetSlot(ctx context.Context) (uint64, error)
	AccountExists(ctx context.Context, addr string) (bool, error)
	EnsureReceiveAccount(ctx context.Context, authority solana.PrivateKey, owner string, asset string) (string, error)
	Transfer(ctx context.Context, asset, fromAddr, toAddr string, authority solana.PrivateKey, amount float64, decimals uint8) (txID string, err error)
	SignatureStatus(ctx context.Context, txID string) (Confirmation, error)
	WaitForConfirmation(ctx context.Context, txID string, timeout time.Duration) (Confirmation, error)
}

// ErrTimeout is returned by WaitForConfirmation when the timeout elapses
// with no terminal status observed; the settlement pipeline classifies
// this as a retryable error (§5, §4.6.4).
var ErrTimeout = domain.LedgerRetryable("ledger.wait_for_confirmation", errDeadline{})

type errDeadline struct{}

func (errDeadline) Error() string { return "confirmation deadline exceeded" }
