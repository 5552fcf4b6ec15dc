package settlement

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtokenx/internal/domain"
	"gridtokenx/internal/ledger"
	"gridtokenx/internal/wallet"
)

type fakeStore struct {
	mu           sync.Mutex
	settlements  map[uuid.UUID]*domain.Settlement
	users        map[uuid.UUID]*domain.User
	tradeStatus  map[uuid.UUID]domain.TradeStatus
	escrowCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		settlements: make(map[uuid.UUID]*domain.Settlement),
		users:       make(map[uuid.UUID]*domain.User),
		tradeStatus: make(map[uuid.UUID]domain.TradeStatus),
	}
}

func (f *fakeStore) CreateSettlement(ctx context.Context, st *domain.Settlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.settlements[st.ID] = &cp
	return nil
}

func (f *fakeStore) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.settlements[id]
	if !ok {
		return nil, domain.NotFound("fake.get_settlement", nil)
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) SetSettlementStatus(ctx context.Context, id uuid.UUID, status domain.SettlementStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settlements[id].Status = status
	return nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, id uuid.UUID, ledgerTx string, confirmedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.settlements[id]
	st.Status = domain.SettlementCompleted
	st.LedgerTx = ledgerTx
	st.ConfirmedAt = &confirmedAt
	return nil
}

func (f *fakeStore) IncrementRetry(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.settlements[id]
	st.Status = domain.SettlementFailed
	st.RetryCount++
	st.LastError = errMsg
	nr := nextRetryAt
	st.NextRetryAt = &nr
	return nil
}

func (f *fakeStore) MarkPermanentlyFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.settlements[id]
	st.Status = domain.SettlementPermanentlyFailed
	st.LastError = errMsg
	return nil
}

func (f *fakeStore) ListPending(ctx context.Context, limit int) ([]*domain.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Settlement
	for _, st := range f.settlements {
		if st.Status == domain.SettlementPending {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRetryable(ctx context.Context, maxRetries int, now time.Time) ([]*domain.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Settlement
	for _, st := range f.settlements {
		if st.Status != domain.SettlementFailed || st.RetryCount >= maxRetries {
			continue
		}
		if st.NextRetryAt != nil && st.NextRetryAt.After(now) {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, domain.NotFound("fake.get_user", nil)
	}
	return u, nil
}

func (f *fakeStore) FinalizeEscrow(ctx context.Context, st *domain.Settlement, platformFeeAccount, gridOperatorAccount uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escrowCalls++
	return nil
}

func (f *fakeStore) SetTradeStatus(ctx context.Context, tradeID uuid.UUID, status domain.TradeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeStatus[tradeID] = status
	return nil
}

type fakeEvents struct {
	completed []*domain.Settlement
}

func (f *fakeEvents) PublishSettlementComplete(st *domain.Settlement) {
	f.completed = append(f.completed, st)
}

func encryptSeed(t *testing.T, secret []byte, seed []byte) (ciphertext, salt, nonce []byte) {
	t.Helper()
	salt = make([]byte, 16)
	_, err := rand.Read(salt)
	require.NoError(t, err)
	nonce = make([]byte, 12)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	key := make([]byte, 32)
	copy(key, secret)
	for i, b := range salt {
		key[i%32] ^= b
	}
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	return gcm.Seal(nil, nonce, seed, nil), salt, nonce
}

func TestCreateSettlements_ComputesAmounts(t *testing.T) {
	store := newFakeStore()
	svc := New(store, ledger.NewNullLedger(), &fakeEvents{}, wallet.NewDecryptor([]byte("secret")), Config{
		FeeRate: decimal.NewFromFloat(0.01),
	})

	trade := &domain.TradeMatch{
		ID:             uuid.New(),
		BuyOrderID:     uuid.New(),
		SellOrderID:    uuid.New(),
		BuyerID:        uuid.New(),
		SellerID:       uuid.New(),
		Price:          decimal.NewFromFloat(0.15),
		Quantity:       decimal.NewFromInt(100),
		WheelingCharge: decimal.NewFromFloat(1.0),
		LossFactor:     decimal.NewFromFloat(0.05),
		LossCost:       decimal.NewFromFloat(0.75),
		MatchedAt:      time.Now(),
	}

	ids, err := svc.CreateSettlements(context.Background(), []*domain.TradeMatch{trade})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Len(t, store.settlements, 1)

	var st *domain.Settlement
	for _, s := range store.settlements {
		st = s
	}
	assert.True(t, st.TotalValue.Equal(decimal.NewFromFloat(15.0)))
	assert.True(t, st.FeeAmount.Equal(decimal.NewFromFloat(0.15)))
	assert.True(t, st.EffectiveEnergy.Equal(decimal.NewFromFloat(95.0)))
	wantNet := decimal.NewFromFloat(15.0).Sub(decimal.NewFromFloat(0.15)).Sub(decimal.NewFromFloat(1.0))
	assert.True(t, st.NetAmount.Equal(wantNet))
	assert.Equal(t, domain.SettlementPending, st.Status)
}

func TestExecute_BlockchainFreeMode_CompletesAndFinalizesEscrow(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{}
	svc := New(store, ledger.NewNullLedger(), events, wallet.NewDecryptor([]byte("secret")), Config{
		FeeRate:           decimal.NewFromFloat(0.01),
		RealLedgerEnabled: false,
		Asset:             "energy-token",
		AssetDecimals:     9,
	})

	buyerID, sellerID, tradeID := uuid.New(), uuid.New(), uuid.New()
	store.users[buyerID] = &domain.User{ID: buyerID, WalletAddress: "buyer-wallet"}
	store.users[sellerID] = &domain.User{ID: sellerID, WalletAddress: "seller-wallet"}

	stID := uuid.New()
	store.settlements[stID] = &domain.Settlement{
		ID: stID, TradeID: tradeID, BuyerID: buyerID, SellerID: sellerID,
		EnergyAmount: decimal.NewFromInt(100), EffectiveEnergy: decimal.NewFromInt(95),
		TotalValue: decimal.NewFromFloat(15), NetAmount: decimal.NewFromFloat(13.85),
		Status: domain.SettlementPending,
	}

	require.NoError(t, svc.Execute(context.Background(), stID))

	assert.Equal(t, domain.SettlementCompleted, store.settlements[stID].Status)
	assert.NotEmpty(t, store.settlements[stID].LedgerTx)
	assert.Equal(t, 1, store.escrowCalls)
	assert.Equal(t, domain.TradeSettled, store.tradeStatus[tradeID])
	assert.Len(t, events.completed, 1)
}

func TestExecute_RealLedger_IdentityMismatch_MarksPermanentlyFailed(t *testing.T) {
	store := newFakeStore()
	secret := []byte("process-secret")
	svc := New(store, ledger.NewNullLedger(), &fakeEvents{}, wallet.NewDecryptor(secret), Config{
		FeeRate:           decimal.NewFromFloat(0.01),
		RealLedgerEnabled: true,
		Asset:             "energy-token",
		AssetDecimals:     9,
	})

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ciphertext, salt, nonce := encryptSeed(t, secret, priv.Seed())

	buyerID, sellerID, tradeID := uuid.New(), uuid.New(), uuid.New()
	store.users[buyerID] = &domain.User{ID: buyerID, WalletAddress: "buyer-wallet"}
	store.users[sellerID] = &domain.User{
		ID: sellerID, WalletAddress: "does-not-match-decrypted-key",
		EncryptedPrivateKey: ciphertext, WalletSalt: salt, EncryptionIV: nonce,
	}

	stID := uuid.New()
	store.settlements[stID] = &domain.Settlement{
		ID: stID, TradeID: tradeID, BuyerID: buyerID, SellerID: sellerID,
		EnergyAmount: decimal.NewFromInt(100), EffectiveEnergy: decimal.NewFromInt(95),
		Status: domain.SettlementPending,
	}

	err = svc.Execute(context.Background(), stID)
	require.Error(t, err)
	assert.Equal(t, domain.SettlementPermanentlyFailed, store.settlements[stID].Status)
	assert.False(t, ClassifyError(err))
}

func TestExecute_RealLedger_IdentityMatchSucceeds(t *testing.T) {
	store := newFakeStore()
	secret := []byte("process-secret")
	svc := New(store, ledger.NewNullLedger(), &fakeEvents{}, wallet.NewDecryptor(secret), Config{
		FeeRate:           decimal.NewFromFloat(0.01),
		RealLedgerEnabled: true,
		Asset:             "energy-token",
		AssetDecimals:     9,
	})

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ciphertext, salt, nonce := encryptSeed(t, secret, priv.Seed())
	want := solana.PrivateKey(priv).PublicKey().String()

	buyerID, sellerID, tradeID := uuid.New(), uuid.New(), uuid.New()
	store.users[buyerID] = &domain.User{ID: buyerID, WalletAddress: "buyer-wallet"}
	store.users[sellerID] = &domain.User{
		ID: sellerID, WalletAddress: want,
		EncryptedPrivateKey: ciphertext, WalletSalt: salt, EncryptionIV: nonce,
	}

	stID := uuid.New()
	store.settlements[stID] = &domain.Settlement{
		ID: stID, TradeID: tradeID, BuyerID: buyerID, SellerID: sellerID,
		EnergyAmount: decimal.NewFromInt(100), EffectiveEnergy: decimal.NewFromInt(95),
		Status: domain.SettlementPending,
	}

	require.NoError(t, svc.Execute(context.Background(), stID))
	assert.Equal(t, domain.SettlementCompleted, store.settlements[stID].Status)
}

func TestClassifyError_FallsBackToMessagePatternForUnwrappedErrors(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"rpc call timeout", true},
		{"rate limit exceeded (429)", true},
		{"blockhash not found", true},
		{"insufficient funds", false},
		{"invalid signature", false},
		{"wallet identity mismatch: decrypted key derives X", false},
		{"some completely unknown error", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyError(errString(c.msg)), c.msg)
	}
}

// TestClassifyError_KindOverridesMessagePattern proves the dispatch is
// Kind-first: a domain.Error whose message reads like a permanent failure
// ("insufficient funds") but is tagged KindLedgerRetryable must still be
// treated as retryable, and vice versa.
func TestClassifyError_KindOverridesMessagePattern(t *testing.T) {
	retryable := domain.LedgerRetryable("op", errString("insufficient funds"))
	assert.True(t, ClassifyError(retryable), "KindLedgerRetryable must win over the message pattern")

	permanent := domain.LedgerPermanent("op", errString("rpc call timeout"))
	assert.False(t, ClassifyError(permanent), "KindLedgerPermanent must win over the message pattern")
}

type errString string

func (e errString) Error() string { return string(e) }

// fakeFailingLedger wraps NullLedger and forces Transfer to fail, so Execute
// drives the recordExecutionFailure path instead of completing.
type fakeFailingLedger struct {
	*ledger.NullLedger
	transferErr error
}

func (f *fakeFailingLedger) Transfer(ctx context.Context, asset, fromAddr, toAddr string, authority solana.PrivateKey, amount float64, decimals uint8) (string, error) {
	return "", f.transferErr
}

// TestExecute_TransientLedgerFailure_LeavesRetryableFailedNotProcessing
// proves Finding 1 is fixed: a retryable transfer error must never leave the
// settlement stuck at Processing. It must land on Failed with RetryCount
// incremented and NextRetryAt set in the future.
func TestExecute_TransientLedgerFailure_LeavesRetryableFailedNotProcessing(t *testing.T) {
	store := newFakeStore()
	failing := &fakeFailingLedger{
		NullLedger:  ledger.NewNullLedger(),
		transferErr: domain.LedgerRetryable("ledger.transfer", errString("rpc call timeout")),
	}
	svc := New(store, failing, &fakeEvents{}, wallet.NewDecryptor([]byte("secret")), Config{
		FeeRate:           decimal.NewFromFloat(0.01),
		RealLedgerEnabled: false,
		Asset:             "energy-token",
		AssetDecimals:     9,
		MaxRetries:        5,
		RetryBaseDelay:    time.Second,
		RetryCapDelay:     time.Minute,
	})

	buyerID, sellerID, tradeID := uuid.New(), uuid.New(), uuid.New()
	store.users[buyerID] = &domain.User{ID: buyerID, WalletAddress: "buyer-wallet"}
	store.users[sellerID] = &domain.User{ID: sellerID, WalletAddress: "seller-wallet"}

	stID := uuid.New()
	store.settlements[stID] = &domain.Settlement{
		ID: stID, TradeID: tradeID, BuyerID: buyerID, SellerID: sellerID,
		EnergyAmount: decimal.NewFromInt(100), EffectiveEnergy: decimal.NewFromInt(95),
		Status: domain.SettlementPending,
	}

	before := time.Now()
	err := svc.Execute(context.Background(), stID)
	require.Error(t, err)

	got := store.settlements[stID]
	assert.Equal(t, domain.SettlementFailed, got.Status, "must not be left at Processing")
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(before))
	assert.Equal(t, 0, store.escrowCalls)
}

// TestExecute_RetryBudgetExhausted_MarksPermanentlyFailed proves Finding 2's
// budget check runs once per failure in recordExecutionFailure: once
// RetryCount reaches MaxRetries, a further retryable failure still lands on
// PermanentlyFailed instead of looping forever with a fresh backoff.
func TestExecute_RetryBudgetExhausted_MarksPermanentlyFailed(t *testing.T) {
	store := newFakeStore()
	failing := &fakeFailingLedger{
		NullLedger:  ledger.NewNullLedger(),
		transferErr: domain.LedgerRetryable("ledger.transfer", errString("rpc call timeout")),
	}
	svc := New(store, failing, &fakeEvents{}, wallet.NewDecryptor([]byte("secret")), Config{
		FeeRate:           decimal.NewFromFloat(0.01),
		RealLedgerEnabled: false,
		Asset:             "energy-token",
		AssetDecimals:     9,
		MaxRetries:        2,
		RetryBaseDelay:    time.Second,
		RetryCapDelay:     time.Minute,
	})

	buyerID, sellerID, tradeID := uuid.New(), uuid.New(), uuid.New()
	store.users[buyerID] = &domain.User{ID: buyerID, WalletAddress: "buyer-wallet"}
	store.users[sellerID] = &domain.User{ID: sellerID, WalletAddress: "seller-wallet"}

	stID := uuid.New()
	store.settlements[stID] = &domain.Settlement{
		ID: stID, TradeID: tradeID, BuyerID: buyerID, SellerID: sellerID,
		EnergyAmount: decimal.NewFromInt(100), EffectiveEnergy: decimal.NewFromInt(95),
		Status: domain.SettlementPending, RetryCount: 2,
	}

	err := svc.Execute(context.Background(), stID)
	require.Error(t, err)
	got := store.settlements[stID]
	assert.Equal(t, domain.SettlementPermanentlyFailed, got.Status)
	assert.Equal(t, domain.TradeSettlementFailed, store.tradeStatus[tradeID])
}
