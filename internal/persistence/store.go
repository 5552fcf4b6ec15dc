// Package persistence implements the two state tiers described by the
// core: a relational Store that is the authoritative source of truth, and
// a Cache that holds soft, recoverable-from-Store order-book state.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"gridtokenx/internal/domain"
)

// Store wraps the relational database described in §6: orders, trades,
// settlements, zone_rates, users, platform_revenue, escrow_records.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a sqlite database at path, enables WAL
// mode for crash recovery, and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, domain.Database("store.open", err)
	}
	if err := db.Ping(); err != nil {
		return nil, domain.Database("store.ping", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, domain.Database("store.wal", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	epoch_id TEXT,
	zone_id INTEGER NOT NULL,
	side TEXT NOT NULL,
	energy_amount TEXT NOT NULL,
	price TEXT NOT NULL,
	filled_amount TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	filled_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	epoch_id TEXT,
	buy_order_id TEXT NOT NULL,
	sell_order_id TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price TEXT NOT NULL,
	matched_at INTEGER NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
	id TEXT PRIMARY KEY,
	trade_id TEXT NOT NULL,
	buyer_id TEXT NOT NULL,
	seller_id TEXT NOT NULL,
	buy_order_id TEXT NOT NULL,
	sell_order_id TEXT NOT NULL,
	energy_amount TEXT NOT NULL,
	effective_energy TEXT NOT NULL,
	price TEXT NOT NULL,
	total_value TEXT NOT NULL,
	fee_amount TEXT NOT NULL,
	net_amount TEXT NOT NULL,
	wheeling_charge TEXT NOT NULL,
	loss_factor TEXT NOT NULL,
	loss_cost TEXT NOT NULL,
	buyer_zone_id INTEGER NOT NULL,
	seller_zone_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	ledger_tx TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER,
	error_message TEXT,
	created_at INTEGER NOT NULL,
	processed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status, retry_count, created_at);

CREATE TABLE IF NOT EXISTS zone_rates (
	from_zone INTEGER NOT NULL,
	to_zone INTEGER NOT NULL,
	wheeling_charge TEXT NOT NULL,
	loss_factor TEXT NOT NULL,
	effective_from INTEGER NOT NULL,
	effective_until INTEGER,
	is_active INTEGER NOT NULL,
	PRIMARY KEY (from_zone, to_zone)
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	wallet_address TEXT NOT NULL,
	encrypted_private_key BLOB,
	wallet_salt BLOB,
	encryption_iv BLOB,
	zone_id INTEGER NOT NULL DEFAULT 0,
	balance TEXT NOT NULL,
	locked_amount TEXT NOT NULL,
	locked_energy TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS platform_revenue (
	id TEXT PRIMARY KEY,
	settlement_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	revenue_type TEXT NOT NULL,
	description TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS escrow_records (
	order_id TEXT PRIMARY KEY,
	status TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return domain.Database("store.migrate", err)
	}
	return nil
}

func unixNano(t time.Time) int64 { return t.UnixNano() }
func fromNano(n int64) time.Time { return time.Unix(0, n) }

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseNullableUUID(s sql.NullString) *uuid.UUID {
	if !s.Valid || s.String == "" {
		return nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil
	}
	return &id
}

// LoadPending reads every order with status in {pending, partially_filled}
// and expires_at in the future — the authoritative reload described in
// §4.3's load_from_store contract.
func (s *Store) LoadPending(ctx context.Context, now time.Time) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, epoch_id, zone_id, side, energy_amount, price, filled_amount, status, created_at, expires_at
		FROM orders
		WHERE status IN ('pending', 'partially_filled') AND expires_at > ?
	`, now.UnixNano())
	if err != nil {
		return nil, domain.Database("store.load_pending", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, domain.Database("store.load_pending.scan", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		id, userID, side, energy, price, filled, status string
		epochID                                          sql.NullString
		zoneID                                            int
		createdAt, expiresAt                              int64
	)
	if err := row.Scan(&id, &userID, &epochID, &zoneID, &side, &energy, &price, &filled, &status, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	o := &domain.Order{
		ID:           uuid.MustParse(id),
		UserID:       uuid.MustParse(userID),
		EpochID:      parseNullableUUID(epochID),
		ZoneID:       zoneID,
		Side:         parseSide(side),
		EnergyAmount: mustDecimal(energy),
		Price:        mustDecimal(price),
		FilledAmount: mustDecimal(filled),
		Status:       domain.OrderStatus(status),
		CreatedAt:    fromNano(createdAt),
		ExpiresAt:    fromNano(expiresAt),
	}
	return o, nil
}

func parseSide(s string) domain.Side {
	if s == "sell" {
		return domain.Sell
	}
	return domain.Buy
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// InsertOrder inserts a newly-placed order.
func (s *Store) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, epoch_id, zone_id, side, energy_amount, price, filled_amount, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID.String(), o.UserID.String(), nullableUUID(o.EpochID), o.ZoneID, o.Side.String(),
		o.EnergyAmount.String(), o.Price.String(), o.FilledAmount.String(), string(o.Status),
		unixNano(o.CreatedAt), unixNano(o.ExpiresAt))
	if err != nil {
		return domain.Database("store.insert_order", err)
	}
	return nil
}

// MarkExpired transitions an order to expired, matching §4.4 step 3.
func (s *Store) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE orders SET status = 'expired' WHERE id = ?`, id.String())
	if err != nil {
		return domain.Database("store.mark_expired", err)
	}
	return nil
}

// persistScale is the decimal precision (places past the point) every
// decimal.Decimal is rounded to at the point it is written to a column,
// using banker's rounding per §9's explicit rounding-mode requirement.
const persistScale int32 = 8

// ApplyFill performs the optimistic-concurrency fill update from §4.4.3:
// it reads the order's current filled_amount inside tx, adds qty with
// decimal.Decimal arithmetic (never a binary float), and writes the result
// back as a string — the same representation InsertOrder/scanOrder use.
// The final UPDATE only succeeds if the order is still
// pending/partially_filled, guarding against a concurrent cancel; it
// returns false if no row was affected.
func (s *Store) ApplyFill(ctx context.Context, tx *sql.Tx, id uuid.UUID, qty decimal.Decimal, totalEnergy decimal.Decimal) (bool, error) {
	var filledStr, status string
	row := tx.QueryRowContext(ctx, `SELECT filled_amount, status FROM orders WHERE id = ?`, id.String())
	if err := row.Scan(&filledStr, &status); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, domain.Database("store.apply_fill.select", err)
	}
	if status != string(domain.OrderPending) && status != string(domain.OrderPartiallyFilled) {
		return false, nil
	}

	newFilled := mustDecimal(filledStr).Add(qty).RoundBank(persistScale)
	newStatus := string(domain.OrderPartiallyFilled)
	if newFilled.GreaterThanOrEqual(totalEnergy) {
		newStatus = string(domain.OrderFilled)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET filled_amount = ?, status = ?
		WHERE id = ? AND status IN ('pending', 'partially_filled')
	`, newFilled.String(), newStatus, id.String())
	if err != nil {
		return false, domain.Database("store.apply_fill", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Database("store.apply_fill.rows_affected", err)
	}
	return n > 0, nil
}

// PersistTrade implements §4.4.3 as a single transaction: insert the trade
// row, then apply the optimistic-concurrency fill update to both orders. If
// either update affects zero rows (a concurrent cancel or double-fill), the
// whole transaction is rolled back and the trade is skipped.
func (s *Store) PersistTrade(ctx context.Context, m *domain.TradeMatch, buyTotal, sellTotal decimal.Decimal) (bool, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.InsertTrade(ctx, tx, m); err != nil {
		return false, err
	}

	buyOK, err := s.ApplyFill(ctx, tx, m.BuyOrderID, m.Quantity, buyTotal)
	if err != nil {
		return false, err
	}
	if !buyOK {
		return false, nil
	}

	sellOK, err := s.ApplyFill(ctx, tx, m.SellOrderID, m.Quantity, sellTotal)
	if err != nil {
		return false, err
	}
	if !sellOK {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, domain.Database("store.persist_trade.commit", err)
	}
	return true, nil
}

// BeginTx starts a serializable transaction, matching the isolation level
// used for trade and settlement persistence elsewhere in the pack.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, domain.Database("store.begin_tx", err)
	}
	return tx, nil
}

// InsertTrade inserts a pending trade row within tx.
func (s *Store) InsertTrade(ctx context.Context, tx *sql.Tx, m *domain.TradeMatch) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trades (id, epoch_id, buy_order_id, sell_order_id, quantity, price, matched_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')
	`, m.ID.String(), nullableUUID(m.EpochID), m.BuyOrderID.String(), m.SellOrderID.String(),
		m.Quantity.String(), m.Price.String(), unixNano(m.MatchedAt))
	if err != nil {
		return domain.Database("store.insert_trade", err)
	}
	return nil
}

// SetTradeStatus resolves the open question on trade-row transitions
// (SPEC_FULL.md §4.6.7): settled on settlement completion, settlement_failed
// on permanent settlement failure.
func (s *Store) SetTradeStatus(ctx context.Context, tradeID uuid.UUID, status domain.TradeStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE trades SET status = ? WHERE id = ?`, string(status), tradeID.String())
	if err != nil {
		return domain.Database("store.set_trade_status", err)
	}
	return nil
}

// CreateSettlement inserts a Pending settlement row for a persisted trade.
func (s *Store) CreateSettlement(ctx context.Context, st *domain.Settlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (
			id, trade_id, buyer_id, seller_id, buy_order_id, sell_order_id,
			energy_amount, effective_energy, price, total_value, fee_amount, net_amount,
			wheeling_charge, loss_factor, loss_cost, buyer_zone_id, seller_zone_id,
			status, retry_count, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, st.ID.String(), st.TradeID.String(), st.BuyerID.String(), st.SellerID.String(),
		st.BuyOrderID.String(), st.SellOrderID.String(),
		st.EnergyAmount.String(), st.EffectiveEnergy.String(), st.Price.String(), st.TotalValue.String(),
		st.FeeAmount.String(), st.NetAmount.String(), st.WheelingCharge.String(), st.LossFactor.String(),
		st.LossCost.String(), st.BuyerZoneID, st.SellerZoneID,
		string(st.Status), st.RetryCount, unixNano(st.CreatedAt))
	if err != nil {
		return domain.Database("store.create_settlement", err)
	}
	return nil
}

func scanSettlement(row rowScanner) (*domain.Settlement, error) {
	var (
		id, tradeID, buyerID, sellerID, buyOrderID, sellOrderID                       string
		energy, effective, price, totalValue, fee, net, wheeling, lossFactor, lossCost string
		buyerZone, sellerZone, retryCount                                              int
		status                                                                         string
		ledgerTx, errMsg                                                               sql.NullString
		createdAt                                                                      int64
		processedAt, nextRetryAt                                                       sql.NullInt64
	)
	if err := row.Scan(&id, &tradeID, &buyerID, &sellerID, &buyOrderID, &sellOrderID,
		&energy, &effective, &price, &totalValue, &fee, &net, &wheeling, &lossFactor, &lossCost,
		&buyerZone, &sellerZone, &status, &ledgerTx, &retryCount, &nextRetryAt, &errMsg, &createdAt, &processedAt); err != nil {
		return nil, err
	}
	st := &domain.Settlement{
		ID: uuid.MustParse(id), TradeID: uuid.MustParse(tradeID),
		BuyerID: uuid.MustParse(buyerID), SellerID: uuid.MustParse(sellerID),
		BuyOrderID: uuid.MustParse(buyOrderID), SellOrderID: uuid.MustParse(sellOrderID),
		EnergyAmount: mustDecimal(energy), EffectiveEnergy: mustDecimal(effective),
		Price: mustDecimal(price), TotalValue: mustDecimal(totalValue),
		FeeAmount: mustDecimal(fee), NetAmount: mustDecimal(net),
		WheelingCharge: mustDecimal(wheeling), LossFactor: mustDecimal(lossFactor), LossCost: mustDecimal(lossCost),
		BuyerZoneID: buyerZone, SellerZoneID: sellerZone,
		Status: domain.SettlementStatus(status), RetryCount: retryCount,
		CreatedAt: fromNano(createdAt),
	}
	if ledgerTx.Valid {
		st.LedgerTx = ledgerTx.String
	}
	if errMsg.Valid {
		st.LastError = errMsg.String
	}
	if processedAt.Valid {
		t := fromNano(processedAt.Int64)
		st.ConfirmedAt = &t
	}
	if nextRetryAt.Valid {
		t := fromNano(nextRetryAt.Int64)
		st.NextRetryAt = &t
	}
	return st, nil
}

const settlementColumns = `
	id, trade_id, buyer_id, seller_id, buy_order_id, sell_order_id,
	energy_amount, effective_energy, price, total_value, fee_amount, net_amount,
	wheeling_charge, loss_factor, loss_cost, buyer_zone_id, seller_zone_id,
	status, ledger_tx, retry_count, next_retry_at, error_message, created_at, processed_at
`

// GetSettlement fetches a settlement by id.
func (s *Store) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Settlement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = ?`, id.String())
	st, err := scanSettlement(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NotFound("store.get_settlement", err)
		}
		return nil, domain.Database("store.get_settlement", err)
	}
	return st, nil
}

// SetSettlementStatus transitions a settlement's status.
func (s *Store) SetSettlementStatus(ctx context.Context, id uuid.UUID, status domain.SettlementStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE settlements SET status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		return domain.Database("store.set_settlement_status", err)
	}
	return nil
}

// MarkCompleted finalizes a settlement with its ledger transaction id.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, ledgerTx string, confirmedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlements SET status = 'completed', ledger_tx = ?, processed_at = ? WHERE id = ?
	`, ledgerTx, unixNano(confirmedAt), id.String())
	if err != nil {
		return domain.Database("store.mark_completed", err)
	}
	return nil
}

// IncrementRetry bumps retry_count, records the last error, and sets
// next_retry_at so the sweeper leaves this settlement alone until its
// backoff elapses, leaving status Failed for the sweeper to pick up again.
func (s *Store) IncrementRetry(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlements
		SET status = 'failed', retry_count = retry_count + 1, next_retry_at = ?, error_message = ?
		WHERE id = ?
	`, unixNano(nextRetryAt), errMsg, id.String())
	if err != nil {
		return domain.Database("store.increment_retry", err)
	}
	return nil
}

// MarkPermanentlyFailed stops any further retry of this settlement.
func (s *Store) MarkPermanentlyFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlements SET status = 'permanently_failed', error_message = ? WHERE id = ?
	`, errMsg, id.String())
	if err != nil {
		return domain.Database("store.mark_permanently_failed", err)
	}
	return nil
}

// ListPending returns up to limit Pending settlements ordered by created_at.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*domain.Settlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, domain.Database("store.list_pending", err)
	}
	defer rows.Close()
	return scanSettlements(rows)
}

// ListRetryable returns Failed settlements with retry_count < maxRetries
// whose backoff has elapsed (next_retry_at is unset or <= now), ordered the
// way the retry sweeper requires (§4.6.4 step 1).
func (s *Store) ListRetryable(ctx context.Context, maxRetries int, now time.Time) ([]*domain.Settlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE status = 'failed' AND retry_count < ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY retry_count ASC, created_at ASC
	`, maxRetries, unixNano(now))
	if err != nil {
		return nil, domain.Database("store.list_retryable", err)
	}
	defer rows.Close()
	return scanSettlements(rows)
}

func scanSettlements(rows *sql.Rows) ([]*domain.Settlement, error) {
	var out []*domain.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, domain.Database("store.scan_settlement", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetUser fetches a user row by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet_address, encrypted_private_key, wallet_salt, encryption_iv, zone_id, balance, locked_amount, locked_energy
		FROM users WHERE id = ?
	`, id.String())
	var (
		idStr, wallet, balance, locked, lockedEnergy string
		zoneID                                       int
		key, salt, iv                                []byte
	)
	if err := row.Scan(&idStr, &wallet, &key, &salt, &iv, &zoneID, &balance, &locked, &lockedEnergy); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NotFound("store.get_user", err)
		}
		return nil, domain.Database("store.get_user", err)
	}
	return &domain.User{
		ID: uuid.MustParse(idStr), WalletAddress: wallet,
		EncryptedPrivateKey: key, WalletSalt: salt, EncryptionIV: iv, ZoneID: zoneID,
		Balance: mustDecimal(balance), LockedAmount: mustDecimal(locked), LockedEnergy: mustDecimal(lockedEnergy),
	}, nil
}

// FinalizeEscrow performs the single-transaction multi-update described in
// §4.6.3: debit seller locked_energy, debit buyer locked_amount, credit
// seller balance, insert platform-revenue rows for any positive amount,
// release escrow rows for both orders.
func (s *Store) FinalizeEscrow(ctx context.Context, st *domain.Settlement, platformFeeAccount, gridOperatorAccount uuid.UUID) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := adjustUserField(ctx, tx, "locked_energy", st.SellerID, st.EnergyAmount.Neg()); err != nil {
		return domain.Database("store.finalize_escrow.debit_seller_energy", err)
	}

	if err := adjustUserField(ctx, tx, "locked_amount", st.BuyerID, st.TotalValue.Neg()); err != nil {
		return domain.Database("store.finalize_escrow.debit_buyer_amount", err)
	}

	if err := adjustUserField(ctx, tx, "balance", st.SellerID, st.NetAmount); err != nil {
		return domain.Database("store.finalize_escrow.credit_seller", err)
	}

	revenues := []struct {
		amount decimal.Decimal
		kind   string
		to     uuid.UUID
	}{
		{st.FeeAmount, "platform_fee", platformFeeAccount},
		{st.WheelingCharge, "wheeling_charge", gridOperatorAccount},
		{st.LossCost, "loss_cost", gridOperatorAccount},
	}
	for _, r := range revenues {
		if !r.amount.GreaterThan(decimal.Zero) {
			continue
		}
		rounded := r.amount.RoundBank(persistScale)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO platform_revenue (id, settlement_id, amount, revenue_type, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, uuid.New().String(), st.ID.String(), rounded.String(), r.kind, fmt.Sprintf("settlement %s", st.ID), unixNano(time.Now())); err != nil {
			return domain.Database("store.finalize_escrow.revenue", err)
		}
		if err := adjustUserField(ctx, tx, "balance", r.to, rounded); err != nil {
			return domain.Database("store.finalize_escrow.credit_revenue_account", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE escrow_records SET status = 'released' WHERE order_id IN (?, ?) AND status = 'locked'
	`, st.BuyOrderID.String(), st.SellOrderID.String()); err != nil {
		return domain.Database("store.finalize_escrow.release", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Database("store.finalize_escrow.commit", err)
	}
	return nil
}

// adjustUserField reads column off the users row inside tx, adds delta
// using decimal.Decimal arithmetic, rounds to persistScale with banker's
// rounding, and writes the result back as a string. column is one of a
// fixed set so the query text stays static; there is no column-name
// interpolation.
func adjustUserField(ctx context.Context, tx *sql.Tx, column string, userID uuid.UUID, delta decimal.Decimal) error {
	var selectQuery, updateQuery string
	switch column {
	case "locked_energy":
		selectQuery = `SELECT locked_energy FROM users WHERE id = ?`
		updateQuery = `UPDATE users SET locked_energy = ? WHERE id = ?`
	case "locked_amount":
		selectQuery = `SELECT locked_amount FROM users WHERE id = ?`
		updateQuery = `UPDATE users SET locked_amount = ? WHERE id = ?`
	case "balance":
		selectQuery = `SELECT balance FROM users WHERE id = ?`
		updateQuery = `UPDATE users SET balance = ? WHERE id = ?`
	default:
		return fmt.Errorf("adjustUserField: unknown user field %q", column)
	}

	var current string
	if err := tx.QueryRowContext(ctx, selectQuery, userID.String()).Scan(&current); err != nil {
		return err
	}
	updated := mustDecimal(current).Add(delta).RoundBank(persistScale)
	_, err := tx.ExecContext(ctx, updateQuery, updated.String(), userID.String())
	return err
}

// LoadActiveZoneRates implements topology.Store.
func (s *Store) LoadActiveZoneRates(ctx context.Context) ([]domain.ZoneRate, error) {
	now := time.Now().UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_zone, to_zone, wheeling_charge, loss_factor, effective_from, effective_until, is_active
		FROM zone_rates
		WHERE is_active = 1 AND (effective_until IS NULL OR effective_until > ?) AND effective_from <= ?
	`, now, now)
	if err != nil {
		return nil, domain.Database("store.load_zone_rates", err)
	}
	defer rows.Close()

	var out []domain.ZoneRate
	for rows.Next() {
		var (
			from, to                int
			wheeling, loss          string
			effFrom                 int64
			effUntil                sql.NullInt64
			active                  bool
		)
		if err := rows.Scan(&from, &to, &wheeling, &loss, &effFrom, &effUntil, &active); err != nil {
			return nil, domain.Database("store.load_zone_rates.scan", err)
		}
		zr := domain.ZoneRate{
			FromZone: from, ToZone: to,
			WheelingCharge: mustDecimal(wheeling), LossFactor: mustDecimal(loss),
			EffectiveFrom: fromNano(effFrom), IsActive: active,
		}
		if effUntil.Valid {
			t := fromNano(effUntil.Int64)
			zr.EffectiveUntil = &t
		}
		out = append(out, zr)
	}
	return out, rows.Err()
}
