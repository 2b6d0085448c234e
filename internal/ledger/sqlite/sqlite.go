package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/jewwiid/preset-credits/internal/ledger"
)

// Store implements ledger.Store backed by SQLite. The consume and refund
// primitives run inside immediate transactions, so SQLite never reports
// ledger.ErrAtomicUnavailable.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create credits directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent mutations.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS user_credits (
	user_id TEXT PRIMARY KEY,
	current_balance INTEGER NOT NULL DEFAULT 0,
	purchased_balance INTEGER NOT NULL DEFAULT 0,
	subscription_balance INTEGER NOT NULL DEFAULT 0,
	consumed_this_month INTEGER NOT NULL DEFAULT 0,
	monthly_allowance INTEGER NOT NULL DEFAULT 0,
	subscription_tier TEXT NOT NULL DEFAULT 'free',
	last_reset_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS credit_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	transaction_type TEXT NOT NULL,
	credits_used INTEGER NOT NULL,
	operation_type TEXT,
	status TEXT NOT NULL DEFAULT 'completed',
	metadata TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_created ON credit_transactions(user_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the underlying database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const balanceColumns = `user_id, current_balance, purchased_balance, subscription_balance, consumed_this_month, monthly_allowance, subscription_tier, last_reset_at, updated_at`

func scanBalance(row interface{ Scan(...any) error }) (*ledger.Balance, error) {
	var b ledger.Balance
	var lastReset sql.NullTime
	if err := row.Scan(
		&b.UserID,
		&b.CurrentBalance,
		&b.PurchasedBalance,
		&b.SubscriptionBalance,
		&b.ConsumedThisMonth,
		&b.MonthlyAllowance,
		&b.SubscriptionTier,
		&lastReset,
		&b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastReset.Valid {
		b.LastResetAt = lastReset.Time
	}
	return &b, nil
}

// GetBalance returns the credit record for userID.
func (s *Store) GetBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM user_credits WHERE user_id = ?`, userID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return b, nil
}

// PutBalance overwrites the stored record for b.UserID.
func (s *Store) PutBalance(ctx context.Context, b *ledger.Balance) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE user_credits
SET current_balance = ?, purchased_balance = ?, subscription_balance = ?,
    consumed_this_month = ?, monthly_allowance = ?, subscription_tier = ?,
    last_reset_at = ?, updated_at = ?
WHERE user_id = ?`,
		b.CurrentBalance,
		b.PurchasedBalance,
		b.SubscriptionBalance,
		b.ConsumedThisMonth,
		b.MonthlyAllowance,
		b.SubscriptionTier,
		nullTime(b.LastResetAt),
		time.Now().UTC(),
		b.UserID,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrBalanceNotFound
	}
	return nil
}

// CreateBalance inserts a fresh record.
func (s *Store) CreateBalance(ctx context.Context, b *ledger.Balance) error {
	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_credits(`+balanceColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.UserID,
		b.CurrentBalance,
		b.PurchasedBalance,
		b.SubscriptionBalance,
		b.ConsumedThisMonth,
		b.MonthlyAllowance,
		b.SubscriptionTier,
		nullTime(b.LastResetAt),
		updated,
	)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}
	return nil
}

// ConsumeAtomic deducts credits inside an immediate transaction, draining
// the purchased pool before the subscription pool.
func (s *Store) ConsumeAtomic(ctx context.Context, userID string, credits int) (*ledger.Breakdown, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM user_credits WHERE user_id = ?`, userID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	if b.CurrentBalance < credits {
		return nil, &ledger.InsufficientCreditsError{UserID: userID, Required: credits, Balance: b.CurrentBalance}
	}

	fromPurchased := credits
	if fromPurchased > b.PurchasedBalance {
		fromPurchased = b.PurchasedBalance
	}
	fromSubscription := credits - fromPurchased

	if _, err := tx.ExecContext(ctx, `
UPDATE user_credits
SET current_balance = current_balance - ?,
    purchased_balance = purchased_balance - ?,
    subscription_balance = subscription_balance - ?,
    consumed_this_month = consumed_this_month + ?,
    updated_at = ?
WHERE user_id = ?`,
		credits, fromPurchased, fromSubscription, credits, time.Now().UTC(), userID,
	); err != nil {
		return nil, fmt.Errorf("apply consume: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return &ledger.Breakdown{
		PurchasedConsumed:    fromPurchased,
		SubscriptionConsumed: fromSubscription,
		RemainingBalance:     b.CurrentBalance - credits,
		RemainingPurchased:   b.PurchasedBalance - fromPurchased,
	}, nil
}

// RefundAtomic returns credits inside an immediate transaction, restoring
// the subscription pool up to its monthly allowance before the purchased
// pool, and clamps the monthly consumption counter at zero.
func (s *Store) RefundAtomic(ctx context.Context, userID string, credits int) (*ledger.Breakdown, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin refund: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM user_credits WHERE user_id = ?`, userID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}

	toSubscription := credits
	headroom := b.MonthlyAllowance - b.SubscriptionBalance
	if headroom < 0 {
		headroom = 0
	}
	if toSubscription > headroom {
		toSubscription = headroom
	}
	toPurchased := credits - toSubscription

	consumed := b.ConsumedThisMonth - credits
	if consumed < 0 {
		consumed = 0
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE user_credits
SET current_balance = current_balance + ?,
    purchased_balance = purchased_balance + ?,
    subscription_balance = subscription_balance + ?,
    consumed_this_month = ?,
    updated_at = ?
WHERE user_id = ?`,
		credits, toPurchased, toSubscription, consumed, time.Now().UTC(), userID,
	); err != nil {
		return nil, fmt.Errorf("apply refund: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit refund: %w", err)
	}
	return &ledger.Breakdown{
		PurchasedConsumed:    toPurchased,
		SubscriptionConsumed: toSubscription,
		RemainingBalance:     b.CurrentBalance + credits,
		RemainingPurchased:   b.PurchasedBalance + toPurchased,
	}, nil
}

// InsertTransaction appends one audit row.
func (s *Store) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	if txn.UserID == "" {
		return errors.New("transaction requires user id")
	}
	created := txn.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	meta, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO credit_transactions(id, user_id, transaction_type, credits_used, operation_type, status, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.UserID,
		string(txn.Type),
		txn.CreditsUsed,
		txn.OperationType,
		string(txn.Status),
		string(meta),
		created,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the latest audit rows for a user.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, transaction_type, credits_used, operation_type, status, metadata, created_at
FROM credit_transactions
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var txType, status string
		var opType, meta sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &txType, &t.CreditsUsed, &opType, &status, &meta, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = ledger.TransactionType(txType)
		t.Status = ledger.TransactionStatus(status)
		t.OperationType = opType.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListBalances returns every credit record.
func (s *Store) ListBalances(ctx context.Context) ([]ledger.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+balanceColumns+` FROM user_credits ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
