package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jewwiid/preset-credits/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL. The consume and refund
// primitives call the consume_user_credits and refund_user_credits stored
// functions, which perform the pool split under row locks. When those
// functions are not installed the store reports ledger.ErrAtomicUnavailable
// and the service takes the flat path.
type Store struct {
	db *sql.DB
}

// SQLSTATE raised when a called function does not exist.
const undefinedFunction = "42883"

// New opens a PostgreSQL-backed credit store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
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
	last_reset_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	transaction_type TEXT NOT NULL,
	credits_used INTEGER NOT NULL,
	operation_type TEXT,
	status TEXT NOT NULL DEFAULT 'completed',
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
	row := s.db.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM user_credits WHERE user_id = $1`, userID)
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
SET current_balance = $1, purchased_balance = $2, subscription_balance = $3,
    consumed_this_month = $4, monthly_allowance = $5, subscription_tier = $6,
    last_reset_at = $7, updated_at = NOW()
WHERE user_id = $8`,
		b.CurrentBalance,
		b.PurchasedBalance,
		b.SubscriptionBalance,
		b.ConsumedThisMonth,
		b.MonthlyAllowance,
		b.SubscriptionTier,
		nullTime(b.LastResetAt),
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
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_credits(user_id, current_balance, purchased_balance, subscription_balance, consumed_this_month, monthly_allowance, subscription_tier, last_reset_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		b.UserID,
		b.CurrentBalance,
		b.PurchasedBalance,
		b.SubscriptionBalance,
		b.ConsumedThisMonth,
		b.MonthlyAllowance,
		b.SubscriptionTier,
		nullTime(b.LastResetAt),
	)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}
	return nil
}

// ConsumeAtomic calls the consume_user_credits stored function. The function
// returns the pool split, raises 'insufficient_credits' when the balance
// cannot cover the deduction, and 'balance_not_found' when no row exists.
func (s *Store) ConsumeAtomic(ctx context.Context, userID string, credits int) (*ledger.Breakdown, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT purchased_consumed, subscription_consumed, remaining_balance, remaining_purchased FROM consume_user_credits($1, $2)`,
		userID, credits)
	var bd ledger.Breakdown
	err := row.Scan(&bd.PurchasedConsumed, &bd.SubscriptionConsumed, &bd.RemainingBalance, &bd.RemainingPurchased)
	if err != nil {
		return nil, mapConsumeError(err, userID, credits)
	}
	return &bd, nil
}

// RefundAtomic calls the refund_user_credits stored function.
func (s *Store) RefundAtomic(ctx context.Context, userID string, credits int) (*ledger.Breakdown, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT purchased_restored, subscription_restored, remaining_balance, remaining_purchased FROM refund_user_credits($1, $2)`,
		userID, credits)
	var bd ledger.Breakdown
	err := row.Scan(&bd.PurchasedConsumed, &bd.SubscriptionConsumed, &bd.RemainingBalance, &bd.RemainingPurchased)
	if err != nil {
		return nil, mapRefundError(err, userID)
	}
	return &bd, nil
}

func mapConsumeError(err error, userID string, credits int) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == undefinedFunction:
			return ledger.ErrAtomicUnavailable
		case pgErr.Message == "insufficient_credits":
			// The stored function reports the balance in the error DETAIL.
			// A DETAIL that does not parse marks the balance unknown rather
			// than claiming zero.
			balance := -1
			if n, serr := fmt.Sscanf(pgErr.Detail, "balance=%d", &balance); serr != nil || n != 1 {
				balance = -1
			}
			return &ledger.InsufficientCreditsError{UserID: userID, Required: credits, Balance: balance}
		case pgErr.Message == "balance_not_found":
			return ledger.ErrBalanceNotFound
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrBalanceNotFound
	}
	return fmt.Errorf("consume credits: %w", err)
}

func mapRefundError(err error, userID string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == undefinedFunction:
			return ledger.ErrAtomicUnavailable
		case pgErr.Message == "balance_not_found":
			return ledger.ErrBalanceNotFound
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrBalanceNotFound
	}
	return fmt.Errorf("refund credits for %s: %w", userID, err)
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
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
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, limit)
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
