package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jewwiid/preset-credits/internal/accountstore"
)

// SQLSTATE raised on duplicate key.
const uniqueViolation = "23505"

// Store implements accountstore.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed account store using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	display_name TEXT,
	subscription_tier TEXT NOT NULL DEFAULT 'free',
	status TEXT NOT NULL DEFAULT 'active',
	referred_by TEXT,
	style_tags TEXT[],
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_accounts_tier ON accounts(subscription_tier);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the underlying database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new account, assigning an id when one is missing.
func (s *Store) Create(ctx context.Context, a *accountstore.Account) (*accountstore.Account, error) {
	out := *a
	out.Email = strings.TrimSpace(strings.ToLower(out.Email))
	if out.Email == "" {
		return nil, errors.New("email is required")
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.SubscriptionTier == "" {
		out.SubscriptionTier = "free"
	}
	if out.Status == "" {
		out.Status = accountstore.StatusActive
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(id, email, display_name, subscription_tier, status, referred_by, style_tags, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		out.ID, out.Email, out.DisplayName, out.SubscriptionTier, string(out.Status),
		nullString(out.ReferredBy), pq.Array(out.StyleTags), out.CreatedAt, out.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, accountstore.ErrEmailTaken
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return &out, nil
}

// FindByID returns the account with the given id.
func (s *Store) FindByID(ctx context.Context, id string) (*accountstore.Account, error) {
	return s.findBy(ctx, `id = $1`, id)
}

// FindByEmail returns the account registered under email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*accountstore.Account, error) {
	return s.findBy(ctx, `email = $1`, strings.TrimSpace(strings.ToLower(email)))
}

func (s *Store) findBy(ctx context.Context, where string, arg any) (*accountstore.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, display_name, subscription_tier, status, referred_by, style_tags, created_at, updated_at
FROM accounts WHERE `+where, arg)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, accountstore.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// UpdateTier changes the subscription tier for an account.
func (s *Store) UpdateTier(ctx context.Context, id, tier string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET subscription_tier = $1, updated_at = NOW() WHERE id = $2`, tier, id)
	if err != nil {
		return fmt.Errorf("update tier: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return accountstore.ErrAccountNotFound
	}
	return nil
}

// List returns every account ordered by creation time.
func (s *Store) List(ctx context.Context) ([]accountstore.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, email, display_name, subscription_tier, status, referred_by, style_tags, created_at, updated_at
FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accountstore.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAccount(row interface{ Scan(...any) error }) (*accountstore.Account, error) {
	var a accountstore.Account
	var status string
	var displayName, referredBy sql.NullString
	if err := row.Scan(&a.ID, &a.Email, &displayName, &a.SubscriptionTier, &status,
		&referredBy, pq.Array(&a.StyleTags), &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = accountstore.Status(status)
	a.DisplayName = displayName.String
	a.ReferredBy = referredBy.String
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
