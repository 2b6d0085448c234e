package accountstore

import (
	"context"
	"errors"
	"time"
)

// Status captures whether an account is active or suspended.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// ErrAccountNotFound is returned when no account matches the lookup.
var ErrAccountNotFound = errors.New("account not found")

// ErrEmailTaken is returned when a create would duplicate an email.
var ErrEmailTaken = errors.New("email already registered")

// Account represents a marketplace member. SubscriptionTier drives the
// monthly credit allowance; StyleTags describe the member's creative focus
// for matchmaking.
type Account struct {
	ID               string
	Email            string
	DisplayName      string
	SubscriptionTier string
	Status           Status
	ReferredBy       string
	StyleTags        []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store persists accounts across SQLite/Postgres backends.
type Store interface {
	Create(ctx context.Context, a *Account) (*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	UpdateTier(ctx context.Context, id, tier string) error
	List(ctx context.Context) ([]Account, error)
	Close() error
}
