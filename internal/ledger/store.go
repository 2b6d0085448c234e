package ledger

import "context"

// Store persists balances and the transaction log. Implementations live in
// the sqlite and postgres subpackages.
//
// ConsumeAtomic and RefundAtomic perform the pool-aware balance mutation in
// a single database round trip. A backend that cannot offer that primitive
// returns ErrAtomicUnavailable and the service falls back to GetBalance plus
// PutBalance.
type Store interface {
	// GetBalance returns the credit record for userID, or ErrBalanceNotFound.
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// PutBalance overwrites the stored record for b.UserID. It is the write
	// half of the fallback path and also serves administrative repairs.
	PutBalance(ctx context.Context, b *Balance) error

	// CreateBalance inserts a fresh record, failing if one already exists.
	CreateBalance(ctx context.Context, b *Balance) error

	// ConsumeAtomic deducts credits from userID, draining the purchased pool
	// before the subscription pool, and increments the monthly consumption
	// counter. It returns ErrBalanceNotFound, ErrAtomicUnavailable, or an
	// *InsufficientCreditsError when the balance cannot cover credits.
	ConsumeAtomic(ctx context.Context, userID string, credits int) (*Breakdown, error)

	// RefundAtomic returns credits to userID, restoring the subscription pool
	// before the purchased pool, and decrements the monthly consumption
	// counter without letting it go negative.
	RefundAtomic(ctx context.Context, userID string, credits int) (*Breakdown, error)

	// InsertTransaction appends one audit row.
	InsertTransaction(ctx context.Context, tx *Transaction) error

	// ListTransactions returns the newest transactions for userID, capped at
	// limit (a non-positive limit selects the backend default).
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)

	// ListBalances returns every balance record, used by the monthly
	// allocation sweep.
	ListBalances(ctx context.Context) ([]Balance, error)

	Close() error
}
