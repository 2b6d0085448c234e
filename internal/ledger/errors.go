package ledger

import (
	"errors"
	"fmt"
)

// ErrBalanceNotFound is returned when a user has no credit record.
var ErrBalanceNotFound = errors.New("balance not found")

// ErrAtomicUnavailable is returned by a store when its atomic consume or
// refund primitive is missing (for example the stored procedure has not been
// installed). The service reacts by taking the flat read-modify-write path.
var ErrAtomicUnavailable = errors.New("atomic credit primitive unavailable")

// InsufficientCreditsError reports that a deduction would overdraw the
// account. It carries the balance observed at decision time so callers can
// surface it to the user.
type InsufficientCreditsError struct {
	UserID   string
	Required int
	Balance  int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for user %s: need %d, have %d", e.UserID, e.Required, e.Balance)
}
