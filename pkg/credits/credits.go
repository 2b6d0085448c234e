// Package credits re-exports the credit ledger's consumer API so embedding
// applications do not need to import internal packages.
package credits

import (
	"github.com/jewwiid/preset-credits/internal/config"
	"github.com/jewwiid/preset-credits/internal/ledger"
	ledsqlite "github.com/jewwiid/preset-credits/internal/ledger/sqlite"
	"github.com/jewwiid/preset-credits/internal/pricing"
)

type Config = config.CreditsConfig

// LoadConfig delegates to the internal loader while keeping the consumer API
// inside the public pkg/credits namespace.
func LoadConfig(root string) (Config, error) {
	return config.LoadCreditsConfig(root)
}

type Service = ledger.Service
type Store = ledger.Store
type Balance = ledger.Balance
type Transaction = ledger.Transaction
type Breakdown = ledger.Breakdown
type InsufficientCreditsError = ledger.InsufficientCreditsError

var ErrBalanceNotFound = ledger.ErrBalanceNotFound

// NewService builds a ledger service over any Store implementation.
func NewService(store Store) *Service {
	return ledger.NewService(store)
}

// OpenSQLite opens a file-backed store suitable for single-node embedding.
func OpenSQLite(path string) (Store, error) {
	return ledsqlite.New(path)
}

type PricingTable = pricing.Table
type Provider = pricing.Provider

// DefaultPricing returns the built-in provider cost table.
func DefaultPricing() *PricingTable {
	return pricing.DefaultTable()
}
