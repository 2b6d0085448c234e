package pricing

import (
	"fmt"
	"math"
	"strings"
)

// Provider identifies an upstream image or video generation service.
type Provider string

const (
	ProviderSeedream            Provider = "seedream"
	ProviderNanoBanana          Provider = "nanobanana"
	ProviderWavespeedNanoBanana Provider = "wavespeed-nanobanana"
	ProviderSeedreamVideo       Provider = "seedream-video"
	ProviderWanVideo            Provider = "wan-video"
)

// ProviderCost captures per-unit pricing for one provider. UserCredits is
// what the end user is charged; PlatformCredits is what the upstream
// provider consumes. The USD figures are informational accounting only and
// never drive control flow.
type ProviderCost struct {
	UserCredits     int     `yaml:"user_credits"`
	PlatformCredits int     `yaml:"platform_credits"`
	CostUSD         float64 `yaml:"cost_usd"`
	TotalCostUSD    float64 `yaml:"total_cost_usd"`
	ChargeUSD       float64 `yaml:"charge_usd"`
	Margin          float64 `yaml:"margin"`
}

// CostDetails is the richer lookup shape used for audit logging.
type CostDetails struct {
	Provider        Provider `json:"provider"`
	UserCredits     int      `json:"user_credits"`
	PlatformCredits int      `json:"platform_credits"`
	TotalCostUSD    float64  `json:"total_cost_usd"`
	Ratio           float64  `json:"ratio"`
}

// UnknownProviderError reports a cost lookup against a provider that is not
// in the table. Lookups never default; callers must treat this as fatal to
// the operation.
type UnknownProviderError struct {
	Provider Provider
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", string(e.Provider))
}

// Table is an immutable provider cost table. Construct via DefaultTable or
// LoadTable; the zero value rejects every lookup.
type Table struct {
	costs map[Provider]ProviderCost
}

// DefaultTable returns the built-in provider cost table.
func DefaultTable() *Table {
	return &Table{costs: map[Provider]ProviderCost{
		ProviderSeedream:            {UserCredits: 2, PlatformCredits: 4, CostUSD: 0.025, TotalCostUSD: 0.05, ChargeUSD: 0.10, Margin: 0.50},
		ProviderNanoBanana:          {UserCredits: 1, PlatformCredits: 2, CostUSD: 0.012, TotalCostUSD: 0.024, ChargeUSD: 0.05, Margin: 0.52},
		ProviderWavespeedNanoBanana: {UserCredits: 1, PlatformCredits: 2, CostUSD: 0.015, TotalCostUSD: 0.03, ChargeUSD: 0.05, Margin: 0.40},
		ProviderSeedreamVideo:       {UserCredits: 8, PlatformCredits: 16, CostUSD: 0.20, TotalCostUSD: 0.40, ChargeUSD: 0.64, Margin: 0.375},
		ProviderWanVideo:            {UserCredits: 12, PlatformCredits: 24, CostUSD: 0.30, TotalCostUSD: 0.60, ChargeUSD: 0.96, Margin: 0.375},
	}}
}

// Providers lists the enumerated provider identifiers.
func (t *Table) Providers() []Provider {
	out := make([]Provider, 0, len(t.costs))
	for p := range t.costs {
		out = append(out, p)
	}
	return out
}

func (t *Table) lookup(provider Provider) (ProviderCost, error) {
	key := Provider(strings.ToLower(strings.TrimSpace(string(provider))))
	cost, ok := t.costs[key]
	if !ok {
		return ProviderCost{}, &UnknownProviderError{Provider: provider}
	}
	return cost, nil
}

// CostFor returns the user credits required for unitCount units of output
// from the provider.
func (t *Table) CostFor(provider Provider, unitCount int) (int, error) {
	if unitCount < 1 {
		return 0, fmt.Errorf("unit count must be >= 1, got %d", unitCount)
	}
	cost, err := t.lookup(provider)
	if err != nil {
		return 0, err
	}
	return cost.UserCredits * unitCount, nil
}

// CostDetailsFor returns the full per-operation cost breakdown.
func (t *Table) CostDetailsFor(provider Provider, unitCount int) (CostDetails, error) {
	if unitCount < 1 {
		return CostDetails{}, fmt.Errorf("unit count must be >= 1, got %d", unitCount)
	}
	cost, err := t.lookup(provider)
	if err != nil {
		return CostDetails{}, err
	}
	return CostDetails{
		Provider:        provider,
		UserCredits:     cost.UserCredits * unitCount,
		PlatformCredits: cost.PlatformCredits * unitCount,
		TotalCostUSD:    cost.TotalCostUSD * float64(unitCount),
		Ratio:           float64(cost.PlatformCredits) / float64(cost.UserCredits),
	}, nil
}

// BatchEditCost returns the credits required to edit imageCount images.
func (t *Table) BatchEditCost(provider Provider, imageCount int) (int, error) {
	return t.CostFor(provider, imageCount)
}

// VideoGenerationCost prices a single video generation. Duration above five
// seconds and 720p output each apply a 1.5x multiplier; the result is
// rounded up.
func (t *Table) VideoGenerationCost(provider Provider, durationSeconds int, resolution string) (int, error) {
	cost, err := t.lookup(provider)
	if err != nil {
		return 0, err
	}
	credits := float64(cost.UserCredits)
	if durationSeconds > 5 {
		credits *= 1.5
	}
	if strings.EqualFold(strings.TrimSpace(resolution), "720p") {
		credits *= 1.5
	}
	return int(math.Ceil(credits)), nil
}
