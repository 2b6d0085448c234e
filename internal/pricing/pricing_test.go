package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCostForScalesLinearly(t *testing.T) {
	table := DefaultTable()
	for _, provider := range table.Providers() {
		unit, err := table.CostFor(provider, 1)
		if err != nil {
			t.Fatalf("CostFor(%s, 1): %v", provider, err)
		}
		if unit < 1 {
			t.Fatalf("provider %s has unit cost %d, want >= 1", provider, unit)
		}
		for _, n := range []int{2, 3, 7, 50} {
			got, err := table.CostFor(provider, n)
			if err != nil {
				t.Fatalf("CostFor(%s, %d): %v", provider, n, err)
			}
			if got != unit*n {
				t.Fatalf("CostFor(%s, %d) = %d, want %d", provider, n, got, unit*n)
			}
		}
	}
}

func TestCostForSeedream(t *testing.T) {
	table := DefaultTable()
	got, err := table.CostFor(ProviderSeedream, 5)
	if err != nil {
		t.Fatalf("CostFor: %v", err)
	}
	if got != 10 {
		t.Fatalf("expected 10 credits for 5 seedream images, got %d", got)
	}
}

func TestCostForUnknownProvider(t *testing.T) {
	table := DefaultTable()
	_, err := table.CostFor("dalle-9", 1)
	if err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	var unknown *UnknownProviderError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownProviderError, got %T", err)
	}
	if unknown.Provider != "dalle-9" {
		t.Fatalf("unexpected provider in error: %q", unknown.Provider)
	}
}

func TestCostForRejectsNonPositiveCount(t *testing.T) {
	table := DefaultTable()
	if _, err := table.CostFor(ProviderSeedream, 0); err == nil {
		t.Fatalf("expected error for zero count")
	}
	if _, err := table.CostFor(ProviderSeedream, -3); err == nil {
		t.Fatalf("expected error for negative count")
	}
}

func TestCostDetailsFor(t *testing.T) {
	table := DefaultTable()
	details, err := table.CostDetailsFor(ProviderSeedream, 3)
	if err != nil {
		t.Fatalf("CostDetailsFor: %v", err)
	}
	if details.UserCredits != 6 {
		t.Fatalf("user credits = %d, want 6", details.UserCredits)
	}
	if details.PlatformCredits != 12 {
		t.Fatalf("platform credits = %d, want 12", details.PlatformCredits)
	}
	if details.Ratio != 2 {
		t.Fatalf("ratio = %v, want 2", details.Ratio)
	}
}

func TestVideoGenerationCost(t *testing.T) {
	table := DefaultTable()
	cases := []struct {
		provider   Provider
		duration   int
		resolution string
		want       int
	}{
		{ProviderSeedreamVideo, 5, "480p", 8},
		{ProviderSeedreamVideo, 10, "480p", 12},
		{ProviderSeedreamVideo, 5, "720p", 12},
		{ProviderSeedreamVideo, 10, "720p", 18},
		{ProviderWanVideo, 5, "480p", 12},
		{ProviderWanVideo, 10, "720p", 27},
	}
	for _, tc := range cases {
		got, err := table.VideoGenerationCost(tc.provider, tc.duration, tc.resolution)
		if err != nil {
			t.Fatalf("VideoGenerationCost(%s, %d, %s): %v", tc.provider, tc.duration, tc.resolution, err)
		}
		if got != tc.want {
			t.Fatalf("VideoGenerationCost(%s, %d, %s) = %d, want %d", tc.provider, tc.duration, tc.resolution, got, tc.want)
		}
	}
	if _, err := table.VideoGenerationCost("betavideo", 5, "480p"); err == nil {
		t.Fatalf("expected error for unknown video provider")
	}
}

func TestBatchEditCost(t *testing.T) {
	table := DefaultTable()
	got, err := table.BatchEditCost(ProviderNanoBanana, 8)
	if err != nil {
		t.Fatalf("BatchEditCost: %v", err)
	}
	if got != 8 {
		t.Fatalf("BatchEditCost = %d, want 8", got)
	}
}

func TestMonthlyAllowance(t *testing.T) {
	if got := MonthlyAllowance(TierFree); got != 10 {
		t.Fatalf("free allowance = %d, want 10", got)
	}
	if got := MonthlyAllowance(TierPlus); got != 100 {
		t.Fatalf("plus allowance = %d, want 100", got)
	}
	if got := MonthlyAllowance(TierPro); got != 500 {
		t.Fatalf("pro allowance = %d, want 500", got)
	}
	if got := MonthlyAllowance(TierEnterprise); got >= 0 {
		t.Fatalf("enterprise allowance should be negative sentinel, got %d", got)
	}
	if got := MonthlyAllowance("mystery"); got != 10 {
		t.Fatalf("unknown tier should fall back to free allowance, got %d", got)
	}
}

func TestLoadTableOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	content := []byte("seedream:\n  user_credits: 3\n  platform_credits: 6\n  total_cost_usd: 0.06\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write pricing file: %v", err)
	}

	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	got, err := table.CostFor(ProviderSeedream, 2)
	if err != nil {
		t.Fatalf("CostFor: %v", err)
	}
	if got != 6 {
		t.Fatalf("overridden seedream cost = %d, want 6", got)
	}
	// Untouched providers keep their defaults.
	got, err = table.CostFor(ProviderNanoBanana, 1)
	if err != nil {
		t.Fatalf("CostFor: %v", err)
	}
	if got != 1 {
		t.Fatalf("nanobanana cost = %d, want 1", got)
	}
}

func TestLoadTableRejectsNewProviders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	if err := os.WriteFile(path, []byte("midjourney:\n  user_credits: 4\n  platform_credits: 8\n"), 0o644); err != nil {
		t.Fatalf("write pricing file: %v", err)
	}
	if _, err := LoadTable(path); err == nil {
		t.Fatalf("expected error for provider not in the enumerated set")
	}
}

func TestLoadTableRejectsZeroCredits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	if err := os.WriteFile(path, []byte("seedream:\n  user_credits: 0\n  platform_credits: 2\n"), 0o644); err != nil {
		t.Fatalf("write pricing file: %v", err)
	}
	if _, err := LoadTable(path); err == nil {
		t.Fatalf("expected error for zero user credits")
	}
}
