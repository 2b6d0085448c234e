package pricing

import "strings"

// Tier names a subscription plan.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
	// TierEnterprise has no monthly allocation cycle; balances are managed
	// manually and MonthlyAllowance reports a negative sentinel.
	TierEnterprise Tier = "enterprise"
)

// ReferralBonusCredits is granted to both sides of a completed referral.
const ReferralBonusCredits = 10

var tierAllowances = map[Tier]int{
	TierFree:       10,
	TierPlus:       100,
	TierPro:        500,
	TierEnterprise: -1,
}

// MonthlyAllowance returns the credits allocated to the tier at the start of
// each billing cycle. Unknown tiers get the free allowance. A negative value
// means the tier is exempt from allocation.
func MonthlyAllowance(tier Tier) int {
	key := Tier(strings.ToLower(strings.TrimSpace(string(tier))))
	if allowance, ok := tierAllowances[key]; ok {
		return allowance
	}
	return tierAllowances[TierFree]
}
