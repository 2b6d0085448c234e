package ledger

import (
	"encoding/json"
	"time"
)

// TransactionType names the business reason for a ledger mutation.
type TransactionType string

const (
	TransactionDeduction           TransactionType = "deduction"
	TransactionRefund              TransactionType = "refund"
	TransactionAllocation          TransactionType = "allocation"
	TransactionPurchase            TransactionType = "purchase"
	TransactionReferralBonus       TransactionType = "referral_bonus"
	TransactionManualAdjustment    TransactionType = "manual_adjustment"
	TransactionSubscriptionRenewal TransactionType = "subscription_renewal"
)

// ValidTransactionType reports whether t is one of the enumerated types.
func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TransactionDeduction, TransactionRefund, TransactionAllocation,
		TransactionPurchase, TransactionReferralBonus,
		TransactionManualAdjustment, TransactionSubscriptionRenewal:
		return true
	}
	return false
}

// creditsSubscriptionPool reports whether credits granted under t belong to
// the subscription allowance pool rather than the purchased pool.
func (t TransactionType) creditsSubscriptionPool() bool {
	return t == TransactionAllocation || t == TransactionSubscriptionRenewal
}

// TransactionStatus tracks the lifecycle of a transaction row.
type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusPending   TransactionStatus = "pending"
	StatusRefunded  TransactionStatus = "refunded"
)

// Balance is the per-user credit record. CurrentBalance is the spendable
// total and equals PurchasedBalance + SubscriptionBalance whenever the
// atomic primitives maintain it; the fallback paths mutate CurrentBalance
// only.
type Balance struct {
	UserID              string    `json:"user_id"`
	CurrentBalance      int       `json:"current_balance"`
	PurchasedBalance    int       `json:"purchased_balance"`
	SubscriptionBalance int       `json:"subscription_balance"`
	ConsumedThisMonth   int       `json:"consumed_this_month"`
	MonthlyAllowance    int       `json:"monthly_allowance"`
	SubscriptionTier    string    `json:"subscription_tier"`
	LastResetAt         time.Time `json:"last_reset_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Breakdown reports how an atomic consume or refund was split across the
// purchased and subscription pools.
type Breakdown struct {
	PurchasedConsumed    int `json:"purchased_consumed"`
	SubscriptionConsumed int `json:"subscription_consumed"`
	RemainingBalance     int `json:"remaining_balance"`
	RemainingPurchased   int `json:"remaining_purchased"`
}

// Metadata is the audit-trail payload attached to a transaction. Reason and
// Breakdown are the well-known keys; Extra carries anything else callers
// record. The whole bag marshals to a single flat JSON object.
type Metadata struct {
	Reason    string
	Breakdown *Breakdown
	Extra     map[string]any
}

// MarshalJSON flattens the well-known fields and Extra into one object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Reason != "" {
		out["reason"] = m.Reason
	}
	if m.Breakdown != nil {
		out["consumption_breakdown"] = m.Breakdown
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the well-known keys back out of the flat object.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	if v, ok := raw["reason"]; ok {
		if err := json.Unmarshal(v, &m.Reason); err != nil {
			return err
		}
		delete(raw, "reason")
	}
	if v, ok := raw["consumption_breakdown"]; ok {
		m.Breakdown = &Breakdown{}
		if err := json.Unmarshal(v, m.Breakdown); err != nil {
			return err
		}
		delete(raw, "consumption_breakdown")
	}
	if len(raw) > 0 {
		m.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			m.Extra[k] = val
		}
	}
	return nil
}

// Transaction is a single append-only row in the credit audit log.
type Transaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Type          TransactionType   `json:"transaction_type"`
	CreditsUsed   int               `json:"credits_used"`
	OperationType string            `json:"operation_type,omitempty"`
	Status        TransactionStatus `json:"status"`
	Metadata      Metadata          `json:"metadata"`
	CreatedAt     time.Time         `json:"created_at"`
}
