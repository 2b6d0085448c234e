package allocator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jewwiid/preset-credits/internal/alerts"
	"github.com/jewwiid/preset-credits/internal/ledger"
	"github.com/jewwiid/preset-credits/internal/pricing"
)

// Allocator initialises credit records for new members and runs the monthly
// allowance sweep. The sweep resets the subscription pool to the tier
// allowance; purchased credits are never touched by a reset.
type Allocator struct {
	store  ledger.Store
	logger *log.Logger
	alerts *alerts.Dispatcher
	now    func() time.Time
}

// SweepReport summarises one monthly sweep.
type SweepReport struct {
	Scanned   int
	Reset     int
	Skipped   int
	Failed    int
	StartedAt time.Time
	Duration  time.Duration
}

// New wires an Allocator around store.
func New(store ledger.Store) *Allocator {
	return &Allocator{
		store:  store,
		logger: log.New(log.Writer(), "[credits/allocator] ", log.LstdFlags|log.Lmicroseconds),
		now:    time.Now,
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (a *Allocator) SetLogger(logger *log.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// SetAlerts installs an alert dispatcher for sweep completion events.
func (a *Allocator) SetAlerts(d *alerts.Dispatcher) {
	a.alerts = d
}

// SetClock overrides the time source, used by tests.
func (a *Allocator) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

func (a *Allocator) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

// InitAccount creates the credit record for a new member with the tier's
// full allowance already granted, plus a referral bonus when the member was
// referred. Enterprise accounts start with an empty subscription pool
// because their allowance is negotiated out of band.
func (a *Allocator) InitAccount(ctx context.Context, userID, tier string, referred bool) (*ledger.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	allowance := pricing.MonthlyAllowance(pricing.Tier(tier))
	subscription := allowance
	if subscription < 0 {
		subscription = 0
	}
	purchased := 0
	if referred {
		purchased = pricing.ReferralBonusCredits
	}
	now := a.now().UTC()
	b := &ledger.Balance{
		UserID:              userID,
		CurrentBalance:      purchased + subscription,
		PurchasedBalance:    purchased,
		SubscriptionBalance: subscription,
		MonthlyAllowance:    allowance,
		SubscriptionTier:    tier,
		LastResetAt:         now,
		UpdatedAt:           now,
	}
	if err := a.store.CreateBalance(ctx, b); err != nil {
		return nil, fmt.Errorf("create balance for %s: %w", userID, err)
	}

	a.insertAudit(ctx, userID, ledger.TransactionAllocation, subscription, "initial allowance")
	if referred {
		a.insertAudit(ctx, userID, ledger.TransactionReferralBonus, purchased, "referral bonus")
	}
	a.logf("account initialised user=%s tier=%s allowance=%d referred=%t", userID, tier, allowance, referred)
	return b, nil
}

// AllocateAll resets every record whose last reset falls in an earlier
// month. Records on a negative allowance are skipped. Failures on single
// records do not abort the sweep.
func (a *Allocator) AllocateAll(ctx context.Context) (*SweepReport, error) {
	started := a.now().UTC()
	report := &SweepReport{StartedAt: started}

	balances, err := a.store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	report.Scanned = len(balances)

	for i := range balances {
		b := balances[i]
		if !a.due(b, started) {
			report.Skipped++
			continue
		}
		if err := a.reset(ctx, &b, started); err != nil {
			report.Failed++
			a.logf("[WARN] allowance reset failed user=%s: %v", b.UserID, err)
			continue
		}
		report.Reset++
	}
	report.Duration = a.now().UTC().Sub(started)

	a.logf("sweep done scanned=%d reset=%d skipped=%d failed=%d in %s",
		report.Scanned, report.Reset, report.Skipped, report.Failed, report.Duration)
	if a.alerts != nil {
		evt := alerts.Event{
			ID:         uuid.NewString(),
			Type:       alerts.EventAllocationCompleted,
			Level:      "info",
			OccurredAt: started,
			Message:    "monthly credit allocation completed",
			Metadata: map[string]any{
				"scanned": report.Scanned,
				"reset":   report.Reset,
				"skipped": report.Skipped,
				"failed":  report.Failed,
			},
		}
		if err := a.alerts.Emit(ctx, evt); err != nil {
			a.logf("[WARN] allocation alert failed: %v", err)
		}
	}
	return report, nil
}

func (a *Allocator) due(b ledger.Balance, now time.Time) bool {
	allowance := pricing.MonthlyAllowance(pricing.Tier(b.SubscriptionTier))
	if allowance < 0 {
		return false
	}
	if b.LastResetAt.IsZero() {
		return true
	}
	ry, rm, _ := b.LastResetAt.UTC().Date()
	ny, nm, _ := now.Date()
	return ry != ny || rm != nm
}

func (a *Allocator) reset(ctx context.Context, b *ledger.Balance, now time.Time) error {
	allowance := pricing.MonthlyAllowance(pricing.Tier(b.SubscriptionTier))
	b.SubscriptionBalance = allowance
	b.CurrentBalance = b.PurchasedBalance + allowance
	b.MonthlyAllowance = allowance
	b.ConsumedThisMonth = 0
	b.LastResetAt = now
	b.UpdatedAt = now
	if err := a.store.PutBalance(ctx, b); err != nil {
		return err
	}
	a.insertAudit(ctx, b.UserID, ledger.TransactionAllocation, allowance, "monthly allowance reset")
	return nil
}

// insertAudit records an allocation row. Audit failures are logged only;
// the balance write has already landed.
func (a *Allocator) insertAudit(ctx context.Context, userID string, txType ledger.TransactionType, credits int, reason string) {
	err := a.store.InsertTransaction(ctx, &ledger.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        txType,
		CreditsUsed: credits,
		Status:      ledger.StatusCompleted,
		Metadata:    ledger.Metadata{Reason: reason},
		CreatedAt:   a.now().UTC(),
	})
	if err != nil {
		a.logf("[WARN] allocation audit insert failed user=%s: %v", userID, err)
	}
}
