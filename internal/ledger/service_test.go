package ledger

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/jewwiid/preset-credits/internal/metrics"
)

// fakeStore keeps balances in memory and lets tests disable the atomic
// primitives or fail the transaction log.
type fakeStore struct {
	balances      map[string]*Balance
	transactions  []Transaction
	atomicMissing bool
	insertErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{balances: map[string]*Balance{}}
}

func (f *fakeStore) seed(userID string, purchased, subscription int) {
	f.balances[userID] = &Balance{
		UserID:              userID,
		CurrentBalance:      purchased + subscription,
		PurchasedBalance:    purchased,
		SubscriptionBalance: subscription,
		SubscriptionTier:    "plus",
		UpdatedAt:           time.Now().UTC(),
	}
}

func (f *fakeStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	b, ok := f.balances[userID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) PutBalance(ctx context.Context, b *Balance) error {
	cp := *b
	f.balances[b.UserID] = &cp
	return nil
}

func (f *fakeStore) CreateBalance(ctx context.Context, b *Balance) error {
	if _, ok := f.balances[b.UserID]; ok {
		return errors.New("balance exists")
	}
	cp := *b
	f.balances[b.UserID] = &cp
	return nil
}

func (f *fakeStore) ConsumeAtomic(ctx context.Context, userID string, credits int) (*Breakdown, error) {
	if f.atomicMissing {
		return nil, ErrAtomicUnavailable
	}
	b, ok := f.balances[userID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	if b.CurrentBalance < credits {
		return nil, &InsufficientCreditsError{UserID: userID, Required: credits, Balance: b.CurrentBalance}
	}
	fromPurchased := credits
	if fromPurchased > b.PurchasedBalance {
		fromPurchased = b.PurchasedBalance
	}
	fromSubscription := credits - fromPurchased
	b.PurchasedBalance -= fromPurchased
	b.SubscriptionBalance -= fromSubscription
	b.CurrentBalance -= credits
	b.ConsumedThisMonth += credits
	return &Breakdown{
		PurchasedConsumed:    fromPurchased,
		SubscriptionConsumed: fromSubscription,
		RemainingBalance:     b.CurrentBalance,
		RemainingPurchased:   b.PurchasedBalance,
	}, nil
}

func (f *fakeStore) RefundAtomic(ctx context.Context, userID string, credits int) (*Breakdown, error) {
	if f.atomicMissing {
		return nil, ErrAtomicUnavailable
	}
	b, ok := f.balances[userID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	toSubscription := credits
	consumedFromSubscription := b.MonthlyAllowance - b.SubscriptionBalance
	if toSubscription > consumedFromSubscription {
		toSubscription = consumedFromSubscription
	}
	if toSubscription < 0 {
		toSubscription = 0
	}
	toPurchased := credits - toSubscription
	b.SubscriptionBalance += toSubscription
	b.PurchasedBalance += toPurchased
	b.CurrentBalance += credits
	b.ConsumedThisMonth -= credits
	if b.ConsumedThisMonth < 0 {
		b.ConsumedThisMonth = 0
	}
	return &Breakdown{
		PurchasedConsumed:    toPurchased,
		SubscriptionConsumed: toSubscription,
		RemainingBalance:     b.CurrentBalance,
		RemainingPurchased:   b.PurchasedBalance,
	}, nil
}

func (f *fakeStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.transactions = append(f.transactions, *tx)
	return nil
}

func (f *fakeStore) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	var out []Transaction
	for i := len(f.transactions) - 1; i >= 0; i-- {
		if f.transactions[i].UserID == userID {
			out = append(out, f.transactions[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListBalances(ctx context.Context) ([]Balance, error) {
	var out []Balance
	for _, b := range f.balances {
		out = append(out, *b)
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

func newTestService(store *fakeStore) *Service {
	svc := NewService(store)
	svc.SetLogger(log.New(io.Discard, "", 0))
	return svc
}

func TestValidateBalance(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 3, 5)
	svc := newTestService(store)
	ctx := context.Background()

	res, err := svc.ValidateBalance(ctx, "u1", 8)
	if err != nil {
		t.Fatalf("ValidateBalance: %v", err)
	}
	if !res.Sufficient || res.CurrentBalance != 8 {
		t.Fatalf("expected sufficient at exact balance, got %+v", res)
	}

	res, err = svc.ValidateBalance(ctx, "u1", 9)
	if err != nil {
		t.Fatalf("ValidateBalance: %v", err)
	}
	if res.Sufficient || res.Shortfall != 1 {
		t.Fatalf("expected shortfall of 1, got %+v", res)
	}

	if _, err := svc.ValidateBalance(ctx, "missing", 1); !errors.Is(err, ErrBalanceNotFound) {
		t.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
	if _, err := svc.ValidateBalance(ctx, "u1", 0); err == nil {
		t.Fatalf("expected rejection of non-positive required credits")
	}
}

func TestDeductDrainsPurchasedFirst(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 3, 10)
	svc := newTestService(store)

	res, err := svc.Deduct(context.Background(), "u1", 5, "image_generation", "seedream")
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if res.Breakdown == nil {
		t.Fatalf("expected breakdown on atomic path")
	}
	if res.Breakdown.PurchasedConsumed != 3 || res.Breakdown.SubscriptionConsumed != 2 {
		t.Fatalf("unexpected pool split: %+v", res.Breakdown)
	}
	if res.RemainingBalance != 8 {
		t.Fatalf("expected remaining 8, got %d", res.RemainingBalance)
	}
	if res.UsedFallback {
		t.Fatalf("atomic path should not report fallback")
	}
	if len(store.transactions) != 1 {
		t.Fatalf("expected one audit row, got %d", len(store.transactions))
	}
	tx := store.transactions[0]
	if tx.Type != TransactionDeduction || tx.CreditsUsed != 5 || tx.OperationType != "image_generation" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if tx.Metadata.Breakdown == nil || tx.Metadata.Breakdown.PurchasedConsumed != 3 {
		t.Fatalf("expected breakdown in metadata: %+v", tx.Metadata)
	}
}

func TestDeductRepeatsAreNotDeduplicated(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 4, 16)
	svc := newTestService(store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Deduct(ctx, "u1", 5, "image_generation", "seedream"); err != nil {
			t.Fatalf("Deduct #%d: %v", i+1, err)
		}
	}

	// Identical arguments charge twice; there is no idempotency key.
	b := store.balances["u1"]
	if b.CurrentBalance != 10 || b.ConsumedThisMonth != 10 {
		t.Fatalf("expected both deductions applied: %+v", b)
	}
	if len(store.transactions) != 2 {
		t.Fatalf("expected two audit rows, got %d", len(store.transactions))
	}
}

func TestDeductRecordsMetrics(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 3, 10)
	svc := newTestService(store)
	collector := metrics.NewCollector()
	svc.SetMetrics(collector)

	if _, err := svc.Deduct(context.Background(), "u1", 5, "image_generation", "seedream"); err != nil {
		t.Fatalf("Deduct: %v", err)
	}

	snap := collector.GetSnapshot()
	if snap.Deductions != 1 || snap.CreditsDeducted != 5 {
		t.Fatalf("unexpected deduction counters: %+v", snap)
	}
	if snap.CreditsByProvider["seedream"] != 5 {
		t.Fatalf("expected provider charge recorded: %+v", snap.CreditsByProvider)
	}
}

func TestDeductInsufficient(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 2, 1)
	svc := newTestService(store)

	_, err := svc.Deduct(context.Background(), "u1", 4, "image_generation", "seedream")
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Balance != 3 || insufficient.Required != 4 {
		t.Fatalf("unexpected error detail: %+v", insufficient)
	}
	if b := store.balances["u1"]; b.CurrentBalance != 3 {
		t.Fatalf("balance must be untouched on rejection, got %d", b.CurrentBalance)
	}
	if len(store.transactions) != 0 {
		t.Fatalf("no audit row expected on rejection")
	}
}

func TestDeductFallbackFlat(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 3, 10)
	store.atomicMissing = true
	svc := newTestService(store)
	var logs bytes.Buffer
	svc.SetLogger(log.New(&logs, "", 0))

	res, err := svc.Deduct(context.Background(), "u1", 5, "", "")
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if !res.UsedFallback {
		t.Fatalf("expected fallback path")
	}
	if !strings.Contains(logs.String(), "[WARN] atomic consume unavailable") {
		t.Fatalf("degraded path must log a warning, got %q", logs.String())
	}
	if res.Breakdown != nil {
		t.Fatalf("fallback path must not fabricate a breakdown")
	}
	b := store.balances["u1"]
	if b.CurrentBalance != 8 || b.ConsumedThisMonth != 5 {
		t.Fatalf("unexpected balance after flat deduction: %+v", b)
	}
	// The flat path leaves the pool columns alone.
	if b.PurchasedBalance != 3 || b.SubscriptionBalance != 10 {
		t.Fatalf("flat deduction must not touch pools: %+v", b)
	}
}

func TestDeductFallbackInsufficient(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 1, 1)
	store.atomicMissing = true
	svc := newTestService(store)

	_, err := svc.Deduct(context.Background(), "u1", 3, "", "")
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
}

func TestDeductSurvivesAuditFailure(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 5, 0)
	store.insertErr = errors.New("disk full")
	svc := newTestService(store)

	res, err := svc.Deduct(context.Background(), "u1", 2, "", "")
	if err != nil {
		t.Fatalf("deduction must succeed when only the audit insert fails: %v", err)
	}
	if res.TransactionID != "" {
		t.Fatalf("no transaction id expected when the insert failed")
	}
	if b := store.balances["u1"]; b.CurrentBalance != 3 {
		t.Fatalf("balance mutation must stick, got %d", b.CurrentBalance)
	}
}

func TestRefundRestoresSubscriptionFirst(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 10, 10)
	store.balances["u1"].MonthlyAllowance = 10
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Deduct(ctx, "u1", 14, "", ""); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	// 10 purchased and 4 subscription were consumed.
	res, err := svc.Refund(ctx, "u1", 6, "image_generation", "generation failed")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if res.Breakdown.SubscriptionConsumed != 4 || res.Breakdown.PurchasedConsumed != 2 {
		t.Fatalf("expected subscription pool restored first: %+v", res.Breakdown)
	}
	b := store.balances["u1"]
	if b.SubscriptionBalance != 10 || b.PurchasedBalance != 2 || b.CurrentBalance != 12 {
		t.Fatalf("unexpected balance after refund: %+v", b)
	}
	if b.ConsumedThisMonth != 8 {
		t.Fatalf("expected consumption 8, got %d", b.ConsumedThisMonth)
	}
}

func TestRefundClampsConsumption(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 5, 0)
	store.atomicMissing = true
	svc := newTestService(store)

	res, err := svc.Refund(context.Background(), "u1", 3, "image_generation", "stale job")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !res.UsedFallback {
		t.Fatalf("expected fallback path")
	}
	b := store.balances["u1"]
	if b.ConsumedThisMonth != 0 {
		t.Fatalf("consumption must clamp at zero, got %d", b.ConsumedThisMonth)
	}
	if b.CurrentBalance != 8 {
		t.Fatalf("expected balance 8, got %d", b.CurrentBalance)
	}
}

func TestRefundMissingBalance(t *testing.T) {
	store := newFakeStore()
	store.atomicMissing = true
	svc := newTestService(store)

	_, err := svc.Refund(context.Background(), "ghost", 3, "image_generation", "stale job")
	if !errors.Is(err, ErrBalanceNotFound) {
		t.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestAddRoutesPools(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 0, 0)
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Add(ctx, "u1", 100, TransactionAllocation, "monthly allowance"); err != nil {
		t.Fatalf("Add allocation: %v", err)
	}
	if _, err := svc.Add(ctx, "u1", 25, TransactionPurchase, "credit pack"); err != nil {
		t.Fatalf("Add purchase: %v", err)
	}
	if _, err := svc.Add(ctx, "u1", 10, TransactionReferralBonus, "referral"); err != nil {
		t.Fatalf("Add referral: %v", err)
	}

	b := store.balances["u1"]
	if b.SubscriptionBalance != 100 {
		t.Fatalf("allocation must land in the subscription pool, got %d", b.SubscriptionBalance)
	}
	if b.PurchasedBalance != 35 {
		t.Fatalf("purchase and referral must land in the purchased pool, got %d", b.PurchasedBalance)
	}
	if b.CurrentBalance != 135 {
		t.Fatalf("expected total 135, got %d", b.CurrentBalance)
	}
	if len(store.transactions) != 3 {
		t.Fatalf("expected three audit rows, got %d", len(store.transactions))
	}

	if _, err := svc.Add(ctx, "u1", 5, TransactionType("bogus"), ""); err == nil {
		t.Fatalf("expected rejection of unknown transaction type")
	}
}

func TestTransactionsNewestFirst(t *testing.T) {
	store := newFakeStore()
	store.seed("u1", 50, 0)
	svc := newTestService(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Deduct(ctx, "u1", 2, "image_generation", "nanobanana"); err != nil {
			t.Fatalf("Deduct %d: %v", i, err)
		}
	}
	txs, err := svc.Transactions(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(txs))
	}
}
