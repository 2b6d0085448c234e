package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jewwiid/preset-credits/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "credits.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedBalance(t *testing.T, store *Store, userID string, purchased, subscription, allowance int) {
	t.Helper()
	err := store.CreateBalance(context.Background(), &ledger.Balance{
		UserID:              userID,
		CurrentBalance:      purchased + subscription,
		PurchasedBalance:    purchased,
		SubscriptionBalance: subscription,
		MonthlyAllowance:    allowance,
		SubscriptionTier:    "plus",
	})
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func TestGetBalanceMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetBalance(context.Background(), "ghost"); !errors.Is(err, ledger.ErrBalanceNotFound) {
		t.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestCreateAndGetBalance(t *testing.T) {
	store := newTestStore(t)
	seedBalance(t, store, "u1", 20, 80, 100)

	b, err := store.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.CurrentBalance != 100 || b.PurchasedBalance != 20 || b.SubscriptionBalance != 80 {
		t.Fatalf("unexpected balance: %+v", b)
	}
	if b.SubscriptionTier != "plus" {
		t.Fatalf("expected tier plus, got %q", b.SubscriptionTier)
	}
}

func TestConsumeAtomicPoolSplit(t *testing.T) {
	store := newTestStore(t)
	seedBalance(t, store, "u1", 3, 10, 100)
	ctx := context.Background()

	bd, err := store.ConsumeAtomic(ctx, "u1", 7)
	if err != nil {
		t.Fatalf("ConsumeAtomic: %v", err)
	}
	if bd.PurchasedConsumed != 3 || bd.SubscriptionConsumed != 4 {
		t.Fatalf("unexpected split: %+v", bd)
	}
	if bd.RemainingBalance != 6 || bd.RemainingPurchased != 0 {
		t.Fatalf("unexpected remainders: %+v", bd)
	}

	b, err := store.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.CurrentBalance != 6 || b.PurchasedBalance != 0 || b.SubscriptionBalance != 6 {
		t.Fatalf("unexpected stored balance: %+v", b)
	}
	if b.ConsumedThisMonth != 7 {
		t.Fatalf("expected consumption 7, got %d", b.ConsumedThisMonth)
	}
}

func TestConsumeAtomicInsufficient(t *testing.T) {
	store := newTestStore(t)
	seedBalance(t, store, "u1", 2, 1, 100)

	_, err := store.ConsumeAtomic(context.Background(), "u1", 5)
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Balance != 3 {
		t.Fatalf("expected observed balance 3, got %d", insufficient.Balance)
	}

	b, err := store.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.CurrentBalance != 3 || b.ConsumedThisMonth != 0 {
		t.Fatalf("rejected consume must not mutate: %+v", b)
	}
}

func TestConsumeAtomicMissingUser(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.ConsumeAtomic(context.Background(), "ghost", 1); !errors.Is(err, ledger.ErrBalanceNotFound) {
		t.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestRefundAtomicRestoresSubscriptionFirst(t *testing.T) {
	store := newTestStore(t)
	seedBalance(t, store, "u1", 10, 10, 10)
	ctx := context.Background()

	if _, err := store.ConsumeAtomic(ctx, "u1", 14); err != nil {
		t.Fatalf("ConsumeAtomic: %v", err)
	}
	// Pools now: purchased 0, subscription 6, consumed 14.
	bd, err := store.RefundAtomic(ctx, "u1", 6)
	if err != nil {
		t.Fatalf("RefundAtomic: %v", err)
	}
	if bd.SubscriptionConsumed != 4 || bd.PurchasedConsumed != 2 {
		t.Fatalf("expected subscription restored first: %+v", bd)
	}

	b, err := store.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.SubscriptionBalance != 10 || b.PurchasedBalance != 2 || b.CurrentBalance != 12 {
		t.Fatalf("unexpected balance after refund: %+v", b)
	}
	if b.ConsumedThisMonth != 8 {
		t.Fatalf("expected consumption 8, got %d", b.ConsumedThisMonth)
	}
}

func TestRefundAtomicClampsConsumption(t *testing.T) {
	store := newTestStore(t)
	seedBalance(t, store, "u1", 5, 0, 0)

	if _, err := store.RefundAtomic(context.Background(), "u1", 3); err != nil {
		t.Fatalf("RefundAtomic: %v", err)
	}
	b, err := store.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.ConsumedThisMonth != 0 {
		t.Fatalf("consumption must clamp at zero, got %d", b.ConsumedThisMonth)
	}
	if b.CurrentBalance != 8 || b.PurchasedBalance != 8 {
		t.Fatalf("refund over allowance lands in purchased pool: %+v", b)
	}
}

func TestPutBalanceMissing(t *testing.T) {
	store := newTestStore(t)
	err := store.PutBalance(context.Background(), &ledger.Balance{UserID: "ghost"})
	if !errors.Is(err, ledger.ErrBalanceNotFound) {
		t.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestTransactionsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"t1", "t2", "t3"} {
		err := store.InsertTransaction(ctx, &ledger.Transaction{
			ID:            id,
			UserID:        "u1",
			Type:          ledger.TransactionDeduction,
			CreditsUsed:   i + 1,
			OperationType: "image_generation",
			Status:        ledger.StatusCompleted,
			Metadata: ledger.Metadata{
				Reason:    "test",
				Breakdown: &ledger.Breakdown{PurchasedConsumed: i + 1},
			},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertTransaction %s: %v", id, err)
		}
	}

	txs, err := store.ListTransactions(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(txs))
	}
	if txs[0].ID != "t3" || txs[1].ID != "t2" {
		t.Fatalf("expected newest first, got %s, %s", txs[0].ID, txs[1].ID)
	}
	if txs[0].Metadata.Reason != "test" || txs[0].Metadata.Breakdown == nil {
		t.Fatalf("metadata did not round trip: %+v", txs[0].Metadata)
	}
	if txs[0].Metadata.Breakdown.PurchasedConsumed != 3 {
		t.Fatalf("unexpected breakdown: %+v", txs[0].Metadata.Breakdown)
	}
}

func TestListBalances(t *testing.T) {
	store := newTestStore(t)
	seedBalance(t, store, "a", 1, 0, 10)
	seedBalance(t, store, "b", 2, 0, 10)

	all, err := store.ListBalances(context.Background())
	if err != nil {
		t.Fatalf("ListBalances: %v", err)
	}
	if len(all) != 2 || all[0].UserID != "a" || all[1].UserID != "b" {
		t.Fatalf("unexpected listing: %+v", all)
	}
}
