package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jewwiid/preset-credits/internal/accountstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndFind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, &accountstore.Account{
		Email:       "Maya@Example.COM",
		DisplayName: "Maya",
		StyleTags:   []string{"portrait", "editorial"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if created.Email != "maya@example.com" {
		t.Fatalf("email must be normalised, got %q", created.Email)
	}
	if created.SubscriptionTier != "free" || created.Status != accountstore.StatusActive {
		t.Fatalf("unexpected defaults: %+v", created)
	}

	byEmail, err := store.FindByEmail(ctx, "MAYA@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if byEmail.ID != created.ID {
		t.Fatalf("expected same account, got %q vs %q", byEmail.ID, created.ID)
	}
	if len(byEmail.StyleTags) != 2 || byEmail.StyleTags[0] != "portrait" {
		t.Fatalf("style tags did not round trip: %v", byEmail.StyleTags)
	}

	byID, err := store.FindByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if byID.Email != created.Email {
		t.Fatalf("unexpected account: %+v", byID)
	}
}

func TestCreateDuplicateEmail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, &accountstore.Account{Email: "dup@example.com"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := store.Create(ctx, &accountstore.Account{Email: "dup@example.com"})
	if !errors.Is(err, accountstore.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestUpdateTier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, &accountstore.Account{Email: "tier@example.com"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.UpdateTier(ctx, created.ID, "pro"); err != nil {
		t.Fatalf("UpdateTier: %v", err)
	}
	got, err := store.FindByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.SubscriptionTier != "pro" {
		t.Fatalf("expected tier pro, got %q", got.SubscriptionTier)
	}

	if err := store.UpdateTier(ctx, "missing", "plus"); !errors.Is(err, accountstore.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestFindMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.FindByEmail(context.Background(), "ghost@example.com"); !errors.Is(err, accountstore.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, email := range []string{"a@example.com", "b@example.com"} {
		if _, err := store.Create(ctx, &accountstore.Account{Email: email}); err != nil {
			t.Fatalf("Create %s: %v", email, err)
		}
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(all))
	}
}
