package group

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/groupledger/internal/core"
	"github.com/org/groupledger/internal/crypto"
	"github.com/org/groupledger/internal/errs"
	"github.com/org/groupledger/internal/expense"
	"github.com/org/groupledger/internal/groupkey"
	"github.com/org/groupledger/internal/storage"
	"github.com/org/groupledger/pkg/models"
)

type fixture struct {
	groups   *Service
	expenses *expense.Service
	keys     *groupkey.Service
	store    *storage.MemoryBackend
}

func newFixture(t *testing.T, groupStore storage.GroupStore) *fixture {
	t.Helper()
	return newFixtureWithKeyStore(t, groupStore, nil)
}

func newFixtureWithKeyStore(t *testing.T, groupStore storage.GroupStore, wrap func(storage.GroupKeyStore) storage.GroupKeyStore) *fixture {
	t.Helper()
	sm := core.NewSealManager()
	if _, _, err := sm.Initialize(3, 2); err != nil {
		t.Fatal(err)
	}
	store := storage.NewMemoryBackend()
	if groupStore == nil {
		groupStore = store
	}
	var keyStore storage.GroupKeyStore = store
	if wrap != nil {
		keyStore = wrap(store)
	}
	keys := groupkey.NewService(keyStore, core.NewEnvelopeProtector(sm), zerolog.Nop())
	fc, _ := crypto.NewFieldCipher(crypto.AlgAES256GCM)
	orch := expense.NewOrchestrator(groupkey.NewDeriver(keys), fc, 2)
	locks := groupkey.NewKeyedLock()
	return &fixture{
		groups:   NewService(groupStore, store, keys, orch, locks, zerolog.Nop()),
		expenses: expense.NewService(store, groupStore, orch, locks, zerolog.Nop()),
		keys:     keys,
		store:    store,
	}
}

func TestCreateGroupCreatesKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	g, err := f.groups.Create(ctx, "  Flat 4B ", uuid.New())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if g.Name != "Flat 4B" {
		t.Errorf("name should be trimmed, got %q", g.Name)
	}
	if _, err := f.keys.GetUnwrappedSecret(ctx, g.ID, g.KeyTag); err != nil {
		t.Errorf("group key should exist under the group's tag: %v", err)
	}
	if _, err := f.groups.Create(ctx, " ", uuid.New()); !errors.Is(err, errs.Invalid) {
		t.Errorf("blank name: expected Invalid, got %v", err)
	}
}

type failingGroupStore struct {
	storage.GroupStore
	attempted *models.Group
}

func (f *failingGroupStore) CreateGroup(_ context.Context, g *models.Group) error {
	f.attempted = g
	return errors.New("disk full")
}

func TestCreateGroupRollsBackKey(t *testing.T) {
	failing := &failingGroupStore{GroupStore: storage.NewMemoryBackend()}
	f := newFixture(t, failing)
	ctx := context.Background()

	if _, err := f.groups.Create(ctx, "Trip", uuid.New()); err == nil {
		t.Fatal("expected error from group store")
	}
	if failing.attempted == nil {
		t.Fatal("group store was not called")
	}
	if _, err := f.store.GetGroupKey(ctx, failing.attempted.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("aborted group must not leave a key behind, got %v", err)
	}
}

func TestDeleteGroup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	g, _ := f.groups.Create(ctx, "Trip", uuid.New())
	f.expenses.Create(ctx, g.ID, uuid.New(), expense.Input{Title: "Fuel", Amount: "60"}) //nolint:errcheck

	if err := f.groups.Delete(ctx, g.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := f.groups.Get(ctx, g.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.keys.GetUnwrappedSecret(ctx, g.ID, g.KeyTag); !errors.Is(err, errs.NotFound) {
		t.Errorf("group key should be gone, got %v", err)
	}
	left, _ := f.store.ListExpenses(ctx, g.ID)
	if len(left) != 0 {
		t.Errorf("expected no expenses, got %d", len(left))
	}
	if err := f.groups.Delete(ctx, g.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestRotateKeyReencrypts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()
	g, _ := f.groups.Create(ctx, "Trip", u1)

	a, _ := f.expenses.Create(ctx, g.ID, u1, expense.Input{Title: "Fuel", Amount: "60", Description: "A7"})
	b, _ := f.expenses.Create(ctx, g.ID, u2, expense.Input{Title: "Tolls", Amount: "12.40"})
	before, _ := f.store.GetExpense(ctx, g.ID, a.ID)

	res, err := f.groups.RotateKey(ctx, g.ID)
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if res.Reencrypted != 2 || res.OldTag != g.KeyTag || res.NewTag == g.KeyTag {
		t.Errorf("unexpected result %+v", res)
	}

	after, _ := f.store.GetExpense(ctx, g.ID, a.ID)
	if bytes.Equal(before.Data.Title.Ciphertext, after.Data.Title.Ciphertext) {
		t.Error("ciphertext should change on rotation")
	}
	if after.Data.KeyOwnerID != u1 {
		t.Error("rotation must keep the key owner")
	}

	views, err := f.expenses.List(ctx, g.ID)
	if err != nil {
		t.Fatalf("List after rotation failed: %v", err)
	}
	if len(views) != 2 || views[0].Err != nil || views[1].Err != nil {
		t.Fatalf("unexpected views %+v", views)
	}
	if views[0].ID != a.ID || views[0].Description != "A7" || views[1].ID != b.ID || views[1].Amount != "12.40" {
		t.Errorf("plaintext changed by rotation: %+v", views)
	}

	cur, _ := f.groups.Get(ctx, g.ID)
	if cur.KeyTag != res.NewTag || cur.RotatedAt == nil {
		t.Errorf("group should carry the new tag, got %+v", cur)
	}
	if _, err := f.keys.GetUnwrappedSecret(ctx, g.ID, g.KeyTag); !errors.Is(err, errs.KeyUnwrap) {
		t.Errorf("old tag should no longer unwrap, got %v", err)
	}
}

func TestRotateKeyRefusesUndecryptableGroup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	g, _ := f.groups.Create(ctx, "Trip", uuid.New())
	v, _ := f.expenses.Create(ctx, g.ID, uuid.New(), expense.Input{Title: "Fuel", Amount: "60"})

	row, _ := f.store.GetExpense(ctx, g.ID, v.ID)
	row.Data.Amount.Ciphertext[0] ^= 0x01
	f.store.UpdateExpense(ctx, row) //nolint:errcheck

	if _, err := f.groups.RotateKey(ctx, g.ID); !errors.Is(err, ErrUndecryptable) {
		t.Fatalf("expected ErrUndecryptable, got %v", err)
	}
	if _, err := f.keys.GetUnwrappedSecret(ctx, g.ID, g.KeyTag); err != nil {
		t.Errorf("refused rotation must keep the current key: %v", err)
	}
}

func TestRotateEmptyGroup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	g, _ := f.groups.Create(ctx, "Empty", uuid.New())

	res, err := f.groups.RotateKey(ctx, g.ID)
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if res.Reencrypted != 0 {
		t.Errorf("expected 0 re-encrypted, got %d", res.Reencrypted)
	}
	if _, err := f.groups.RotateKey(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown group: expected ErrNotFound, got %v", err)
	}
}

// flakyKeyStore fails the next rotation commits with a connection error.
type flakyKeyStore struct {
	storage.GroupKeyStore
	failures int
}

func (f *flakyKeyStore) CommitKeyRotation(ctx context.Context, r *storage.KeyRotation) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.GroupKeyStore.CommitKeyRotation(ctx, r)
}

func TestRotateKeyFailedCommitKeepsGroupReadable(t *testing.T) {
	flaky := &flakyKeyStore{failures: 1}
	f := newFixtureWithKeyStore(t, nil, func(s storage.GroupKeyStore) storage.GroupKeyStore {
		flaky.GroupKeyStore = s
		return flaky
	})
	ctx := context.Background()
	u1 := uuid.New()
	g, _ := f.groups.Create(ctx, "Trip", u1)
	v, _ := f.expenses.Create(ctx, g.ID, u1, expense.Input{Title: "Fuel", Amount: "60"})

	if _, err := f.groups.RotateKey(ctx, g.ID); err == nil {
		t.Fatal("expected the commit failure to surface")
	}

	cur, _ := f.groups.Get(ctx, g.ID)
	if cur.KeyTag != g.KeyTag || cur.RotatedAt != nil {
		t.Errorf("failed rotation must not move the tag, got %+v", cur)
	}
	if _, err := f.keys.GetUnwrappedSecret(ctx, g.ID, g.KeyTag); err != nil {
		t.Fatalf("current key must still unwrap: %v", err)
	}
	views, err := f.expenses.List(ctx, g.ID)
	if err != nil || len(views) != 1 || views[0].Err != nil {
		t.Fatalf("expenses must stay readable after a failed rotation: %v %+v", err, views)
	}

	res, err := f.groups.RotateKey(ctx, g.ID)
	if err != nil {
		t.Fatalf("retried rotation failed: %v", err)
	}
	got, err := f.expenses.Get(ctx, g.ID, v.ID)
	if err != nil || got.Amount != "60" {
		t.Fatalf("expense after retried rotation: %v %+v", err, got)
	}
	if cur, _ := f.groups.Get(ctx, g.ID); cur.KeyTag != res.NewTag {
		t.Errorf("group should carry the new tag %v, got %v", res.NewTag, cur.KeyTag)
	}
}

func TestRotateKeyDeadlineLeavesKeyUntouched(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u1 := uuid.New()
	g, _ := f.groups.Create(ctx, "Trip", u1)
	f.expenses.Create(ctx, g.ID, u1, expense.Input{Title: "Fuel", Amount: "60"}) //nolint:errcheck

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	if _, err := f.groups.RotateKey(expired, g.ID); !errors.Is(err, errs.Transient) {
		t.Fatalf("expected Transient, got %v", err)
	}
	if _, err := f.keys.GetUnwrappedSecret(ctx, g.ID, g.KeyTag); err != nil {
		t.Errorf("current key must still unwrap: %v", err)
	}
	views, err := f.expenses.List(ctx, g.ID)
	if err != nil || views[0].Err != nil {
		t.Errorf("expenses must stay readable: %v %+v", err, views)
	}
}
