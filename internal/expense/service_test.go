package expense

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/groupledger/internal/crypto"
	"github.com/org/groupledger/internal/errs"
	"github.com/org/groupledger/internal/groupkey"
	"github.com/org/groupledger/pkg/models"
)

func newTestService(t *testing.T) (*Service, *testStack, *models.Group) {
	t.Helper()
	s := newTestStack(t, crypto.AlgAES256GCM)
	ctx := context.Background()
	g := &models.Group{ID: uuid.New(), Name: "Flat", OwnerID: uuid.New(), KeyTag: uuid.New(), CreatedAt: time.Now()}
	if err := s.keys.CreateKeyForGroup(ctx, g.KeyTag, g.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.store.CreateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	return NewService(s.store, s.store, s.orch, groupkey.NewKeyedLock(), zerolog.Nop()), s, g
}

func TestServiceCreateGet(t *testing.T) {
	svc, s, g := newTestService(t)
	ctx := context.Background()
	author := uuid.New()

	v, err := svc.Create(ctx, g.ID, author, Input{Title: "Lunch", Amount: "12.50", Description: "Team lunch"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if v.ID == uuid.Nil || v.AuthorID != author || v.Title != "Lunch" {
		t.Errorf("unexpected view %+v", v)
	}

	stored, _ := s.store.GetExpense(ctx, g.ID, v.ID)
	if string(stored.Data.Title.Ciphertext) == "Lunch" || stored.Data.KeyOwnerID != author {
		t.Error("stored row must hold ciphertext owned by the author")
	}

	got, err := svc.Get(ctx, g.ID, v.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != "Lunch" || got.Amount != "12.50" || got.Description != "Team lunch" || got.ID != v.ID {
		t.Errorf("unexpected view %+v", got)
	}
}

func TestServiceValidation(t *testing.T) {
	svc, _, g := newTestService(t)
	ctx := context.Background()

	for _, in := range []Input{
		{Title: "", Amount: "1"},
		{Title: "x", Amount: ""},
		{Title: "x", Amount: "twelve"},
	} {
		if _, err := svc.Create(ctx, g.ID, uuid.New(), in); !errors.Is(err, errs.Invalid) {
			t.Errorf("%+v: expected Invalid, got %v", in, err)
		}
	}
	if _, err := svc.Create(ctx, uuid.New(), uuid.New(), Input{Title: "x", Amount: "1"}); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("unknown group: expected ErrGroupNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, g.ID, uuid.New()); !errors.Is(err, ErrExpenseNotFound) {
		t.Errorf("unknown expense: expected ErrExpenseNotFound, got %v", err)
	}
}

func TestServiceListReportsCorruptRecords(t *testing.T) {
	svc, s, g := newTestService(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()

	a, _ := svc.Create(ctx, g.ID, u1, Input{Title: "Lunch", Amount: "12.50"})
	b, _ := svc.Create(ctx, g.ID, u2, Input{Title: "Taxi", Amount: "30"})
	c, _ := svc.Create(ctx, g.ID, u1, Input{Title: "Hotel", Amount: "210"})

	row, _ := s.store.GetExpense(ctx, g.ID, b.ID)
	row.Data.Title.Ciphertext[0] ^= 0xff
	if err := s.store.UpdateExpense(ctx, row); err != nil {
		t.Fatal(err)
	}

	views, err := svc.List(ctx, g.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("expected 3 views, got %d", len(views))
	}
	if views[0].ID != a.ID || views[0].Err != nil || views[0].Title != "Lunch" {
		t.Errorf("view 0: %+v", views[0])
	}
	if views[1].ID != b.ID || !errors.Is(views[1].Err, errs.Authentication) || views[1].Title != "" {
		t.Errorf("view 1 should carry an authentication error: %+v", views[1])
	}
	if views[2].ID != c.ID || views[2].Err != nil || views[2].Title != "Hotel" {
		t.Errorf("view 2: %+v", views[2])
	}

	empty, _ := newEmptyGroupList(t, svc, s)
	if len(empty) != 0 {
		t.Errorf("expected no views, got %d", len(empty))
	}
}

func newEmptyGroupList(t *testing.T, svc *Service, s *testStack) ([]View, error) {
	t.Helper()
	ctx := context.Background()
	g := &models.Group{ID: uuid.New(), KeyTag: uuid.New(), CreatedAt: time.Now()}
	s.keys.CreateKeyForGroup(ctx, g.KeyTag, g.ID) //nolint:errcheck
	s.store.CreateGroup(ctx, g)                   //nolint:errcheck
	return svc.List(ctx, g.ID)
}

func TestServiceListFailsWithoutGroupKey(t *testing.T) {
	svc, s, g := newTestService(t)
	ctx := context.Background()
	svc.Create(ctx, g.ID, uuid.New(), Input{Title: "Lunch", Amount: "1"}) //nolint:errcheck

	s.keys.DeleteGroupKey(ctx, g.ID) //nolint:errcheck
	if _, err := svc.List(ctx, g.ID); !errors.Is(err, errs.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestServiceUpdateReencryptsUnderEditor(t *testing.T) {
	svc, s, g := newTestService(t)
	ctx := context.Background()
	author, editor := uuid.New(), uuid.New()

	v, _ := svc.Create(ctx, g.ID, author, Input{Title: "Lunch", Amount: "12.50", Description: "Team lunch"})
	amount := "14.00"
	upd, err := svc.Update(ctx, g.ID, v.ID, editor, Patch{Amount: &amount})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if upd.Amount != "14.00" || upd.Title != "Lunch" || upd.AuthorID != editor || upd.UpdatedAt == nil {
		t.Errorf("unexpected view %+v", upd)
	}

	row, _ := s.store.GetExpense(ctx, g.ID, v.ID)
	if row.Data.KeyOwnerID != editor {
		t.Error("record should now be owned by the editor")
	}
	if _, err := s.orch.DecryptExpenseData(ctx, author, g.ID, g.KeyTag, &row.Data); !errors.Is(err, errs.Authentication) {
		t.Errorf("author key should no longer open the record, got %v", err)
	}
	got, _ := svc.Get(ctx, g.ID, v.ID)
	if got.Amount != "14.00" || got.Description != "Team lunch" {
		t.Errorf("unexpected view after update %+v", got)
	}

	empty := ""
	if _, err := svc.Update(ctx, g.ID, v.ID, editor, Patch{Title: &empty}); !errors.Is(err, errs.Invalid) {
		t.Errorf("clearing the title: expected Invalid, got %v", err)
	}
}

func TestServiceDelete(t *testing.T) {
	svc, _, g := newTestService(t)
	ctx := context.Background()
	v, _ := svc.Create(ctx, g.ID, uuid.New(), Input{Title: "Lunch", Amount: "1"})

	if err := svc.Delete(ctx, g.ID, v.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := svc.Delete(ctx, g.ID, v.ID); !errors.Is(err, ErrExpenseNotFound) {
		t.Errorf("expected ErrExpenseNotFound, got %v", err)
	}
}
