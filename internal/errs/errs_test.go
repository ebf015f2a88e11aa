package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestIsMatchesByKind(t *testing.T) {
	gid := uuid.New()
	err := E("groupkey.Get", KindNotFound, gid, errors.New("no rows"))

	if !errors.Is(err, NotFound) {
		t.Fatal("expected NotFound to match")
	}
	if errors.Is(err, KeyUnwrap) {
		t.Error("NotFound must not match KeyUnwrap")
	}
	wrapped := fmt.Errorf("handler: %w", err)
	if !errors.Is(wrapped, NotFound) {
		t.Error("expected match through fmt wrapping")
	}
}

func TestWrapKeepsKind(t *testing.T) {
	gid := uuid.New()
	inner := E("groupkey.Unwrap", KindKeyUnwrap, gid, nil)
	outer := Wrap("expense.Decrypt", gid, inner)

	if KindOf(outer) != KindKeyUnwrap {
		t.Fatalf("expected KindKeyUnwrap, got %v", KindOf(outer))
	}
	var e *Error
	if !errors.As(outer, &e) || e.Op != "expense.Decrypt" {
		t.Errorf("expected outer op, got %+v", e)
	}
	if Wrap("x", gid, nil) != nil {
		t.Error("Wrap(nil) must be nil")
	}
}

func TestUnknownKind(t *testing.T) {
	if KindOf(context.Canceled) != KindUnknown {
		t.Error("plain errors have no kind")
	}
	err := Wrap("op", uuid.Nil, context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Error("Wrap must keep the cause reachable")
	}
}

func TestErrorString(t *testing.T) {
	gid := uuid.MustParse("6f1d1f8e-8f8e-4a53-8c1c-1f0e6b8d2a10")
	err := E("groupkey.Create", KindGroupKeyExists, gid, nil)
	want := "groupkey.Create: group key already exists (group 6f1d1f8e-8f8e-4a53-8c1c-1f0e6b8d2a10)"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestWrapChainNamesKindOnce(t *testing.T) {
	gid := uuid.MustParse("6f1d1f8e-8f8e-4a53-8c1c-1f0e6b8d2a10")
	err := Wrap("expense.DecryptMultiple", gid,
		Wrap("groupkey.DeriveUserKeys", gid,
			E("envelope.Unprotect", KindKeyUnwrap, gid, errors.New("message authentication failed"))))

	want := "expense.DecryptMultiple: groupkey.DeriveUserKeys: envelope.Unprotect: key unwrap failed " +
		"(group 6f1d1f8e-8f8e-4a53-8c1c-1f0e6b8d2a10): message authentication failed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}

	// A change of kind starts a new segment.
	mixed := E("groupkey.Update", KindTransient, gid, E("store.Put", KindNotFound, uuid.Nil, nil))
	if got := mixed.Error(); got != "groupkey.Update: transient failure (group 6f1d1f8e-8f8e-4a53-8c1c-1f0e6b8d2a10): store.Put: not found" {
		t.Errorf("got %q", got)
	}
}
