package core

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/org/groupledger/internal/crypto"
	"github.com/org/groupledger/internal/errs"
)

func newTestProtector(t *testing.T) (*EnvelopeProtector, *SealManager) {
	t.Helper()
	sm := NewSealManager()
	if _, _, err := sm.Initialize(3, 2); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return NewEnvelopeProtector(sm), sm
}

func TestKeyPurposeCanonical(t *testing.T) {
	g := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	tag := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	got := KeyPurpose{GroupID: g, Tag: tag}.String()
	want := "groupledger.groupkey.v1/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestProtectRoundTrip(t *testing.T) {
	p, _ := newTestProtector(t)
	for i := 0; i < 50; i++ {
		secret, _ := crypto.GenerateMasterSecret(32)
		g, tag := uuid.New(), uuid.New()

		blob, err := p.Protect(secret, g, tag)
		if err != nil {
			t.Fatalf("Protect failed: %v", err)
		}
		got, err := p.Unprotect(blob, g, tag)
		if err != nil {
			t.Fatalf("Unprotect failed: %v", err)
		}
		if !bytes.Equal(got, secret) {
			t.Fatal("round trip mismatch")
		}
	}
}

func TestProtectPurposeBinding(t *testing.T) {
	p, _ := newTestProtector(t)
	secret, _ := crypto.GenerateMasterSecret(32)
	g, tag := uuid.New(), uuid.New()
	blob, _ := p.Protect(secret, g, tag)

	if _, err := p.Unprotect(blob, uuid.New(), tag); !errors.Is(err, errs.KeyUnwrap) {
		t.Errorf("different group: expected KeyUnwrap, got %v", err)
	}
	if _, err := p.Unprotect(blob, g, uuid.New()); !errors.Is(err, errs.KeyUnwrap) {
		t.Errorf("different tag: expected KeyUnwrap, got %v", err)
	}
	corrupted := bytes.Clone(blob)
	corrupted[len(corrupted)-1] ^= 0x01
	if _, err := p.Unprotect(corrupted, g, tag); !errors.Is(err, errs.KeyUnwrap) {
		t.Errorf("corrupted blob: expected KeyUnwrap, got %v", err)
	}
	if _, err := p.Unprotect(nil, g, tag); !errors.Is(err, errs.KeyUnwrap) {
		t.Errorf("empty blob: expected KeyUnwrap, got %v", err)
	}
}

func TestUnprotectWhileSealed(t *testing.T) {
	p, sm := newTestProtector(t)
	secret, _ := crypto.GenerateMasterSecret(32)
	g, tag := uuid.New(), uuid.New()
	blob, _ := p.Protect(secret, g, tag)

	sm.Seal()
	_, err := p.Unprotect(blob, g, tag)
	if !errors.Is(err, errs.KeyUnwrap) {
		t.Fatalf("expected KeyUnwrap, got %v", err)
	}
	if !errors.Is(err, ErrSealed) {
		t.Error("cause should be ErrSealed")
	}
	if errs.KindOf(err) != errs.KindKeyUnwrap {
		t.Error("kind should be KindKeyUnwrap")
	}
}

func TestProtectRejectsEmptySecret(t *testing.T) {
	p, _ := newTestProtector(t)
	if _, err := p.Protect(nil, uuid.New(), uuid.New()); !errors.Is(err, errs.Invalid) {
		t.Errorf("expected Invalid, got %v", err)
	}
}
