package core

import (
	"bytes"
	"errors"
	"testing"
)

func TestInitializeLeavesUnsealed(t *testing.T) {
	sm := NewSealManager()
	if !sm.IsSealed() || sm.Initialized() {
		t.Fatal("new manager should be sealed and uninitialized")
	}
	shards, data, err := sm.Initialize(5, 3)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if len(shards) != 5 {
		t.Errorf("expected 5 shards, got %d", len(shards))
	}
	if data.Threshold != 3 || data.Shares != 5 || len(data.CheckBlob) == 0 {
		t.Errorf("unexpected init data %+v", data)
	}
	if sm.IsSealed() {
		t.Error("manager should be unsealed after Initialize")
	}
	for _, sh := range shards {
		if bytes.Contains(data.CheckBlob, sh) {
			t.Error("init data must not carry shards")
		}
	}
}

func TestSealAndUnsealWithShards(t *testing.T) {
	sm := NewSealManager()
	shards, data, err := sm.Initialize(3, 2)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	blob, err := sm.Wrap("purpose", []byte("secret"))
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	sm.Seal()
	if _, err := sm.Unwrap("purpose", blob); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}

	// A fresh process only has the persisted init data.
	restarted := NewSealManager()
	restarted.Configure(data)
	done, err := restarted.Unseal(shards[2])
	if err != nil || done {
		t.Fatalf("first shard: done=%v err=%v", done, err)
	}
	if restarted.ShardsProvided() != 1 {
		t.Errorf("expected 1 shard provided, got %d", restarted.ShardsProvided())
	}
	if _, err := restarted.Unseal(shards[2]); err == nil {
		t.Error("expected duplicate shard error")
	}
	done, err = restarted.Unseal(shards[0])
	if err != nil || !done {
		t.Fatalf("second shard: done=%v err=%v", done, err)
	}
	got, err := restarted.Unwrap("purpose", blob)
	if err != nil {
		t.Fatalf("Unwrap after unseal failed: %v", err)
	}
	if string(got) != "secret" {
		t.Errorf("got %q", got)
	}
}

func TestUnsealRejectsForeignShards(t *testing.T) {
	sm := NewSealManager()
	_, data, _ := sm.Initialize(3, 2)

	other := NewSealManager()
	foreign, _, _ := other.Initialize(3, 2)

	sm.Seal()
	sm.Configure(data)
	sm.Unseal(foreign[0]) //nolint:errcheck
	done, err := sm.Unseal(foreign[1])
	if done || !errors.Is(err, ErrInvalidShards) {
		t.Fatalf("expected ErrInvalidShards, got done=%v err=%v", done, err)
	}
	if !sm.IsSealed() || sm.ShardsProvided() != 0 {
		t.Error("failed unseal must leave manager sealed with no shards")
	}
}

func TestUnsealBeforeInit(t *testing.T) {
	sm := NewSealManager()
	if _, err := sm.Unseal([]byte{1, 0, 0, 0, 1, 7}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestWrapIsPurposeBound(t *testing.T) {
	sm := NewSealManager()
	if _, _, err := sm.Initialize(3, 2); err != nil {
		t.Fatal(err)
	}
	blob, _ := sm.Wrap("a", []byte("secret"))
	if _, err := sm.Unwrap("b", blob); err == nil {
		t.Error("expected failure for a different purpose")
	}
}

func TestResetForgetsInitState(t *testing.T) {
	sm := NewSealManager()
	if _, _, err := sm.Initialize(3, 2); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	sm.Reset()
	if sm.Initialized() || !sm.IsSealed() || sm.Threshold() != 0 {
		t.Error("expected sealed, uninitialized manager after Reset")
	}
	if _, err := sm.Wrap("p", []byte("x")); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed after Reset, got %v", err)
	}
}
