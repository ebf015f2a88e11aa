package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsIdentityHeaders(t *testing.T) {
	var gotUser, gotOp string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-User-ID")
		gotOp = r.Header.Get("X-Operator-Token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"ok":true}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	cfg = CLIConfig{Address: ts.URL, UserID: "0b7c1f5e-6d8c-4a55-9c39-7b1c3d2e4f60", OperatorToken: "op"}
	t.Setenv("LEDGER_ADDR", "")
	t.Setenv("LEDGER_USER_ID", "")
	t.Setenv("LEDGER_OPERATOR_TOKEN", "")
	t.Setenv("LEDGER_CACERT", "")

	res, err := newClient().get("/v1/sys/seal-status")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if gotUser != cfg.UserID || gotOp != "op" {
		t.Errorf("headers not sent: user=%q op=%q", gotUser, gotOp)
	}
	if data, _ := res["data"].(map[string]any); data["ok"] != true {
		t.Errorf("unexpected response %v", res)
	}
}

func TestParseResponseSurfacesServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"errors":["group key already exists"]}`)) //nolint:errcheck
	}))
	defer ts.Close()

	cfg = CLIConfig{Address: ts.URL}
	t.Setenv("LEDGER_ADDR", "")
	_, err := newClient().post("/v1/groups", map[string]any{"name": "x"})
	if err == nil || err.Error() != "group key already exists" {
		t.Errorf("expected server error message, got %v", err)
	}
	if err := newClient().delete("/v1/groups/x"); err == nil {
		t.Error("expected delete to surface the error")
	}
}
