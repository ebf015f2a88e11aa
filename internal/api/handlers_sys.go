package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/org/groupledger/internal/core"
	"github.com/org/groupledger/internal/storage"
)

// InitHandler handles POST /v1/sys/init
func (s *Server) InitHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.initMu.Lock()
	defer s.initMu.Unlock()

	initialized, err := s.store.IsInitialized(ctx)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if initialized || s.seal.Initialized() {
		writeError(w, http.StatusBadRequest, "key provider is already initialized")
		return
	}

	req := struct {
		SecretShares    int `json:"secret_shares"`
		SecretThreshold int `json:"secret_threshold"`
	}{SecretShares: 5, SecretThreshold: 3}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.SecretThreshold < 1 || req.SecretThreshold > req.SecretShares {
		writeError(w, http.StatusBadRequest, "threshold must be between 1 and shares")
		return
	}

	shards, data, err := s.seal.Initialize(req.SecretShares, req.SecretThreshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.InitProvider(ctx, data); err != nil {
		// The root key must not survive a failed or lost init.
		s.seal.Reset()
		if errors.Is(err, storage.ErrAlreadyExists) {
			if _, lerr := s.LoadProviderState(ctx); lerr != nil {
				s.log.Warn().Err(lerr).Msg("reloading init data")
			}
			writeError(w, http.StatusBadRequest, "key provider is already initialized")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	setSealGauge(false)
	s.auditor.LogEvent(ctx, requestIDFromCtx(ctx), "operator", "sys.init", map[string]any{
		"shares": req.SecretShares, "threshold": req.SecretThreshold,
	})

	keys := make([]string, len(shards))
	for i, sh := range shards {
		keys[i] = base64.StdEncoding.EncodeToString(sh)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":        keys,
		"initialized": true,
		"sealed":      false,
	})
}

// SealStatusHandler handles GET /v1/sys/seal-status
func (s *Server) SealStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"initialized": s.seal.Initialized(),
		"sealed":      s.seal.IsSealed(),
		"threshold":   s.seal.Threshold(),
		"progress":    s.seal.ShardsProvided(),
	})
}

// UnsealHandler handles POST /v1/sys/unseal
func (s *Server) UnsealHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Key   string `json:"key"`
		Reset bool   `json:"reset"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.seal.Initialized() {
		ok, err := s.LoadProviderState(ctx)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusBadRequest, core.ErrNotInitialized.Error())
			return
		}
	}

	if req.Reset {
		s.seal.ResetUnseal()
		writeJSON(w, http.StatusOK, map[string]any{"sealed": s.seal.IsSealed(), "progress": 0, "threshold": s.seal.Threshold()})
		return
	}

	shard, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil || len(shard) == 0 {
		writeError(w, http.StatusBadRequest, "invalid key encoding (must be base64)")
		return
	}

	unsealed, err := s.seal.Unseal(shard)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if unsealed {
		setSealGauge(false)
		s.auditor.LogEvent(ctx, requestIDFromCtx(ctx), "operator", "sys.unseal", nil)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sealed":    !unsealed,
		"progress":  s.seal.ShardsProvided(),
		"threshold": s.seal.Threshold(),
	})
}

// SealHandler handles PUT /v1/sys/seal
func (s *Server) SealHandler(w http.ResponseWriter, r *http.Request) {
	s.seal.Seal()
	setSealGauge(true)
	s.auditor.LogEvent(r.Context(), requestIDFromCtx(r.Context()), "operator", "sys.seal", nil)
	writeJSON(w, http.StatusOK, map[string]any{"sealed": true})
}

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	if s.seal.IsSealed() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"initialized": s.seal.Initialized(),
		"sealed":      s.seal.IsSealed(),
		"version":     "1.0.0",
	})
}
