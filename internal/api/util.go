package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/org/groupledger/internal/core"
	"github.com/org/groupledger/internal/errs"
	"github.com/org/groupledger/internal/expense"
	"github.com/org/groupledger/internal/group"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func urlUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

// statusFor maps service failures to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, group.ErrNotFound),
		errors.Is(err, expense.ErrGroupNotFound),
		errors.Is(err, expense.ErrExpenseNotFound),
		errors.Is(err, errs.NotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.Invalid):
		return http.StatusBadRequest
	case errors.Is(err, errs.GroupKeyExists), errors.Is(err, group.ErrUndecryptable):
		return http.StatusConflict
	case errors.Is(err, core.ErrSealed), errors.Is(err, errs.Transient):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.Authentication):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// resultLabel is the metric label for the outcome of a key operation.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return errs.KindOf(err).String()
}
