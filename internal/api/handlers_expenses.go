package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/org/groupledger/internal/expense"
)

// expenseItem is one entry of a list response. Error replaces the plaintext
// fields of a record that failed to decrypt.
type expenseItem struct {
	*expense.View
	Error string `json:"error,omitempty"`
}

// ExpenseCreateHandler handles POST /v1/groups/{groupID}/expenses
func (s *Server) ExpenseCreateHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupIDFromURL(w, r)
	if !ok {
		return
	}
	var in expense.Input
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, cancel := s.kdfContext(r)
	defer cancel()

	v, err := s.expenses.Create(ctx, groupID, userFromCtx(ctx), in)
	observeKeyOp("expense_encrypt", err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": v})
}

// ExpenseListHandler handles GET /v1/groups/{groupID}/expenses
func (s *Server) ExpenseListHandler(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupIDFromURL(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.kdfContext(r)
	defer cancel()

	views, err := s.expenses.List(ctx, groupID)
	observeKeyOp("expense_decrypt_batch", err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]expenseItem, len(views))
	for i := range views {
		items[i] = expenseItem{View: &views[i]}
		if views[i].Err != nil {
			observeKeyOp("expense_decrypt", views[i].Err)
			items[i].Error = views[i].Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}

// ExpenseGetHandler handles GET /v1/groups/{groupID}/expenses/{expenseID}
func (s *Server) ExpenseGetHandler(w http.ResponseWriter, r *http.Request) {
	groupID, expenseID, ok := expenseIDsFromURL(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.kdfContext(r)
	defer cancel()

	v, err := s.expenses.Get(ctx, groupID, expenseID)
	observeKeyOp("expense_decrypt", err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": v})
}

// ExpenseUpdateHandler handles PATCH /v1/groups/{groupID}/expenses/{expenseID}
func (s *Server) ExpenseUpdateHandler(w http.ResponseWriter, r *http.Request) {
	groupID, expenseID, ok := expenseIDsFromURL(w, r)
	if !ok {
		return
	}
	var patch expense.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, cancel := s.kdfContext(r)
	defer cancel()

	v, err := s.expenses.Update(ctx, groupID, expenseID, userFromCtx(ctx), patch)
	observeKeyOp("expense_encrypt", err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": v})
}

// ExpenseDeleteHandler handles DELETE /v1/groups/{groupID}/expenses/{expenseID}
func (s *Server) ExpenseDeleteHandler(w http.ResponseWriter, r *http.Request) {
	groupID, expenseID, ok := expenseIDsFromURL(w, r)
	if !ok {
		return
	}
	if err := s.expenses.Delete(r.Context(), groupID, expenseID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func expenseIDsFromURL(w http.ResponseWriter, r *http.Request) (groupID, expenseID uuid.UUID, ok bool) {
	if groupID, ok = groupIDFromURL(w, r); !ok {
		return
	}
	if expenseID, ok = urlUUID(r, "expenseID"); !ok {
		writeError(w, http.StatusBadRequest, "invalid expense id")
	}
	return
}
