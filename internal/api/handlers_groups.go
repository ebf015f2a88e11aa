package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/org/groupledger/pkg/models"
)

// GroupCreateHandler handles POST /v1/groups
func (s *Server) GroupCreateHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caller := userFromCtx(ctx)
	g, err := s.groups.Create(ctx, req.Name, caller)
	observeKeyOp("group_key_create", err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.auditor.LogEvent(ctx, requestIDFromCtx(ctx), caller.String(), "group.create", map[string]any{"group_id": g.ID.String()})
	s.refreshGroupGauge(ctx)

	writeJSON(w, http.StatusCreated, map[string]any{"data": g})
}

// GroupGetHandler handles GET /v1/groups/{groupID}
func (s *Server) GroupGetHandler(w http.ResponseWriter, r *http.Request) {
	g, ok := s.groupFromURL(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": g})
}

// GroupDeleteHandler handles DELETE /v1/groups/{groupID}. Only the owner may delete.
func (s *Server) GroupDeleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g, ok := s.ownedGroupFromURL(w, r)
	if !ok {
		return
	}

	err := s.groups.Delete(ctx, g.ID)
	observeKeyOp("group_key_delete", err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.auditor.LogEvent(ctx, requestIDFromCtx(ctx), userFromCtx(ctx).String(), "group.delete", map[string]any{"group_id": g.ID.String()})
	s.refreshGroupGauge(ctx)

	w.WriteHeader(http.StatusNoContent)
}

// GroupRotateHandler handles POST /v1/groups/{groupID}/rotate. Only the owner may rotate.
func (s *Server) GroupRotateHandler(w http.ResponseWriter, r *http.Request) {
	g, ok := s.ownedGroupFromURL(w, r)
	if !ok {
		return
	}
	// Rotation derives a key per distinct author, twice.
	ctx, cancel := s.kdfContext(r)
	defer cancel()

	res, err := s.groups.RotateKey(ctx, g.ID)
	observeKeyOp("group_key_rotate", err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.auditor.LogEvent(r.Context(), requestIDFromCtx(ctx), userFromCtx(ctx).String(), "group.rotate", map[string]any{
		"group_id":    g.ID.String(),
		"reencrypted": res.Reencrypted,
	})

	writeJSON(w, http.StatusOK, map[string]any{"data": res})
}

func (s *Server) groupFromURL(w http.ResponseWriter, r *http.Request) (*models.Group, bool) {
	id, ok := urlUUID(r, "groupID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return nil, false
	}
	g, err := s.groups.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return nil, false
	}
	return g, true
}

func (s *Server) ownedGroupFromURL(w http.ResponseWriter, r *http.Request) (*models.Group, bool) {
	g, ok := s.groupFromURL(w, r)
	if !ok {
		return nil, false
	}
	if g.OwnerID != userFromCtx(r.Context()) {
		writeError(w, http.StatusForbidden, "only the group owner may do this")
		return nil, false
	}
	return g, true
}

// groupIDFromURL parses the group id without loading the group.
func groupIDFromURL(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := urlUUID(r, "groupID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid group id")
	}
	return id, ok
}
