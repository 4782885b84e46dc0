package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/consultation"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

type sessionOp func(ctx context.Context, actor identity.Actor, sessionID uuid.UUID) (*consultation.Session, error)

// sessionHandler adapts a session operation that takes no body.
func sessionHandler(op sessionOp, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		s, err := op(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func joinSessionHandler(m *consultation.Manager, log *zap.Logger) http.HandlerFunc {
	return sessionHandler(m.Join, log)
}

func setMediaHandler(m *consultation.Manager, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		var toggle consultation.MediaToggle
		if !decodeJSON(w, r, &toggle) {
			return
		}
		s, err := m.SetMedia(r.Context(), actorFrom(r.Context()), id, toggle)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func updateDraftHandler(m *consultation.Manager, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		var patch consultation.DraftPatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		s, err := m.UpdateDraft(r.Context(), actorFrom(r.Context()), id, patch)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}
