package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

func putTemplateHandler(store *schedule.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "providerID")
		if !ok {
			return
		}
		var t schedule.Template
		if !decodeJSON(w, r, &t) {
			return
		}
		t.ProviderID = providerID

		if err := store.Set(r.Context(), actorFrom(r.Context()), t); err != nil {
			writeDomainError(w, log, err)
			return
		}
		stored, err := store.Get(r.Context(), providerID)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, stored)
	}
}

func getTemplateHandler(store *schedule.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "providerID")
		if !ok {
			return
		}
		t, err := store.Get(r.Context(), providerID)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func reconciliationHandler(regen *availability.Regenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "providerID")
		if !ok {
			return
		}
		res, found := regen.LastResult(providerID)
		if !found {
			writeError(w, http.StatusNotFound, "not_found", "no reconciliation recorded for provider")
			return
		}
		writeJSON(w, http.StatusOK, reconcileResponse(res))
	}
}

// listSlotsHandler serves GET /providers/{providerID}/slots?from=2026-10-19&to=2026-10-25.
func listSlotsHandler(slots availability.Repository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "providerID")
		if !ok {
			return
		}

		var dates *availability.DateRange
		from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
		if from != "" || to != "" {
			dates = &availability.DateRange{}
			if from != "" {
				d, err := time.Parse(time.DateOnly, from)
				if err != nil {
					writeError(w, http.StatusBadRequest, "invalid_from", "from must be YYYY-MM-DD")
					return
				}
				dates.From = d
			}
			if to != "" {
				d, err := time.Parse(time.DateOnly, to)
				if err != nil {
					writeError(w, http.StatusBadRequest, "invalid_to", "to must be YYYY-MM-DD")
					return
				}
				dates.To = d
			}
		}

		open, err := slots.ListOpen(r.Context(), providerID, dates)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		resp := make([]SlotResponse, 0, len(open))
		for _, s := range open {
			resp = append(resp, slotResponse(s))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
