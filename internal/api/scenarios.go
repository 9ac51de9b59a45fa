package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/reclassroom/reclass/internal/domain"
)

// ListScenarios returns every stored scenario.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListScenarios(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Scenario{}
	}
	JSON(w, http.StatusOK, list)
}

// GetScenario returns one scenario.
func (h *Handler) GetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := h.repo.LoadScenario(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sc)
}

// SaveScenario validates and stores an instructor-authored scenario.
func (h *Handler) SaveScenario(w http.ResponseWriter, r *http.Request) {
	var sc domain.Scenario
	if err := decode(w, r, &sc); err != nil {
		h.badRequest(w, err)
		return
	}
	if err := sc.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.repo.SaveScenario(r.Context(), &sc); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("scenario saved",
		zap.String("scenario_id", sc.ID),
		zap.Int("stakeholders", len(sc.Stakeholders)))
	JSON(w, http.StatusCreated, sc)
}

// DeleteScenario removes a scenario.
func (h *Handler) DeleteScenario(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.DeleteScenario(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("scenario deleted", zap.String("scenario_id", id))
	w.WriteHeader(http.StatusNoContent)
}
