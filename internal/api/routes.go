package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reclassroom/reclass/internal/domain"
)

const pingTimeout = 2 * time.Second

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Ready)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/", h.SaveScenario)
			r.Get("/{id}", h.GetScenario)
			r.Delete("/{id}", h.DeleteScenario)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/turns", h.SubmitTurn)
				r.Post("/end", h.EndSession)
				r.Post("/requirements", h.AddRequirement)
				r.Post("/analysis", h.AnalyzeRequirements)
			})
		})
	})

	r.Get("/ws/sessions/{id}", h.StreamSession)
}

// Health is a liveness heartbeat.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the session store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := h.repo.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": err.Error()})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok", "store": "ok"})
}

// badRequest reports a body that could not be decoded. Unknown stakeholder
// attributes are a validation failure rather than a syntax error.
func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	var attrErr *domain.UnknownAttributeError
	if errors.As(err, &attrErr) || errors.Is(err, domain.ErrAttributeConflict) {
		Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	Error(w, http.StatusBadRequest, err.Error())
}
