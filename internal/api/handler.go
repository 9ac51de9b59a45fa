// Package api provides the HTTP boundary of the dialogue orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/reclassroom/reclass/internal/analysis"
	"github.com/reclassroom/reclass/internal/dialogue"
	"github.com/reclassroom/reclass/internal/domain"
	"github.com/reclassroom/reclass/internal/live"
	"github.com/reclassroom/reclass/internal/store"
)

const maxBodyBytes = 1 << 20

// Dialogue is the orchestrator surface the handlers drive.
type Dialogue interface {
	Start(ctx context.Context, req dialogue.StartRequest) (*domain.Session, error)
	Resume(ctx context.Context, scenarioID, studentID string) (*domain.Session, error)
	Session(ctx context.Context, id string) (*domain.Session, error)
	Pending(id string) (string, bool)
	Submit(ctx context.Context, sessionID, text string) (*dialogue.SubmitResult, error)
	End(ctx context.Context, sessionID string) (*domain.Session, error)
	AddRequirement(ctx context.Context, sessionID string, req domain.Requirement) (*domain.Session, error)
	AnalyzeRequirements(ctx context.Context, sessionID string) (map[string]domain.Negotiation, error)
}

// Handler serves the scenario, session and live-feed endpoints.
type Handler struct {
	dialogue Dialogue
	repo     store.Repository
	hub      *live.Hub
	logger   *zap.Logger
}

// NewHandler creates a Handler. hub may be nil to disable the live feed.
func NewHandler(d Dialogue, repo store.Repository, hub *live.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{dialogue: d, repo: repo, hub: hub, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorBody{Error: message})
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeError maps orchestrator and store errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		completionErr  *dialogue.CompletionFailure
		persistenceErr *dialogue.PersistenceFailure
		attrErr        *domain.UnknownAttributeError
	)
	switch {
	case errors.As(err, &completionErr):
		JSON(w, http.StatusServiceUnavailable, errorBody{
			Error:     "stakeholder reply unavailable",
			Kind:      completionErr.Kind.String(),
			Retryable: completionErr.Retryable(),
		})
	case errors.As(err, &persistenceErr):
		kind := "persistence"
		if persistenceErr.Abandoned {
			kind = "session_abandoned"
		}
		JSON(w, http.StatusServiceUnavailable, errorBody{
			Error:     "turn was not saved",
			Kind:      kind,
			Retryable: persistenceErr.Retryable(),
		})
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, dialogue.ErrSessionClosed):
		Error(w, http.StatusConflict, "session is closed")
	case errors.Is(err, domain.ErrInvalidScenario),
		errors.Is(err, dialogue.ErrInvalidRequest),
		errors.Is(err, dialogue.ErrEmptyUtterance),
		errors.Is(err, analysis.ErrInvalidRequirement),
		errors.Is(err, domain.ErrAttributeConflict),
		errors.As(err, &attrErr):
		Error(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
