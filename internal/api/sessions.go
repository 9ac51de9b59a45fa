package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reclassroom/reclass/internal/dialogue"
	"github.com/reclassroom/reclass/internal/domain"
	"github.com/reclassroom/reclass/internal/identity"
	"github.com/reclassroom/reclass/internal/store"
)

type startRequest struct {
	ScenarioID    string               `json:"scenario_id"`
	ResponseStyle domain.ResponseStyle `json:"response_style,omitempty"`
}

type sessionResponse struct {
	*domain.Session
	Pending string `json:"pending,omitempty"`
	Resumed bool   `json:"resumed,omitempty"`
}

type turnRequest struct {
	Text string `json:"text"`
}

type decisionView struct {
	Kind      string `json:"kind"`
	Responder string `json:"responder,omitempty"`
	Rule      string `json:"rule"`
}

type turnResponse struct {
	Student   domain.Turn   `json:"student"`
	Reply     *domain.Turn  `json:"reply"`
	Decision  decisionView  `json:"decision"`
	Remaining int           `json:"remaining"`
	Status    domain.Status `json:"status"`
}

type analysisResponse struct {
	NegotiationStatus map[string]domain.Negotiation `json:"negotiation_status"`
}

// errForeignSession hides sessions of other students behind a 404.
var errForeignSession = fmt.Errorf("session belongs to another student: %w", store.ErrNotFound)

// owned loads the session named in the path and checks it belongs to the
// requesting student.
func (h *Handler) owned(r *http.Request) (*domain.Session, error) {
	sess, err := h.dialogue.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if sess.StudentID != identity.StudentIDFromContext(r.Context()) {
		return nil, errForeignSession
	}
	return sess, nil
}

// StartSession resumes the student's active session for the scenario or
// starts a new one.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, err)
		return
	}
	student := identity.StudentIDFromContext(r.Context())

	sess, err := h.dialogue.Resume(r.Context(), req.ScenarioID, student)
	switch {
	case err == nil:
		pending, _ := h.dialogue.Pending(sess.ID)
		JSON(w, http.StatusOK, sessionResponse{Session: sess, Pending: pending, Resumed: true})
		return
	case !errors.Is(err, store.ErrNotFound) && !errors.Is(err, dialogue.ErrSessionClosed):
		h.writeError(w, r, err)
		return
	}

	sess, err = h.dialogue.Start(r.Context(), dialogue.StartRequest{
		ScenarioID:    req.ScenarioID,
		StudentID:     student,
		ResponseStyle: req.ResponseStyle,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sessionResponse{Session: sess})
}

// GetSession returns the transcript, counter, status and pending utterance.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pending, _ := h.dialogue.Pending(sess.ID)
	JSON(w, http.StatusOK, sessionResponse{Session: sess, Pending: pending})
}

// SubmitTurn runs one dialogue turn. Concurrent submissions for the same
// session are serialised by the orchestrator.
func (h *Handler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	sess, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req turnRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, err)
		return
	}

	res, err := h.dialogue.Submit(r.Context(), sess.ID, req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, turnResponse{
		Student: res.Student,
		Reply:   res.Reply,
		Decision: decisionView{
			Kind:      res.Decision.Kind.String(),
			Responder: res.Decision.Responder,
			Rule:      res.Decision.Rule,
		},
		Remaining: res.Remaining,
		Status:    res.Status,
	})
}

// EndSession completes the session regardless of the remaining budget.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err = h.dialogue.End(r.Context(), sess.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sessionResponse{Session: sess})
}

// AddRequirement records an elicited requirement on the session.
func (h *Handler) AddRequirement(w http.ResponseWriter, r *http.Request) {
	sess, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req domain.Requirement
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, err)
		return
	}
	sess, err = h.dialogue.AddRequirement(r.Context(), sess.ID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sessionResponse{Session: sess})
}

// AnalyzeRequirements runs conflict analysis over the recorded requirements.
func (h *Handler) AnalyzeRequirements(w http.ResponseWriter, r *http.Request) {
	sess, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.dialogue.AnalyzeRequirements(r.Context(), sess.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, analysisResponse{NegotiationStatus: status})
}

// StreamSession upgrades to a websocket carrying committed events.
func (h *Handler) StreamSession(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		Error(w, http.StatusNotFound, "live feed disabled")
		return
	}
	sess, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.hub.Serve(w, r, sess.ID, sess)
}
