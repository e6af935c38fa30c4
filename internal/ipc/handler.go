// Package ipc provides the HTTP API for the ORION engine.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/anthropics/orion/internal/domain"
	"github.com/anthropics/orion/internal/export"
	"github.com/anthropics/orion/internal/store"
	"github.com/anthropics/orion/internal/workflow"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine    *workflow.Engine
	ExportDir string
	Version   string
}

// PersonaRequest is the body for POST /api/v1/session/{sessionID}/persona.
type PersonaRequest struct {
	Persona string `json:"persona"`
}

// AnswerRequest is the body for POST /api/v1/session/{sessionID}/answer.
type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// SkipRequest is the body for POST /api/v1/session/{sessionID}/skip.
type SkipRequest struct {
	QuestionID string `json:"question_id"`
}

// FeedbackRequest is the body for POST /api/v1/session/{sessionID}/feedback.
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

// FeedbackResponse pairs the verdict with the (possibly regenerated) state.
type FeedbackResponse struct {
	Result domain.FeedbackResult `json:"result"`
	State  *domain.SessionState  `json:"state"`
}

// PublishRequest is the body for POST /api/v1/session/{sessionID}/publish.
type PublishRequest struct {
	ProjectKey string `json:"project_key"`
}

// PublishResponse reports the created issue keys.
type PublishResponse struct {
	CreatedKeys []string             `json:"created_keys"`
	State       *domain.SessionState `json:"state"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// ListSessions handles GET /api/v1/sessions?limit=N.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err == nil {
			limit = parsed
		}
	}
	refs, err := h.Engine.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if refs == nil {
		refs = []store.SessionRef{}
	}
	writeJSON(w, http.StatusOK, refs)
}

// CreateSession handles POST /api/v1/session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req workflow.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}

	state, err := h.Engine.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

// GetSession handles GET /api/v1/session/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.Get(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Analyze handles POST /api/v1/session/{sessionID}/analyze.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.Analyze(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SetPersona handles POST /api/v1/session/{sessionID}/persona.
func (h *Handler) SetPersona(w http.ResponseWriter, r *http.Request) {
	var req PersonaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}

	state, err := h.Engine.SetPersona(r.Context(), r.PathValue("sessionID"), req.Persona)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SubmitAnswer handles POST /api/v1/session/{sessionID}/answer.
func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.QuestionID == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "question_id is required"})
		return
	}

	state, err := h.Engine.SubmitAnswer(r.Context(), r.PathValue("sessionID"), req.QuestionID, req.Answer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SkipQuestion handles POST /api/v1/session/{sessionID}/skip.
func (h *Handler) SkipQuestion(w http.ResponseWriter, r *http.Request) {
	var req SkipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.QuestionID == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "question_id is required"})
		return
	}

	state, err := h.Engine.SkipQuestion(r.Context(), r.PathValue("sessionID"), req.QuestionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Generate handles POST /api/v1/session/{sessionID}/generate.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.Generate(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SubmitFeedback handles POST /api/v1/session/{sessionID}/feedback.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}

	state, result, err := h.Engine.SubmitFeedback(r.Context(), r.PathValue("sessionID"), req.Feedback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FeedbackResponse{Result: result, State: state})
}

// Accept handles POST /api/v1/session/{sessionID}/accept.
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.Accept(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Export handles GET /api/v1/session/{sessionID}/export.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.Get(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export.Build(state, time.Now()))
}

// ExportFile handles POST /api/v1/session/{sessionID}/export/file.
func (h *Handler) ExportFile(w http.ResponseWriter, r *http.Request) {
	state, err := h.Engine.Get(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := export.WriteFile(h.ExportDir, state, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// Publish handles POST /api/v1/session/{sessionID}/publish.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}

	state, keys, err := h.Engine.PushToTracker(r.Context(), r.PathValue("sessionID"), req.ProjectKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, PublishResponse{CreatedKeys: keys, State: state})
}

// ListEvents handles GET /api/v1/session/{sessionID}/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.Engine.Events(r.Context(), r.PathValue("sessionID"), sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListProjects handles GET /api/v1/projects.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Engine.Projects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// StreamEvents handles GET /api/v1/session/{sessionID}/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send initial batch of events.
	events, err := h.Engine.Events(r.Context(), sessionID, 0)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	for _, ev := range events {
		writeSSEEvent(w, flusher, ev)
	}

	// Poll for new events.
	lastSeq := int64(0)
	if len(events) > 0 {
		lastSeq = events[len(events)-1].SeqNo
	}

	ctx := r.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newEvents, err := h.Engine.Events(ctx, sessionID, lastSeq)
			if err != nil {
				return
			}
			for _, ev := range newEvents {
				writeSSEEvent(w, flusher, ev)
				lastSeq = ev.SeqNo
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrSessionNotFound.Code, domain.ErrQuestionNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrDuplicateSession.Code:
			status = http.StatusConflict
		case domain.ErrEmptyRequirement.Code, domain.ErrEmptyAnswer.Code,
			domain.ErrEmptyFeedback.Code, domain.ErrEmptyPersona.Code,
			domain.ErrInvalidWorkflowType.Code, domain.ErrInvalidGeneration.Code,
			domain.ErrProjectKeyRequired.Code:
			status = http.StatusBadRequest
		case domain.ErrInvalidTransition.Code, domain.ErrWrongPhase.Code,
			domain.ErrQuestionsUnresolved.Code, domain.ErrSessionComplete.Code,
			domain.ErrSessionNotComplete.Code, domain.ErrPersonaOverridden.Code:
			status = http.StatusUnprocessableEntity
		case domain.ErrFeedbackLimit.Code:
			status = http.StatusTooManyRequests
		case domain.ErrTrackerUnavailable.Code:
			status = http.StatusServiceUnavailable
		case domain.ErrProjectNotAllowed.Code:
			status = http.StatusForbidden
		case domain.ErrTrackerRequest.Code:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.SessionEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
