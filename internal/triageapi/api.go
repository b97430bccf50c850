// Package triageapi exposes the triage service over HTTP and provides a typed
// client for it.
package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/carepath/internal/triage"
)

// TriageService defines the business operations triageapi needs.
type TriageService interface {
	Start(ctx context.Context, symptoms, sessionID string) (*triage.Reply, error)
	Answer(ctx context.Context, sessionID, answer string) (*triage.Reply, error)
	Status(ctx context.Context, sessionID string) (*triage.Status, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router. Middlewares apply to
// the triage routes only.
func (a *API) RegisterRoutes(r chi.Router, middlewares ...func(http.Handler) http.Handler) {
	r.Route("/api/v1/triage", func(r chi.Router) {
		r.Use(middlewares...)
		r.Post("/start", a.handleStart)
		r.Post("/answer", a.handleAnswer)
		r.Get("/session/{id}", a.handleStatus)
	})
}

// StartRequest is the body of POST /api/v1/triage/start.
type StartRequest struct {
	Symptoms  string `json:"symptoms"`
	SessionID string `json:"session_id,omitempty"`
}

// AnswerRequest is the body of POST /api/v1/triage/answer.
type AnswerRequest struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
}

// SessionResponse is returned by start and answer.
type SessionResponse struct {
	SessionID    string         `json:"session_id"`
	Type         string         `json:"type"`
	Question     string         `json:"question,omitempty"`
	TriageResult *triage.Result `json:"triage_result,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// StatusResponse is returned by GET /api/v1/triage/session/{id}.
type StatusResponse struct {
	SessionID       string         `json:"session_id"`
	Phase           string         `json:"phase"`
	Completed       bool           `json:"completed"`
	PendingQuestion string         `json:"pending_question,omitempty"`
	Result          *triage.Result `json:"result,omitempty"`
	History         string         `json:"history"`
	Turns           int            `json:"turns"`
	TurnBudget      int            `json:"turn_budget"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return
	}

	reply, err := a.svc.Start(r.Context(), req.Symptoms, req.SessionID)
	if err != nil {
		a.writeError(r, w, err, req.SessionID)
		return
	}
	a.annotate(r, reply)
	writeJSON(w, http.StatusOK, toSessionResponse(reply))
}

func (a *API) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return
	}

	reply, err := a.svc.Answer(r.Context(), req.SessionID, req.Answer)
	if err != nil {
		a.writeError(r, w, err, req.SessionID)
		return
	}
	a.annotate(r, reply)
	writeJSON(w, http.StatusOK, toSessionResponse(reply))
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("carepath.session.id", id))

	st, err := a.svc.Status(r.Context(), id)
	if err != nil {
		a.writeError(r, w, err, id)
		return
	}

	span.SetAttributes(attribute.String("carepath.session.phase", string(st.Phase)))

	writeJSON(w, http.StatusOK, StatusResponse{
		SessionID:       st.SessionID,
		Phase:           string(st.Phase),
		Completed:       st.Completed,
		PendingQuestion: st.PendingQuestion,
		Result:          st.Result,
		History:         st.History,
		Turns:           st.Turns,
		TurnBudget:      st.TurnBudget,
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
	})
}

func (a *API) annotate(r *http.Request, reply *triage.Reply) {
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("carepath.session.id", reply.SessionID),
		attribute.String("carepath.reply.type", string(reply.Type)),
	)
	if reply.Result != nil {
		span.SetAttributes(attribute.String("carepath.triage.level", string(reply.Result.Level)))
	}
}

func toSessionResponse(reply *triage.Reply) SessionResponse {
	return SessionResponse{
		SessionID:    reply.SessionID,
		Type:         string(reply.Type),
		Question:     reply.Question,
		TriageResult: reply.Result,
		Message:      reply.Message,
	}
}

// statusFor maps service errors to HTTP status codes and client-safe messages.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, triage.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, triage.ErrSessionNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, triage.ErrSessionActive):
		return http.StatusConflict, "session already in progress"
	case errors.Is(err, triage.ErrNoPendingQuestion):
		return http.StatusConflict, "no pending question"
	case errors.Is(err, triage.ErrSafetyCheckFailed):
		return http.StatusServiceUnavailable, "safety check unavailable, please retry"
	case errors.Is(err, triage.ErrOracleTimeout):
		return http.StatusGatewayTimeout, "triage model timed out, please retry"
	case errors.Is(err, triage.ErrOracleMalformed), errors.Is(err, triage.ErrOracleUnavailable):
		return http.StatusBadGateway, "triage model unavailable, please retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (a *API) writeError(r *http.Request, w http.ResponseWriter, err error, sessionID string) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, "triage request failed", "session_id", sessionID, "status", code)
		span := trace.SpanFromContext(r.Context())
		span.RecordError(err)
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
