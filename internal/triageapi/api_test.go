package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/acuity"
	"github.com/linnemanlabs/carepath/internal/triage"
)

type mockService struct {
	mu        sync.Mutex
	startFn   func(ctx context.Context, symptoms, id string) (*triage.Reply, error)
	answerFn  func(ctx context.Context, id, answer string) (*triage.Reply, error)
	statusFn  func(ctx context.Context, id string) (*triage.Status, error)
	lastStart [2]string
	lastAns   [2]string
}

func (m *mockService) Start(ctx context.Context, symptoms, id string) (*triage.Reply, error) {
	m.mu.Lock()
	m.lastStart = [2]string{symptoms, id}
	m.mu.Unlock()
	if m.startFn != nil {
		return m.startFn(ctx, symptoms, id)
	}
	return &triage.Reply{SessionID: "s-1", Type: triage.ReplyAsk, Question: "How long?"}, nil
}

func (m *mockService) Answer(ctx context.Context, id, answer string) (*triage.Reply, error) {
	m.mu.Lock()
	m.lastAns = [2]string{id, answer}
	m.mu.Unlock()
	if m.answerFn != nil {
		return m.answerFn(ctx, id, answer)
	}
	return &triage.Reply{SessionID: id, Type: triage.ReplyTriage, Result: routineResult()}, nil
}

func (m *mockService) Status(ctx context.Context, id string) (*triage.Status, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, id)
	}
	return &triage.Status{SessionID: id, Phase: triage.PhaseAwaitingAnswer, PendingQuestion: "Any fever?", History: "Q: What are your symptoms?\nA: cough", Turns: 1, TurnBudget: 4}, nil
}

func routineResult() *triage.Result {
	return &triage.Result{
		Type:       triage.ResultType,
		Level:      acuity.LevelSeeGP,
		Confidence: acuity.ConfidenceMedium,
		Actions:    []string{"Book an appointment"},
		Warnings:   []string{"Fever above 39C"},
		Grounded:   true,
		Source:     triage.SourceFinal,
	}
}

func newTestRouter(t *testing.T, svc *mockService) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(log.Nop(), svc).RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &mockService{})
	if api.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic")
		}
	}()
	New(nil, nil)
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &mockService{})

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"start", http.MethodPost, "/api/v1/triage/start", `{"symptoms":"cough"}`, http.StatusOK},
		{"answer", http.MethodPost, "/api/v1/triage/answer", `{"session_id":"s-1","answer":"two days"}`, http.StatusOK},
		{"status", http.MethodGet, "/api/v1/triage/session/s-1", "", http.StatusOK},
		{"GET start not allowed", http.MethodGet, "/api/v1/triage/start", "", http.StatusMethodNotAllowed},
		{"PUT answer not allowed", http.MethodPut, "/api/v1/triage/answer", "", http.StatusMethodNotAllowed},
		{"POST session not allowed", http.MethodPost, "/api/v1/triage/session/s-1", "", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/api/v1/triage/other", "", http.StatusNotFound},
		{"root", http.MethodGet, "/", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := doJSON(t, r, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_AppliesMiddleware(t *testing.T) {
	t.Parallel()

	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	r := chi.NewRouter()
	New(nil, &mockService{}).RegisterRoutes(r, deny)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/triage/session/s-1", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

// Handlers

func TestHandleStart_AskReply(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/triage/start", `{"symptoms":"sore throat","session_id":"abc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["type"] != "ask" || resp["question"] != "How long?" || resp["session_id"] != "s-1" {
		t.Errorf("unexpected body %v", resp)
	}
	if _, ok := resp["triage_result"]; ok {
		t.Error("ask reply must not carry triage_result")
	}
	if svc.lastStart != [2]string{"sore throat", "abc"} {
		t.Errorf("service got %v", svc.lastStart)
	}
}

func TestHandleAnswer_TriageReply(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/triage/answer", `{"session_id":"s-9","answer":"yes"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Type   string         `json:"type"`
		Result map[string]any `json:"triage_result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Type != "triage" {
		t.Errorf("type = %q, want triage", resp.Type)
	}
	if resp.Result["level"] != "see_gp" {
		t.Errorf("triage_result missing level: %v", resp.Result)
	}
	if _, ok := resp.Result["what_to_do"]; !ok {
		t.Errorf("triage_result missing what_to_do: %v", resp.Result)
	}
	if svc.lastAns != [2]string{"s-9", "yes"} {
		t.Errorf("service got %v", svc.lastAns)
	}
}

func TestHandleStart_InvalidJSON(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &mockService{})
	for _, path := range []string{"/api/v1/triage/start", "/api/v1/triage/answer"} {
		rec := doJSON(t, r, http.MethodPost, path, `{bad`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("POST %s = %d, want %d", path, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &mockService{})

	rec := doJSON(t, r, http.MethodGet, "/api/v1/triage/session/s-7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID != "s-7" || resp.Phase != "awaiting_answer" || resp.PendingQuestion != "Any fever?" {
		t.Errorf("unexpected status %+v", resp)
	}
	if resp.Turns != 1 || resp.TurnBudget != 4 || resp.Completed {
		t.Errorf("unexpected counters %+v", resp)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", fmt.Errorf("%w: symptoms are required", triage.ErrInvalidInput), http.StatusBadRequest},
		{"not found", triage.ErrSessionNotFound, http.StatusNotFound},
		{"active", triage.ErrSessionActive, http.StatusConflict},
		{"no pending question", triage.ErrNoPendingQuestion, http.StatusConflict},
		{"malformed", fmt.Errorf("decision: %w", triage.ErrOracleMalformed), http.StatusBadGateway},
		{"unavailable", triage.ErrOracleUnavailable, http.StatusBadGateway},
		{"safety", triage.ErrSafetyCheckFailed, http.StatusServiceUnavailable},
		{"timeout", triage.ErrOracleTimeout, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &mockService{
				startFn: func(context.Context, string, string) (*triage.Reply, error) { return nil, tt.err },
			}
			r := newTestRouter(t, svc)

			rec := doJSON(t, r, http.MethodPost, "/api/v1/triage/start", `{"symptoms":"x"}`)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error == "" {
				t.Error("error body is empty")
			}
			if tt.want == http.StatusInternalServerError && strings.Contains(body.Error, "boom") {
				t.Error("internal error detail leaked to client")
			}
		})
	}
}

func TestHandleStatus_NotFound(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		statusFn: func(context.Context, string) (*triage.Status, error) { return nil, triage.ErrSessionNotFound },
	}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/triage/session/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleStatus_Timestamps(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &mockService{
		statusFn: func(_ context.Context, id string) (*triage.Status, error) {
			return &triage.Status{SessionID: id, Phase: triage.PhaseComplete, Completed: true, Result: routineResult(), CreatedAt: created, UpdatedAt: created.Add(time.Minute)}, nil
		},
	}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/triage/session/done", "")
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.CreatedAt.Equal(created) || !resp.UpdatedAt.Equal(created.Add(time.Minute)) {
		t.Errorf("timestamps = %v / %v", resp.CreatedAt, resp.UpdatedAt)
	}
	if resp.Result == nil || resp.Result.Level != acuity.LevelSeeGP {
		t.Errorf("result = %+v", resp.Result)
	}
}
