package triage

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/carepath/internal/acuity"
	"github.com/linnemanlabs/carepath/internal/retrieval"
	"github.com/linnemanlabs/carepath/internal/safety"
)

const testModel = "test-model-1"

// mockOracle returns preconfigured responses in sequence and records requests.
type mockOracle struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	block     bool
	callIdx   int
	requests  []OracleRequest
}

func (m *mockOracle) Complete(ctx context.Context, req *OracleRequest) (*OracleResponse, error) {
	m.mu.Lock()
	idx := m.callIdx
	m.callIdx++
	m.requests = append(m.requests, *req)
	block := m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	text := `{"type":"stop","confidence":0.9}`
	if idx < len(m.responses) {
		text = m.responses[idx]
	}
	return &OracleResponse{
		Text:  text,
		Model: testModel,
		Usage: Usage{InputTokens: 100, OutputTokens: 20},
	}, nil
}

func (m *mockOracle) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIdx
}

func (m *mockOracle) purposes() []Purpose {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Purpose, len(m.requests))
	for i, r := range m.requests {
		out[i] = r.Purpose
	}
	return out
}

func (m *mockOracle) request(i int) OracleRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// mockScreen flags any text listed in emergencies.
type mockScreen struct {
	mu          sync.Mutex
	emergencies map[string]acuity.Level
	err         error
	calls       int
}

func (m *mockScreen) Check(_ context.Context, text string) (safety.Match, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return safety.Match{}, false, m.err
	}
	if lvl, ok := m.emergencies[text]; ok {
		return safety.Match{Level: lvl, Phrase: text, Similarity: 0.97}, true, nil
	}
	return safety.Match{}, false, nil
}

func (m *mockScreen) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockRetriever returns fixed documents and records queries.
type mockRetriever struct {
	mu      sync.Mutex
	docs    []retrieval.Document
	err     error
	queries []string
}

func (m *mockRetriever) Retrieve(_ context.Context, query string) ([]retrieval.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	if m.err != nil {
		return nil, m.err
	}
	return m.docs, nil
}

func (m *mockRetriever) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

func testDocs() []retrieval.Document {
	return []retrieval.Document{
		{
			Text:     "Most sore throats clear within a week.",
			Metadata: retrieval.Metadata{Condition: "Pharyngitis", Section: "self-care", Urgency: retrieval.TierLow},
		},
	}
}

// mockStore is an in-package Store with injectable failures.
type mockStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	getErr   error
	putErr   error
	puts     int
}

func newMockStore() *mockStore {
	return &mockStore{sessions: make(map[string]*Session)}
}

func (m *mockStore) Get(_ context.Context, id string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (m *mockStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.puts++
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *mockStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *mockStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStore) stored(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// mockNotifier records escalations on a channel.
type mockNotifier struct {
	sent chan *Session
	err  error
}

func (m *mockNotifier) Send(_ context.Context, s *Session) error {
	m.sent <- s
	return m.err
}
