package triage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/linnemanlabs/carepath/internal/acuity"
)

func newTestService(oracle *mockOracle, screen *mockScreen, store *mockStore, notifier Notifier) *Service {
	engine := newTestEngine(oracle, screen, &mockRetriever{docs: testDocs()}, 4)
	return NewService(store, engine, log.Nop(), nil, notifier)
}

func TestService_StartGeneratesID(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(&mockOracle{responses: []string{askFever}}, &mockScreen{}, store, nil)

	reply, err := svc.Start(context.Background(), "  sore throat  ", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(reply.SessionID) != 26 {
		t.Errorf("SessionID = %q, want a 26 char ULID", reply.SessionID)
	}
	stored, ok := store.stored(reply.SessionID)
	if !ok {
		t.Fatal("session not persisted")
	}
	if stored.PendingQuestion != "Do you have a fever?" {
		t.Errorf("PendingQuestion = %q", stored.PendingQuestion)
	}
	if got := stored.Conversation.Turns()[0].Answer; got != "sore throat" {
		t.Errorf("opening answer = %q, want trimmed %q", got, "sore throat")
	}
	if stored.CreatedAt.IsZero() || stored.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestService_StartRejectsEmptySymptoms(t *testing.T) {
	t.Parallel()

	oracle := &mockOracle{}
	screen := &mockScreen{}
	svc := newTestService(oracle, screen, newMockStore(), nil)

	for _, in := range []string{"", "   ", strings.Repeat("a", MaxInputLen+1)} {
		_, err := svc.Start(context.Background(), in, "")
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Start(%d bytes) err = %v, want ErrInvalidInput", len(in), err)
		}
	}
	if oracle.calls()+screen.count() != 0 {
		t.Error("invalid input reached a collaborator")
	}
}

func TestService_StartExistingSession(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	result := &Result{Type: ResultType, Level: acuity.LevelStayHome, Confidence: acuity.ConfidenceHigh, Actions: []string{"Rest"}, Warnings: []string{}}
	store.sessions["done"] = &Session{ID: "done", Phase: PhaseComplete, Result: result}
	store.sessions["live"] = &Session{ID: "live", Phase: PhaseAwaitingAnswer, PendingQuestion: "Fever?", Conversation: NewConversation(4, nil)}

	oracle := &mockOracle{}
	svc := newTestService(oracle, &mockScreen{}, store, nil)

	reply, err := svc.Start(context.Background(), "headache", "done")
	if err != nil {
		t.Fatalf("Start replay: %v", err)
	}
	if reply.Message != NoticeAlreadyComplete || reply.Result.Level != acuity.LevelStayHome {
		t.Errorf("replay = %+v", reply)
	}

	_, err = svc.Start(context.Background(), "headache", "live")
	if !errors.Is(err, ErrSessionActive) {
		t.Errorf("err = %v, want ErrSessionActive", err)
	}
	if oracle.calls() != 0 {
		t.Errorf("oracle calls = %d, want 0", oracle.calls())
	}
}

func TestService_FullDialogue(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	oracle := &mockOracle{responses: []string{askFever, stopJSON, queryText, finalSeeGP}}
	svc := newTestService(oracle, &mockScreen{}, store, nil)
	ctx := context.Background()

	r1, err := svc.Start(ctx, "sore throat", "s-full")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r1.Type != ReplyAsk || r1.SessionID != "s-full" {
		t.Fatalf("first reply = %+v", r1)
	}

	r2, err := svc.Answer(ctx, "s-full", "a little")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if r2.Type != ReplyTriage || r2.Result.Level != acuity.LevelSeeGP {
		t.Fatalf("second reply = %+v", r2)
	}

	// further answers replay without touching the oracle
	calls := oracle.calls()
	r3, err := svc.Answer(ctx, "s-full", "anything else")
	if err != nil {
		t.Fatalf("Answer replay: %v", err)
	}
	if r3.Message != NoticeAlreadyComplete {
		t.Errorf("Message = %q, want %q", r3.Message, NoticeAlreadyComplete)
	}
	if oracle.calls() != calls {
		t.Errorf("replay made %d oracle calls", oracle.calls()-calls)
	}

	st, err := svc.Status(ctx, "s-full")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Completed || st.Phase != PhaseComplete || st.Turns != 2 {
		t.Errorf("status = %+v", st)
	}
	if !strings.Contains(st.History, "Q: Do you have a fever?\nA: a little") {
		t.Errorf("History = %q", st.History)
	}
}

func TestService_AnswerErrors(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.sessions["live"] = &Session{ID: "live", Phase: PhaseAwaitingAnswer, PendingQuestion: "Fever?", Conversation: NewConversation(4, nil)}
	svc := newTestService(&mockOracle{}, &mockScreen{}, store, nil)
	ctx := context.Background()

	if _, err := svc.Answer(ctx, "missing", "yes"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session err = %v, want ErrSessionNotFound", err)
	}
	if _, err := svc.Answer(ctx, "", "yes"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty id err = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.Answer(ctx, "live", "  "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty answer err = %v, want ErrInvalidInput", err)
	}
}

func TestService_OracleFailureLeavesSessionUntouched(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	oracle := &mockOracle{
		responses: []string{askFever, "", askLength},
		errs:      []error{nil, errors.New("503 from provider")},
	}
	svc := newTestService(oracle, &mockScreen{}, store, nil)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "sore throat", "s-retry"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before, _ := store.stored("s-retry")

	_, err := svc.Answer(ctx, "s-retry", "yes")
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("err = %v, want ErrOracleUnavailable", err)
	}
	after, _ := store.stored("s-retry")
	if after.Conversation.TurnCount() != before.Conversation.TurnCount() {
		t.Errorf("TurnCount = %d after failure, want %d", after.Conversation.TurnCount(), before.Conversation.TurnCount())
	}
	if after.PendingQuestion != "Do you have a fever?" {
		t.Errorf("PendingQuestion = %q after failure", after.PendingQuestion)
	}

	// the client retries the same turn
	reply, err := svc.Answer(ctx, "s-retry", "yes")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if reply.Question != "How long has it lasted?" {
		t.Errorf("Question = %q", reply.Question)
	}
	final, _ := store.stored("s-retry")
	if final.Conversation.TurnCount() != 2 {
		t.Errorf("TurnCount = %d, want 2", final.Conversation.TurnCount())
	}
}

func TestService_FailedStartIsNotPersisted(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(&mockOracle{responses: []string{"not json"}}, &mockScreen{}, store, nil)

	_, err := svc.Start(context.Background(), "cough", "s-bad")
	if !errors.Is(err, ErrOracleMalformed) {
		t.Fatalf("err = %v, want ErrOracleMalformed", err)
	}
	if _, ok := store.stored("s-bad"); ok {
		t.Error("failed session was persisted")
	}
}

func TestService_StoreErrors(t *testing.T) {
	t.Parallel()

	t.Run("get", func(t *testing.T) {
		t.Parallel()
		store := newMockStore()
		store.getErr = errors.New("db down")
		svc := newTestService(&mockOracle{}, &mockScreen{}, store, nil)
		if _, err := svc.Start(context.Background(), "cough", ""); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("put", func(t *testing.T) {
		t.Parallel()
		store := newMockStore()
		store.putErr = errors.New("db down")
		svc := newTestService(&mockOracle{responses: []string{askFever}}, &mockScreen{}, store, nil)
		_, err := svc.Start(context.Background(), "cough", "")
		if err == nil || !strings.Contains(err.Error(), "persist session") {
			t.Fatalf("err = %v, want persist error", err)
		}
	})
}

func TestService_NotifiesOnEscalation(t *testing.T) {
	t.Parallel()

	notifier := &mockNotifier{sent: make(chan *Session, 1)}
	screen := &mockScreen{emergencies: map[string]acuity.Level{"crushing chest pain": acuity.LevelCall911}}
	svc := newTestService(&mockOracle{}, screen, newMockStore(), notifier)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := svc.Start(ctx, "crushing chest pain", "s-911"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// the notifier must not depend on the request context
	cancel()

	select {
	case got := <-notifier.sent:
		if got.ID != "s-911" || got.Result.Level != acuity.LevelCall911 {
			t.Errorf("notified session = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was not called")
	}
}

func TestService_NoNotificationForRoutineResult(t *testing.T) {
	t.Parallel()

	notifier := &mockNotifier{sent: make(chan *Session, 1)}
	oracle := &mockOracle{responses: []string{stopJSON, queryText, finalHome}}
	svc := newTestService(oracle, &mockScreen{}, newMockStore(), notifier)

	if _, err := svc.Start(context.Background(), "runny nose", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case s := <-notifier.sent:
		t.Errorf("unexpected notification for %s", s.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_Sweep(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.sessions["old"] = &Session{ID: "old", UpdatedAt: now.Add(-48 * time.Hour)}
	store.sessions["new"] = &Session{ID: "new", UpdatedAt: now.Add(-time.Minute)}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	svc := NewService(store, newTestEngine(&mockOracle{}, &mockScreen{}, nil, 4), log.Nop(), metrics, nil)
	svc.now = func() time.Time { return now }

	n, err := svc.Sweep(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if _, ok := store.stored("new"); !ok {
		t.Error("fresh session was swept")
	}
	if got := counterValue(t, metrics.SessionsSwept); got != 1 {
		t.Errorf("swept metric = %v, want 1", got)
	}
}

func TestService_ConcurrentAnswersSerialize(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	oracle := &mockOracle{responses: []string{askFever}}
	svc := newTestService(oracle, &mockScreen{}, store, nil)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "sore throat", "s-race"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// every later oracle call defaults to stop, then query, then final
	oracle.mu.Lock()
	oracle.responses = append(oracle.responses, stopJSON, queryText, finalSeeGP)
	oracle.mu.Unlock()

	var wg sync.WaitGroup
	replies := make([]*Reply, 5)
	errs := make([]error, 5)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies[i], errs[i] = svc.Answer(ctx, "s-race", "yes")
		}()
	}
	wg.Wait()

	fresh, replayed := 0, 0
	for i := range 5 {
		if errs[i] != nil {
			t.Fatalf("Answer %d: %v", i, errs[i])
		}
		if replies[i].Message == NoticeAlreadyComplete {
			replayed++
		} else {
			fresh++
		}
	}
	if fresh != 1 || replayed != 4 {
		t.Errorf("fresh = %d replayed = %d, want 1 and 4", fresh, replayed)
	}
	final, _ := store.stored("s-race")
	if final.Conversation.TurnCount() != 2 {
		t.Errorf("TurnCount = %d, want 2", final.Conversation.TurnCount())
	}
}

func TestService_RequestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	oracle := &mockOracle{responses: []string{askFever}}
	engine := NewEngine(oracle, &mockScreen{}, nil, log.Nop(), metrics.Hooks(), EngineConfig{})
	svc := NewService(newMockStore(), engine, log.Nop(), metrics, nil)

	if _, err := svc.Start(context.Background(), "cough", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, _ = svc.Answer(context.Background(), "missing", "yes")

	if got := counterValue(t, metrics.RequestsTotal.WithLabelValues("start", "ask")); got != 1 {
		t.Errorf("start/ask = %v, want 1", got)
	}
	if got := counterValue(t, metrics.RequestsTotal.WithLabelValues("answer", "not_found")); got != 1 {
		t.Errorf("answer/not_found = %v, want 1", got)
	}
	if got := counterValue(t, metrics.OracleCallsTotal.WithLabelValues("decision", "success")); got != 1 {
		t.Errorf("oracle decision success = %v, want 1", got)
	}
	if got := counterValue(t, metrics.SafetyChecksTotal.WithLabelValues("clear")); got != 1 {
		t.Errorf("safety clear = %v, want 1", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

// lockingStore is a mockStore shared "between processes": it records
// LockSession calls and flags any read or write made without the lock.
type lockingStore struct {
	*mockStore
	lmu       sync.Mutex
	held      map[string]bool
	locks     int
	unlocks   int
	unguarded []string
	lockErr   error
}

func newLockingStore() *lockingStore {
	return &lockingStore{mockStore: newMockStore(), held: make(map[string]bool)}
}

func (l *lockingStore) LockSession(_ context.Context, id string) (func(), error) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	if l.lockErr != nil {
		return nil, l.lockErr
	}
	if l.held[id] {
		l.unguarded = append(l.unguarded, "double lock "+id)
	}
	l.held[id] = true
	l.locks++
	return func() {
		l.lmu.Lock()
		defer l.lmu.Unlock()
		delete(l.held, id)
		l.unlocks++
	}, nil
}

func (l *lockingStore) guard(op, id string) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	if !l.held[id] {
		l.unguarded = append(l.unguarded, op+" "+id)
	}
}

func (l *lockingStore) Get(ctx context.Context, id string) (*Session, bool, error) {
	l.guard("get", id)
	return l.mockStore.Get(ctx, id)
}

func (l *lockingStore) Put(ctx context.Context, s *Session) error {
	l.guard("put", s.ID)
	return l.mockStore.Put(ctx, s)
}

func (l *lockingStore) counts() (locks, unlocks, held int, unguarded []string) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	return l.locks, l.unlocks, len(l.held), append([]string(nil), l.unguarded...)
}

func TestService_HoldsSharedLockForWholeRequest(t *testing.T) {
	t.Parallel()

	store := newLockingStore()
	oracle := &mockOracle{
		responses: []string{askFever, ""},
		errs:      []error{nil, errors.New("provider down")},
	}
	engine := newTestEngine(oracle, &mockScreen{}, &mockRetriever{docs: testDocs()}, 4)
	svc := NewService(store, engine, log.Nop(), nil, nil)

	reply, err := svc.Start(context.Background(), "sore throat", "s-shared")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// a failing oracle call must still release the lock
	if _, err := svc.Answer(context.Background(), reply.SessionID, "yes"); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("Answer err = %v, want ErrOracleUnavailable", err)
	}

	locks, unlocks, held, unguarded := store.counts()
	if locks != 2 || unlocks != 2 {
		t.Errorf("locks/unlocks = %d/%d, want 2/2", locks, unlocks)
	}
	if held != 0 {
		t.Errorf("%d session locks still held", held)
	}
	if len(unguarded) > 0 {
		t.Errorf("store used without the shared lock: %v", unguarded)
	}
	if svc.locks.Len() != 0 {
		t.Errorf("in-process locks held = %d, want 0", svc.locks.Len())
	}
}

func TestService_SharedLockFailure(t *testing.T) {
	t.Parallel()

	store := newLockingStore()
	store.lockErr = errors.New("connection refused")
	oracle := &mockOracle{}
	screen := &mockScreen{}
	engine := newTestEngine(oracle, screen, nil, 4)
	svc := NewService(store, engine, log.Nop(), nil, nil)

	_, err := svc.Start(context.Background(), "sore throat", "s-nolock")
	if !errors.Is(err, store.lockErr) {
		t.Fatalf("Start err = %v, want wrapped lock error", err)
	}
	if oracle.calls() != 0 || screen.calls != 0 {
		t.Errorf("work done without a lock: oracle=%d screen=%d", oracle.calls(), screen.calls)
	}
	if svc.locks.Len() != 0 {
		t.Errorf("in-process lock leaked after shared lock failure")
	}
	if _, ok := store.stored("s-nolock"); ok {
		t.Error("session persisted without a lock")
	}
}
