package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// MaxInputLen bounds symptom and answer text.
const MaxInputLen = 4000

// Status is the read-only view of a session.
type Status struct {
	SessionID       string
	Phase           Phase
	Completed       bool
	PendingQuestion string
	Result          *Result
	History         string
	Turns           int
	TurnBudget      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Service is the business boundary for triage sessions. It owns session
// lifecycle and serializes requests per session ID.
type Service struct {
	store    Store
	engine   *Engine
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
	locks    *KeyLock
	now      func() time.Time
}

// NewService creates a new triage service. metrics and notifier may be nil.
func NewService(store Store, engine *Engine, logger log.Logger, metrics *Metrics, notifier Notifier) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		engine:   engine,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		locks:    NewKeyLock(),
		now:      time.Now,
	}
}

// Start opens a session with the patient's opening complaint. An empty
// sessionID gets a fresh ULID. Restarting a completed session replays its
// result; restarting one still in progress fails with ErrSessionActive.
func (s *Service) Start(ctx context.Context, symptoms, sessionID string) (reply *Reply, err error) {
	start := s.now()
	defer func() { s.observe("start", reply, err, start) }()

	symptoms = strings.TrimSpace(symptoms)
	if symptoms == "" {
		return nil, fmt.Errorf("%w: symptoms are required", ErrInvalidInput)
	}
	if len(symptoms) > MaxInputLen {
		return nil, fmt.Errorf("%w: symptoms exceed %d bytes", ErrInvalidInput, MaxInputLen)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, ok, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if ok {
		if existing.Completed() {
			return replay(existing), nil
		}
		return nil, ErrSessionActive
	}

	now := s.now()
	sess := &Session{
		ID:        sessionID,
		Phase:     PhaseInit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	reply, err = s.engine.Begin(ctx, sess, symptoms)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	s.maybeNotify(ctx, sess)
	return reply, nil
}

// Answer submits the patient's answer to the pending question.
func (s *Service) Answer(ctx context.Context, sessionID, answer string) (reply *Reply, err error) {
	start := s.now()
	defer func() { s.observe("answer", reply, err, start) }()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, ok, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Completed() {
		return replay(sess), nil
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, fmt.Errorf("%w: answer is required", ErrInvalidInput)
	}
	if len(answer) > MaxInputLen {
		return nil, fmt.Errorf("%w: answer exceeds %d bytes", ErrInvalidInput, MaxInputLen)
	}

	reply, err = s.engine.Continue(ctx, sess, answer)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	s.maybeNotify(ctx, sess)
	return reply, nil
}

// Status returns a read-only view of a session.
func (s *Service) Status(ctx context.Context, sessionID string) (*Status, error) {
	sess, ok, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	st := &Status{
		SessionID:       sess.ID,
		Phase:           sess.Phase,
		Completed:       sess.Completed(),
		PendingQuestion: sess.PendingQuestion,
		Result:          sess.Result,
		History:         EmptyHistory,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
	}
	if c := sess.Conversation; c != nil {
		st.History = c.BuildMemory()
		st.Turns = c.TurnCount()
		st.TurnBudget = c.TurnBudget()
	}
	return st, nil
}

// Sweep deletes sessions not updated within olderThan and returns how many
// were removed.
func (s *Service) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.store.DeleteBefore(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info(ctx, "swept idle sessions", "count", n, "older_than", olderThan.String())
	}
	if s.metrics != nil {
		s.metrics.SessionsSwept.Add(float64(n))
	}
	return n, nil
}

// lock serializes requests for sessionID, first within this process and
// then, when the store supports it, across every process sharing the store.
func (s *Service) lock(ctx context.Context, sessionID string) (func(), error) {
	release := s.locks.Lock(sessionID)
	sl, ok := s.store.(SessionLocker)
	if !ok {
		return release, nil
	}
	unlockShared, err := sl.LockSession(ctx, sessionID)
	if err != nil {
		release()
		return nil, fmt.Errorf("lock session: %w", err)
	}
	return func() {
		unlockShared()
		release()
	}, nil
}

func (s *Service) persist(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = s.now()
	if err := s.store.Put(ctx, sess); err != nil {
		s.logger.Error(ctx, err, "failed to persist session", "session_id", sess.ID)
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// maybeNotify fires the notifier for escalated sessions. It runs detached
// from the request so a disconnecting client does not cancel the alert.
func (s *Service) maybeNotify(ctx context.Context, sess *Session) {
	if s.notifier == nil || sess.Result == nil {
		return
	}
	if sess.Result.Source != SourceSafetyScreen && sess.Result.Source != SourceEscalation {
		return
	}
	snapshot := sess.Clone()
	go func(ctx context.Context) {
		if err := s.notifier.Send(ctx, snapshot); err != nil {
			s.logger.Error(ctx, err, "escalation notification failed", "session_id", snapshot.ID)
		}
	}(context.WithoutCancel(ctx))
}

func (s *Service) observe(op string, reply *Reply, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	outcome := ErrorKind(err)
	if err == nil && reply != nil {
		outcome = string(reply.Type)
		if reply.Message == NoticeAlreadyComplete {
			outcome = "replay"
		}
	}
	s.metrics.RequestsTotal.WithLabelValues(op, outcome).Inc()
	s.metrics.RequestDuration.WithLabelValues(op).Observe(s.now().Sub(start).Seconds())
}
