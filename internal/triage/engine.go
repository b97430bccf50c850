package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/carepath/internal/acuity"
	"github.com/linnemanlabs/carepath/internal/retrieval"
	"github.com/linnemanlabs/carepath/internal/safety"
)

var tracer = otel.Tracer("github.com/linnemanlabs/carepath/internal/triage")

const (
	DefaultTurnBudget  = 4
	DefaultCallTimeout = 60 * time.Second

	// OpeningQuestion is the implicit first question the opening complaint answers.
	OpeningQuestion = "What are your symptoms?"

	decisionTokens = 512
	queryTokens    = 128
	finalTokens    = 1024
)

const (
	emergencyAction  = "Call emergency services immediately"
	escalationAction = "Seek medical attention now"
)

// EngineConfig tunes the dialogue.
type EngineConfig struct {
	// TurnBudget caps recorded turns, the opening complaint included.
	TurnBudget int

	// RedFlags is the vocabulary given to the oracle in decision prompts.
	RedFlags []string

	// CallTimeout bounds each oracle, safety and retrieval call.
	CallTimeout time.Duration
}

// ReplyType discriminates a Reply.
type ReplyType string

const (
	ReplyAsk    ReplyType = "ask"
	ReplyTriage ReplyType = "triage"
)

// Reply is what a single turn yields: either a question or a final result.
type Reply struct {
	SessionID string
	Type      ReplyType
	Question  string
	Result    *Result
	Message   string
}

// Engine is the dialogue state machine. It mutates the session it is handed
// and never touches storage.
type Engine struct {
	oracle    Oracle
	screen    SafetyScreen
	retriever Retriever
	logger    log.Logger
	hooks     EngineHooks
	cfg       EngineConfig
}

// NewEngine creates an engine. retriever may be nil, in which case every
// final synthesis runs without context.
func NewEngine(oracle Oracle, screen SafetyScreen, retriever Retriever, logger log.Logger, hooks EngineHooks, cfg EngineConfig) *Engine {
	if oracle == nil {
		panic(xerrors.New("triage.NewEngine: oracle is required"))
	}
	if screen == nil {
		panic(xerrors.New("triage.NewEngine: safety screen is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = DefaultTurnBudget
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Engine{
		oracle:    oracle,
		screen:    screen,
		retriever: retriever,
		logger:    logger,
		hooks:     hooks,
		cfg:       cfg,
	}
}

// Begin handles the opening complaint of a fresh session.
func (e *Engine) Begin(ctx context.Context, sess *Session, symptoms string) (*Reply, error) {
	if sess.Completed() {
		return replay(sess), nil
	}
	if sess.Phase != PhaseInit {
		return nil, ErrSessionActive
	}
	L := e.logger.With("session_id", sess.ID)

	// screen the opening complaint before anything reaches the oracle
	match, hit, err := e.check(ctx, sess.ID, symptoms)
	if err != nil {
		L.Error(ctx, err, "safety screen failed")
		return nil, fmt.Errorf("%w: %w", ErrSafetyCheckFailed, err)
	}
	if hit {
		// emergency: skip the dialogue entirely
		L.Warn(ctx, "emergency detected by safety screen",
			"level", match.Level,
			"phrase", match.Phrase,
			"similarity", match.Similarity,
		)
		sess.Phase = PhaseEscalated
		return e.complete(ctx, sess, &Result{
			Type:       ResultType,
			Level:      match.Level,
			Confidence: acuity.ConfidenceHigh,
			Actions:    []string{emergencyAction},
			Warnings:   []string{},
		}, SourceSafetyScreen), nil
	}

	// the opening complaint is turn 1
	sess.Conversation = NewConversation(e.cfg.TurnBudget, e.cfg.RedFlags)
	sess.Conversation.AddTurn(OpeningQuestion, symptoms)
	return e.advance(ctx, sess, symptoms)
}

// Continue records the answer to the pending question and advances.
func (e *Engine) Continue(ctx context.Context, sess *Session, answer string) (*Reply, error) {
	if sess.Completed() {
		return replay(sess), nil
	}
	if sess.Phase != PhaseAwaitingAnswer || sess.PendingQuestion == "" || sess.Conversation == nil {
		return nil, ErrNoPendingQuestion
	}
	// pair the answer with the question actually asked, then consume it
	sess.Conversation.AddTurn(sess.PendingQuestion, answer)
	sess.PendingQuestion = ""
	return e.advance(ctx, sess, answer)
}

func (e *Engine) advance(ctx context.Context, sess *Session, latest string) (*Reply, error) {
	L := e.logger.With("session_id", sess.ID)
	conv := sess.Conversation

	// budget spent: no more questions, go straight to synthesis
	if !conv.ShouldContinue() {
		L.Info(ctx, "turn budget exhausted", "turns", conv.TurnCount(), "budget", conv.TurnBudget())
		return e.finalize(ctx, sess)
	}

	// ask the oracle whether to question further, escalate or stop
	prompt, err := renderDecisionPrompt(conv, latest)
	if err != nil {
		return nil, err
	}
	resp, err := e.call(ctx, sess.ID, PurposeDecision, prompt, decisionTokens)
	if err != nil {
		return nil, err
	}

	// a decision that does not parse is a hard failure, never a default
	d, err := ParseDecision(resp.Text)
	if err != nil {
		L.Warn(ctx, "unparseable decision", "err", err, "response_bytes", len(resp.Text))
		return nil, err
	}

	switch d.Kind {
	case KindAsk:
		L.Info(ctx, "asking clarifying question",
			"turn", conv.TurnCount(),
			"confidence", d.Ask.Confidence,
		)
		// remember exactly what was asked for the next answer
		sess.PendingQuestion = d.Ask.Question
		sess.Phase = PhaseAwaitingAnswer
		return &Reply{SessionID: sess.ID, Type: ReplyAsk, Question: d.Ask.Question}, nil

	case KindEscalate:
		// reasons paraphrase the patient, so only the level is logged
		L.Warn(ctx, "oracle escalated", "level", d.Escalate.Level, "turns", conv.TurnCount())
		action := d.Escalate.Reason
		if action == "" {
			action = escalationAction
		}
		sess.Phase = PhaseEscalated
		return e.complete(ctx, sess, &Result{
			Type:       ResultType,
			Level:      d.Escalate.Level,
			Confidence: acuity.ConfidenceHigh,
			Actions:    []string{action},
			Warnings:   []string{},
		}, SourceEscalation), nil

	default:
		// low confidence still finalizes; the budget is the only hard stop
		L.Info(ctx, "oracle stopped questioning", "turns", conv.TurnCount(), "confidence", d.Stop.Confidence)
		return e.finalize(ctx, sess)
	}
}

// finalize runs final synthesis: query generation, retrieval and the final
// classification. Retrieval trouble degrades to an ungrounded, cautious result.
func (e *Engine) finalize(ctx context.Context, sess *Session) (*Reply, error) {
	L := e.logger.With("session_id", sess.ID)
	conv := sess.Conversation

	// compress the conversation into a search query
	prompt, err := renderQueryPrompt(conv)
	if err != nil {
		return nil, err
	}
	qresp, err := e.call(ctx, sess.ID, PurposeQuery, prompt, queryTokens)
	if err != nil {
		return nil, err
	}
	query := SanitizeQuery(qresp.Text)
	if query == "" {
		// fall back to the patient's own words
		query = SanitizeQuery(conv.BuildSummary())
	}

	// fetch ranked knowledge; failure degrades to an ungrounded synthesis
	docs, rerr := e.retrieve(ctx, sess.ID, query)
	grounded := rerr == nil && len(docs) > 0
	switch {
	case rerr == nil:
	case errors.Is(rerr, retrieval.ErrNoContext):
		L.Info(ctx, "no knowledge matched", "query_bytes", len(query))
	default:
		L.Warn(ctx, "retrieval unavailable, continuing without context", "err", rerr)
	}

	// build the final prompt and classify
	kb, err := renderContext(docs)
	if err != nil {
		return nil, err
	}
	prompt, err = renderFinalPrompt(conv, kb, grounded)
	if err != nil {
		return nil, err
	}
	fresp, err := e.call(ctx, sess.ID, PurposeFinal, prompt, finalTokens)
	if err != nil {
		return nil, err
	}
	result, err := ParseResult(fresp.Text)
	if err != nil {
		L.Warn(ctx, "unparseable final result", "err", err, "response_bytes", len(fresp.Text))
		return nil, err
	}

	result.Grounded = grounded
	if !grounded {
		// without context the answer is never more relaxed than see_gp
		result.Level = acuity.MoreSevere(result.Level, acuity.LevelSeeGP)
		result.Confidence = acuity.ConfidenceLow
	}
	return e.complete(ctx, sess, result, SourceFinal), nil
}

func (e *Engine) complete(ctx context.Context, sess *Session, result *Result, source Source) *Reply {
	result.Source = source
	sess.Result = result
	sess.Phase = PhaseComplete
	sess.PendingQuestion = ""

	turns := 0
	if sess.Conversation != nil {
		turns = sess.Conversation.TurnCount()
	}
	e.logger.Info(ctx, "triage complete",
		"session_id", sess.ID,
		"level", result.Level,
		"confidence", result.Confidence,
		"source", source,
		"grounded", result.Grounded,
		"turns", turns,
	)
	e.hooks.complete(&CompleteEvent{
		SessionID:  sess.ID,
		Level:      result.Level,
		Confidence: result.Confidence,
		Source:     source,
		Turns:      turns,
		Grounded:   result.Grounded,
	})
	return &Reply{SessionID: sess.ID, Type: ReplyTriage, Result: result}
}

func replay(sess *Session) *Reply {
	return &Reply{
		SessionID: sess.ID,
		Type:      ReplyTriage,
		Result:    sess.Result,
		Message:   NoticeAlreadyComplete,
	}
}

// call runs one oracle completion under the per-call timeout and classifies
// its failure.
func (e *Engine) call(ctx context.Context, sessionID string, purpose Purpose, prompt string, maxTokens int) (*OracleResponse, error) {
	ctx, span := tracer.Start(ctx, "oracle.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "chat"),
		attribute.String("carepath.session.id", sessionID),
		attribute.String("carepath.oracle.purpose", string(purpose)),
		attribute.Int("gen_ai.request.max_tokens", maxTokens),
	))
	defer span.End()

	// each oracle call gets its own deadline
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	// call oracle with the rendered prompt
	start := time.Now()
	resp, err := e.oracle.Complete(callCtx, &OracleRequest{
		Purpose:   purpose,
		Prompt:    prompt,
		MaxTokens: maxTokens,
	})
	duration := time.Since(start).Seconds()

	if err != nil {
		// a deadline is reported apart from provider failures
		kind := ErrOracleUnavailable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = ErrOracleTimeout
		}
		err = fmt.Errorf("%w: %s call: %w", kind, purpose, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "oracle call failed")
		e.hooks.oracleCall(purpose, 0, 0, duration, err)
		e.logger.Error(ctx, err, "oracle call failed", "session_id", sessionID, "purpose", purpose)
		return nil, err
	}
	if resp == nil {
		resp = &OracleResponse{}
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	// record token usage
	e.hooks.oracleCall(purpose, resp.Usage.InputTokens, resp.Usage.OutputTokens, duration, nil)
	e.logger.Info(ctx, "oracle response",
		"session_id", sessionID,
		"purpose", purpose,
		"model", resp.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration", duration,
	)
	return resp, nil
}

func (e *Engine) check(ctx context.Context, sessionID, text string) (safety.Match, bool, error) {
	ctx, span := tracer.Start(ctx, "safety.check", trace.WithAttributes(
		attribute.String("carepath.session.id", sessionID),
	))
	defer span.End()

	checkCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	m, hit, err := e.screen.Check(checkCtx, text)
	duration := time.Since(start).Seconds()
	e.hooks.safetyCheck(hit, duration, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "safety check failed")
		return safety.Match{}, false, err
	}
	span.SetAttributes(attribute.Bool("carepath.safety.matched", hit))
	if hit {
		span.SetAttributes(
			attribute.String("carepath.safety.level", string(m.Level)),
			attribute.Float64("carepath.safety.similarity", m.Similarity),
		)
	}
	return m, hit, nil
}

func (e *Engine) retrieve(ctx context.Context, sessionID, query string) ([]retrieval.Document, error) {
	ctx, span := tracer.Start(ctx, "retrieval.search", trace.WithAttributes(
		attribute.String("carepath.session.id", sessionID),
		attribute.Int("carepath.retrieval.query_length", len(query)),
	))
	defer span.End()

	start := time.Now()
	var (
		docs []retrieval.Document
		err  error
	)
	// nothing to search with or for counts as no context
	switch {
	case e.retriever == nil:
		err = fmt.Errorf("%w: no retriever configured", retrieval.ErrUnavailable)
	case strings.TrimSpace(query) == "":
		err = retrieval.ErrNoContext
	default:
		rctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		docs, err = e.retriever.Retrieve(rctx, query)
		cancel()
	}
	e.hooks.retrieval(len(docs), time.Since(start).Seconds(), err)

	if err != nil {
		if !errors.Is(err, retrieval.ErrNoContext) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "retrieval failed")
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("carepath.retrieval.documents", len(docs)))
	return docs, nil
}
