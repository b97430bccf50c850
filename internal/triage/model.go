package triage

import (
	"slices"
	"time"

	"github.com/linnemanlabs/carepath/internal/acuity"
)

// Phase tracks where a session is in the dialogue.
type Phase string

const (
	// PhaseInit means created, nothing evaluated yet
	PhaseInit Phase = "init"

	// PhaseAwaitingAnswer means a clarifying question is pending
	PhaseAwaitingAnswer Phase = "awaiting_answer"

	// PhaseEscalated means an emergency was detected; transient before complete
	PhaseEscalated Phase = "escalated"

	// PhaseComplete means a result is stored and the session is terminal
	PhaseComplete Phase = "complete"
)

// Source records which path produced a Result.
type Source string

const (
	SourceSafetyScreen Source = "safety_screen"
	SourceEscalation   Source = "dialogue_escalation"
	SourceFinal        Source = "final_triage"
)

// ResultType is the discriminant every triage result carries on the wire.
const ResultType = "triage"

// Result is the terminal artifact of a session.
type Result struct {
	Type       string            `json:"type"`
	Level      acuity.Level      `json:"level"`
	Confidence acuity.Confidence `json:"confidence"`
	Actions    []string          `json:"what_to_do"`
	Warnings   []string          `json:"watch_for"`
	Grounded   bool              `json:"grounded"`
	Source     Source            `json:"source,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Actions = slices.Clone(r.Actions)
	cp.Warnings = slices.Clone(r.Warnings)
	return &cp
}

// Session is the mutable per-conversation record owned by the Store.
type Session struct {
	ID              string        `json:"id"`
	Phase           Phase         `json:"phase"`
	Conversation    *Conversation `json:"conversation,omitempty"`
	PendingQuestion string        `json:"pending_question,omitempty"`
	Result          *Result       `json:"result,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Completed reports whether the session holds a final result.
func (s *Session) Completed() bool { return s.Phase == PhaseComplete }

// Clone returns a deep copy of s, so callers can mutate it without touching
// the stored original.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Conversation = s.Conversation.Clone()
	cp.Result = s.Result.Clone()
	return &cp
}
