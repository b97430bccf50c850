package triage

import "github.com/linnemanlabs/carepath/internal/acuity"

// EngineHooks are optional callbacks fired by the engine. Nil fields are
// skipped. Durations are in seconds.
type EngineHooks struct {
	OnOracleCall  func(purpose Purpose, inputTokens, outputTokens int, duration float64, err error)
	OnSafetyCheck func(matched bool, duration float64, err error)
	OnRetrieval   func(docs int, duration float64, err error)
	OnComplete    func(e *CompleteEvent)
}

// CompleteEvent describes a session reaching its terminal result.
type CompleteEvent struct {
	SessionID  string
	Level      acuity.Level
	Confidence acuity.Confidence
	Source     Source
	Turns      int
	Grounded   bool
}

func (h EngineHooks) oracleCall(purpose Purpose, in, out int, duration float64, err error) {
	if h.OnOracleCall != nil {
		h.OnOracleCall(purpose, in, out, duration, err)
	}
}

func (h EngineHooks) safetyCheck(matched bool, duration float64, err error) {
	if h.OnSafetyCheck != nil {
		h.OnSafetyCheck(matched, duration, err)
	}
}

func (h EngineHooks) retrieval(docs int, duration float64, err error) {
	if h.OnRetrieval != nil {
		h.OnRetrieval(docs, duration, err)
	}
}

func (h EngineHooks) complete(e *CompleteEvent) {
	if h.OnComplete != nil {
		h.OnComplete(e)
	}
}
