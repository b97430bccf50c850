package triage

import (
	"context"
	"errors"
)

var (
	// ErrSafetyCheckFailed means the safety screen could not run. The session
	// is never advanced without it.
	ErrSafetyCheckFailed = errors.New("safety check failed")

	// ErrOracleMalformed means the oracle replied but no valid decision or
	// result could be extracted.
	ErrOracleMalformed = errors.New("oracle response malformed")

	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrOracleTimeout     = errors.New("oracle timed out")

	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionActive     = errors.New("session already in progress")
	ErrNoPendingQuestion = errors.New("no pending question")
	ErrInvalidInput      = errors.New("invalid input")
)

// NoticeAlreadyComplete accompanies a replayed result.
const NoticeAlreadyComplete = "Session already completed"

// ErrorKind returns a short, low-cardinality label for err, used for metrics
// and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionActive):
		return "session_active"
	case errors.Is(err, ErrNoPendingQuestion):
		return "no_pending_question"
	case errors.Is(err, ErrSafetyCheckFailed):
		return "safety_check_failed"
	case errors.Is(err, ErrOracleTimeout):
		return "oracle_timeout"
	case errors.Is(err, ErrOracleMalformed):
		return "oracle_malformed"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
