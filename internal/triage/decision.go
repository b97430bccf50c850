package triage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/linnemanlabs/carepath/internal/acuity"
)

// DecisionKind discriminates the Decision variant.
type DecisionKind string

const (
	KindAsk      DecisionKind = "ask"
	KindEscalate DecisionKind = "escalate"
	KindStop     DecisionKind = "stop"
)

// Decision is the oracle's per-turn choice. Exactly one of Ask, Escalate or
// Stop is set, matching Kind.
type Decision struct {
	Kind     DecisionKind
	Ask      *AskDecision
	Escalate *EscalateDecision
	Stop     *StopDecision
}

type AskDecision struct {
	Question   string
	Reason     string
	Confidence float64
}

type EscalateDecision struct {
	Level  acuity.Level
	Reason string
}

type StopDecision struct {
	Confidence float64
}

type wireDecision struct {
	Type       string          `json:"type"`
	Question   string          `json:"question"`
	Reason     string          `json:"reason"`
	Level      string          `json:"level"`
	Confidence json.RawMessage `json:"confidence"`
}

// ParseDecision extracts and validates a Decision from raw oracle text.
// Every failure wraps ErrOracleMalformed.
func ParseDecision(text string) (Decision, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: decision: %w", ErrOracleMalformed, err)
	}
	var w wireDecision
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Decision{}, fmt.Errorf("%w: decision: %w", ErrOracleMalformed, err)
	}

	switch DecisionKind(strings.ToLower(strings.TrimSpace(w.Type))) {
	case KindAsk:
		q := strings.TrimSpace(w.Question)
		if q == "" {
			return Decision{}, fmt.Errorf("%w: ask decision without a question", ErrOracleMalformed)
		}
		return Decision{Kind: KindAsk, Ask: &AskDecision{
			Question:   q,
			Reason:     strings.TrimSpace(w.Reason),
			Confidence: parseScore(w.Confidence),
		}}, nil
	case KindEscalate:
		lvl, err := acuity.ParseLevel(strings.ToLower(strings.TrimSpace(w.Level)))
		if err != nil {
			return Decision{}, fmt.Errorf("%w: escalate: %w", ErrOracleMalformed, err)
		}
		if lvl != acuity.LevelUrgentGP && lvl != acuity.LevelCall911 {
			return Decision{}, fmt.Errorf("%w: escalate to non-urgent level %q", ErrOracleMalformed, lvl)
		}
		return Decision{Kind: KindEscalate, Escalate: &EscalateDecision{
			Level:  lvl,
			Reason: strings.TrimSpace(w.Reason),
		}}, nil
	case KindStop:
		return Decision{Kind: KindStop, Stop: &StopDecision{Confidence: parseScore(w.Confidence)}}, nil
	default:
		return Decision{}, fmt.Errorf("%w: unknown decision type %q", ErrOracleMalformed, w.Type)
	}
}

// parseScore reads a confidence score sent either as a number or a quoted
// number. Anything else reads as 0.
func parseScore(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return 0
}

// stringList accepts either a JSON array of strings or a single string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func (l stringList) clean() []string {
	out := make([]string, 0, len(l))
	for _, s := range l {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type wireResult struct {
	Level      string     `json:"level"`
	Confidence string     `json:"confidence"`
	Actions    stringList `json:"what_to_do"`
	Warnings   stringList `json:"watch_for"`
}

// ParseResult extracts and validates a final triage Result from raw oracle
// text. Grounded and Source are left for the caller to set.
func ParseResult(text string) (*Result, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: result: %w", ErrOracleMalformed, err)
	}
	var w wireResult
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("%w: result: %w", ErrOracleMalformed, err)
	}
	lvl, err := acuity.ParseLevel(strings.ToLower(strings.TrimSpace(w.Level)))
	if err != nil {
		return nil, fmt.Errorf("%w: result: %w", ErrOracleMalformed, err)
	}
	conf, err := acuity.ParseConfidence(strings.ToLower(strings.TrimSpace(w.Confidence)))
	if err != nil {
		return nil, fmt.Errorf("%w: result: %w", ErrOracleMalformed, err)
	}
	actions := w.Actions.clean()
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: result has no what_to_do entries", ErrOracleMalformed)
	}
	return &Result{
		Type:       ResultType,
		Level:      lvl,
		Confidence: conf,
		Actions:    actions,
		Warnings:   w.Warnings.clean(),
	}, nil
}

var (
	errNoJSON      = errors.New("no JSON object found")
	errInvalidJSON = errors.New("first balanced object is not valid JSON")
)

// ExtractJSON returns the first balanced {...} object in text. Braces inside
// string literals, including escaped quotes, do not count toward nesting. If
// that object is not valid JSON the extraction fails; later objects are never
// tried.
func ExtractJSON(text string) (string, error) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end, ok := balancedEnd(text, start); ok {
			candidate := text[start : end+1]
			if !json.Valid([]byte(candidate)) {
				return "", errInvalidJSON
			}
			return candidate, nil
		}
		// an unclosed brace can still contain a balanced object
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", errNoJSON
}

// balancedEnd scans from the '{' at start and returns the index of the brace
// that closes it.
func balancedEnd(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// SanitizeQuery keeps letters, digits, spaces, commas and hyphens, collapses
// runs of whitespace and trims the result.
func SanitizeQuery(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ',', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '\n', r == '\t', r == '\r':
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
