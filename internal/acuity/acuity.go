// Package acuity defines the urgency vocabulary shared by the safety screen,
// the dialogue engine and the API: escalation levels and result confidence.
package acuity

import "fmt"

// Level is a triage outcome, ordered by severity.
type Level string

const (
	// LevelStayHome means self-care at home is appropriate.
	LevelStayHome Level = "stay_home"

	// LevelSeeGP means book a routine appointment.
	LevelSeeGP Level = "see_gp"

	// LevelUrgentGP means same-day medical attention.
	LevelUrgentGP Level = "urgent_gp"

	// LevelCall911 means call emergency services now.
	LevelCall911 Level = "call_911"
)

// Levels lists every level from most to least severe.
var Levels = []Level{LevelCall911, LevelUrgentGP, LevelSeeGP, LevelStayHome}

// Rank returns the severity of l, higher is more severe. Unknown levels rank 0.
func (l Level) Rank() int {
	switch l {
	case LevelCall911:
		return 4
	case LevelUrgentGP:
		return 3
	case LevelSeeGP:
		return 2
	case LevelStayHome:
		return 1
	default:
		return 0
	}
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l.Rank() > 0 }

// ParseLevel validates s as a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown triage level %q", s)
	}
	return l, nil
}

// MoreSevere returns whichever of a and b is more cautious.
func MoreSevere(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Confidence is the self-reported certainty attached to a final result.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ParseConfidence validates s as a Confidence.
func ParseConfidence(s string) (Confidence, error) {
	switch c := Confidence(s); c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return c, nil
	default:
		return "", fmt.Errorf("unknown confidence %q", s)
	}
}
