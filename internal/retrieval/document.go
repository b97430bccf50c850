// Package retrieval finds knowledge-base passages relevant to a conversation:
// nearest-neighbour search over pre-embedded documents followed by an
// urgency-tiered re-rank that keeps safety-relevant passages in context.
package retrieval

import "fmt"

// Tier is the urgency classification of a knowledge document.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierHigh, TierMedium, TierLow:
		return true
	}
	return false
}

// Metadata describes where a document came from.
type Metadata struct {
	Condition string `json:"condition"`
	Section   string `json:"section"`
	Urgency   Tier   `json:"urgency"`
}

// Document is one immutable passage of the knowledge base.
type Document struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

func (d Document) validate(pos int) error {
	if !d.Metadata.Urgency.Valid() {
		return fmt.Errorf("document %d: unknown urgency %q", pos, d.Metadata.Urgency)
	}
	return nil
}
