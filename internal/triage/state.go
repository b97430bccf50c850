package triage

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// EmptyHistory is what BuildMemory renders before any turn is recorded.
const EmptyHistory = "None"

// Turn is one question/answer exchange. Turns are never edited once appended.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Conversation is the append-only turn log of a session together with its
// turn budget and the red-flag vocabulary given to the oracle. The turn count
// is always len(turns).
type Conversation struct {
	turns    []Turn
	budget   int
	redFlags []string
}

// NewConversation returns an empty conversation allowing budget turns.
func NewConversation(budget int, redFlags []string) *Conversation {
	return &Conversation{
		budget:   budget,
		redFlags: slices.Clone(redFlags),
	}
}

// AddTurn appends a question/answer pair. The caller supplies the question
// that was actually pending.
func (c *Conversation) AddTurn(question, answer string) {
	c.turns = append(c.turns, Turn{Question: question, Answer: answer})
}

// TurnCount returns the number of recorded turns.
func (c *Conversation) TurnCount() int { return len(c.turns) }

// TurnBudget returns the maximum number of turns before forced finalization.
func (c *Conversation) TurnBudget() int { return c.budget }

// Turns returns a copy of the recorded turns in order.
func (c *Conversation) Turns() []Turn { return slices.Clone(c.turns) }

// RedFlags returns the red-flag vocabulary.
func (c *Conversation) RedFlags() []string { return slices.Clone(c.redFlags) }

// ShouldContinue reports whether another clarifying turn is allowed.
func (c *Conversation) ShouldContinue() bool { return len(c.turns) < c.budget }

// BuildMemory renders every turn as alternating Q/A lines for oracle prompts.
func (c *Conversation) BuildMemory() string {
	if len(c.turns) == 0 {
		return EmptyHistory
	}
	var b strings.Builder
	for i, t := range c.turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Q: %s\nA: %s", t.Question, t.Answer)
	}
	return b.String()
}

// BuildSummary returns only the answers, one per line, so retrieval queries
// built from it carry no question framing.
func (c *Conversation) BuildSummary() string {
	answers := make([]string, len(c.turns))
	for i, t := range c.turns {
		answers[i] = t.Answer
	}
	return strings.Join(answers, "\n")
}

// Clone returns a deep copy of c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	return &Conversation{
		turns:    slices.Clone(c.turns),
		budget:   c.budget,
		redFlags: slices.Clone(c.redFlags),
	}
}

type conversationJSON struct {
	Turns      []Turn   `json:"turns"`
	TurnBudget int      `json:"turn_budget"`
	RedFlags   []string `json:"red_flags,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	turns := c.turns
	if turns == nil {
		turns = []Turn{}
	}
	return json.Marshal(conversationJSON{Turns: turns, TurnBudget: c.budget, RedFlags: c.redFlags})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var w conversationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.TurnBudget < 0 {
		return fmt.Errorf("conversation: negative turn budget %d", w.TurnBudget)
	}
	c.turns = w.Turns
	c.budget = w.TurnBudget
	c.redFlags = w.RedFlags
	return nil
}
