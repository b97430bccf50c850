package triage

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/linnemanlabs/carepath/internal/retrieval"
)

// NoContextMarker replaces the grounding block when retrieval produced nothing.
const NoContextMarker = "NO MEDICAL CONTEXT AVAILABLE"

var decisionTmpl = template.Must(template.New("decision").Funcs(template.FuncMap{"join": strings.Join}).Parse(`You decide the next step of a symptom triage conversation.

Choose exactly one:
- ask ONE short question that resolves the most important remaining uncertainty about urgency
- stop, when enough is known to classify urgency
- escalate, when any red flag below is clearly present

Rules:
- never repeat or rephrase a question already asked
- never ask about something the patient already described
- skip questions that would not change the urgency
- {{.TurnsLeft}} question(s) remain before the conversation ends

Red flags:
{{join .RedFlags ", "}}

Conversation so far:
{{.Memory}}

Patient statements:
{{.Summary}}

Latest patient input:
{{.Latest}}

Reply with a single JSON object and nothing else. One of:
{"type": "ask", "question": "...", "reason": "what this resolves", "confidence": 0.0}
{"type": "escalate", "level": "call_911 or urgent_gp", "reason": "..."}
{"type": "stop", "confidence": 0.0}
`))

var queryTmpl = template.Must(template.New("query").Parse(`Write a short medical search query for retrieving triage guidance about this conversation.
Mention only symptoms that are present. Output the query text only.

Conversation:
{{.Memory}}
`))

var finalTmpl = template.Must(template.New("final").Parse(`You give the final urgency classification for a symptom triage conversation.

Rules:
- do not ask questions and do not diagnose
- pick exactly one level: stay_home, see_gp, urgent_gp, call_911
- base the decision on the medical context below
- be brief and cautious; when the context is insufficient pick the safer level
{{- if not .Grounded}}
- no reference material was found for this case, so lean towards the safer level
{{- end}}

Conversation:
{{.Memory}}

Medical context:
{{.Context}}

Reply with a single JSON object and nothing else:
{"type": "triage", "level": "...", "confidence": "low, medium or high", "what_to_do": ["..."], "watch_for": ["..."]}
`))

var contextTmpl = template.Must(template.New("context").Parse(`{{range $i, $d := .}}{{if $i}}
{{end}}Condition: {{$d.Metadata.Condition}}
Section: {{$d.Metadata.Section}}
Urgency: {{$d.Metadata.Urgency}}
Information: {{$d.Text}}
---{{end}}`))

type decisionInput struct {
	RedFlags  []string
	Memory    string
	Summary   string
	Latest    string
	TurnsLeft int
}

type queryInput struct {
	Memory string
}

type finalInput struct {
	Memory   string
	Context  string
	Grounded bool
}

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return b.String(), nil
}

func renderDecisionPrompt(c *Conversation, latest string) (string, error) {
	return render(decisionTmpl, decisionInput{
		RedFlags:  c.RedFlags(),
		Memory:    c.BuildMemory(),
		Summary:   c.BuildSummary(),
		Latest:    latest,
		TurnsLeft: c.TurnBudget() - c.TurnCount(),
	})
}

func renderQueryPrompt(c *Conversation) (string, error) {
	return render(queryTmpl, queryInput{Memory: c.BuildMemory()})
}

func renderFinalPrompt(c *Conversation, context string, grounded bool) (string, error) {
	return render(finalTmpl, finalInput{
		Memory:   c.BuildMemory(),
		Context:  context,
		Grounded: grounded,
	})
}

// renderContext formats retrieved documents as the grounding block. An empty
// slice renders as NoContextMarker.
func renderContext(docs []retrieval.Document) (string, error) {
	if len(docs) == 0 {
		return NoContextMarker, nil
	}
	return render(contextTmpl, docs)
}
