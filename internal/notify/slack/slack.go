// Package slack posts escalation notices for triage sessions to Slack via
// incoming webhooks. Notices carry the outcome only; symptoms and answers
// never leave the service.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/acuity"
	"github.com/linnemanlabs/carepath/internal/triage"
)

const httpTimeout = 10 * time.Second

// Notifier sends escalated sessions to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts an escalation notice for a completed session.
// If no webhook URL is configured or the session has no result, it returns nil.
func (n *Notifier) Send(ctx context.Context, sess *triage.Session) error {
	if n.webhookURL == "" || sess == nil || sess.Result == nil {
		return nil
	}

	body, err := json.Marshal(buildMessage(sess))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "escalation notice sent", "session_id", sess.ID, "level", sess.Result.Level)
	return nil
}

func buildMessage(s *triage.Session) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(s),
			{"type": "divider"},
			fieldsBlock(s),
			{"type": "divider"},
			listBlock("What to do", s.Result.Actions),
			listBlock("Watch for", s.Result.Warnings),
			{"type": "divider"},
			contextBlock(s),
		},
	}
}

func headerBlock(s *triage.Session) map[string]any {
	text := fmt.Sprintf("%s Escalation: %s", levelEmoji(s.Result.Level), levelTitle(s.Result.Level))
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(s *triage.Session) map[string]any {
	turns, budget := 0, 0
	if s.Conversation != nil {
		turns, budget = s.Conversation.TurnCount(), s.Conversation.TurnBudget()
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Level:* %s", s.Result.Level)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %s", s.Result.Confidence)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Source:* %s", s.Result.Source)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Turns:* %d/%d", turns, budget)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Grounded:* %t", s.Result.Grounded)},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func listBlock(title string, items []string) map[string]any {
	text := "_None._"
	if len(items) > 0 {
		var b strings.Builder
		for _, it := range items {
			b.WriteString("• ")
			b.WriteString(it)
			b.WriteString("\n")
		}
		text = strings.TrimRight(b.String(), "\n")
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s*\n%s", title, text),
		},
	}
}

func contextBlock(s *triage.Session) map[string]any {
	ts := s.UpdatedAt
	if ts.IsZero() {
		ts = s.CreatedAt
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("carepath • session %s • %s", s.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func levelEmoji(l acuity.Level) string {
	switch l {
	case acuity.LevelCall911:
		return "\U0001f534" // red circle
	case acuity.LevelUrgentGP:
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func levelTitle(l acuity.Level) string {
	switch l {
	case acuity.LevelCall911:
		return "call emergency services"
	case acuity.LevelUrgentGP:
		return "urgent GP visit"
	case acuity.LevelSeeGP:
		return "see a GP"
	case acuity.LevelStayHome:
		return "self care"
	default:
		return string(l)
	}
}
