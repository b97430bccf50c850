// Package claude implements triage.Oracle on the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/carepath/internal/triage"
)

const systemPrompt = `You support a symptom triage service. You never diagnose. You answer with exactly what the user message asks for, and when it asks for JSON you reply with a single JSON object.`

// Client implements triage.Oracle using the Anthropic SDK.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a new Claude oracle with the given API key and model name.
// Extra request options (base URL, retries) are passed through to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Complete sends a single-prompt request and returns the concatenated text.
func (c *Client) Complete(ctx context.Context, req *triage.OracleRequest) (*triage.OracleResponse, error) {
	msg, err := c.client.Messages.New(ctx, toSDKParams(c.model, req))
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKParams(model string, req *triage.OracleRequest) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
}

func fromSDKResponse(msg *anthropic.Message) *triage.OracleResponse {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &triage.OracleResponse{
		Text:  b.String(),
		Model: string(msg.Model),
		Usage: triage.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
