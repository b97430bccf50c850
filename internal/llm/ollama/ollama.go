// Package ollama implements triage.Oracle and text embedding against a local
// Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/carepath/internal/triage"
)

const (
	DefaultEndpoint       = "http://localhost:11434"
	DefaultChatModel      = "qwen2.5:7b-instruct"
	DefaultEmbeddingModel = "all-minilm"

	httpTimeout = 120 * time.Second
)

// Client talks to the Ollama HTTP API.
type Client struct {
	endpoint       string
	chatModel      string
	embeddingModel string
	client         *http.Client
}

// New creates an Ollama client. Empty arguments select the defaults.
func New(endpoint, chatModel, embeddingModel string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}
	return &Client{
		endpoint:       strings.TrimRight(endpoint, "/"),
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		client:         &http.Client{Timeout: httpTimeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Complete sends the prompt as a single user message.
func (c *Client) Complete(ctx context.Context, req *triage.OracleRequest) (*triage.OracleResponse, error) {
	body := chatRequest{
		Model:    c.chatModel,
		Messages: []chatMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.MaxTokens > 0 {
		body.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	var out chatResponse
	if err := c.post(ctx, "/api/chat", body, &out); err != nil {
		return nil, err
	}
	return &triage.OracleResponse{
		Text:  out.Message.Content,
		Model: out.Model,
		Usage: triage.Usage{
			InputTokens:  out.PromptEvalCount,
			OutputTokens: out.EvalCount,
		},
	}, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var out embedResponse
	if err := c.post(ctx, "/api/embeddings", embedRequest{Model: c.embeddingModel, Prompt: text}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New("ollama: empty embedding")
	}
	return out.Embedding, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req) //nolint:gosec // endpoint is from trusted config
	if err != nil {
		return fmt.Errorf("ollama: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama: %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama: decode %s response: %w", path, err)
	}
	return nil
}
