// Package openai implements triage.Oracle and text embedding on the OpenAI API
// or any endpoint compatible with it.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/linnemanlabs/carepath/internal/triage"
)

const (
	DefaultChatModel      = "gpt-4o-mini"
	DefaultEmbeddingModel = "text-embedding-3-small"
)

// Client calls the OpenAI API for chat completions and embeddings.
type Client struct {
	client         *openai.Client
	chatModel      string
	embeddingModel string
	temperature    float32
}

// Config holds connection settings. BaseURL may point at any compatible server.
type Config struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
}

// New constructs an OpenAI-backed client.
func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	return &Client{
		client:         openai.NewClientWithConfig(oc),
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    0.2,
	}
}

// Complete sends a single user prompt and returns the assistant reply.
func (c *Client) Complete(ctx context.Context, req *triage.OracleRequest) (*triage.OracleResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, toChatRequest(c.chatModel, c.temperature, req))
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	return fromChatResponse(resp)
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}

func toChatRequest(model string, temperature float32, req *triage.OracleRequest) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
}

func fromChatResponse(resp openai.ChatCompletionResponse) (*triage.OracleResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: no choices returned")
	}
	return &triage.OracleResponse{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: triage.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
