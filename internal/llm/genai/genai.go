// Package genai embeds text with Google's Gemini embedding models.
package genai

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-embedding-001"

// Embedder generates embeddings through the Gemini API.
type Embedder struct {
	client   *genai.Client
	model    string
	taskType genai.TaskType
}

// New creates a Gemini embedder. taskType is one of the Gemini task names;
// empty selects SEMANTIC_SIMILARITY.
func New(ctx context.Context, apiKey, model, taskType string) (*Embedder, error) {
	if apiKey == "" {
		return nil, errors.New("genai: API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	task, err := parseTaskType(taskType)
	if err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: create client: %w", err)
	}
	return &Embedder{client: client, model: model, taskType: task}, nil
}

// Embed returns the embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentRequest{
		TaskType: e.taskType,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: embed: %w", err)
	}
	return firstVector(resp)
}

func firstVector(resp *genai.EmbedContentResponse) ([]float32, error) {
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, errors.New("genai: no embeddings returned")
	}
	if len(resp.Embeddings[0].Values) == 0 {
		return nil, errors.New("genai: empty embedding")
	}
	return resp.Embeddings[0].Values, nil
}

func parseTaskType(s string) (genai.TaskType, error) {
	switch s {
	case "", string(genai.TaskTypeSemanticSimilarity):
		return genai.TaskTypeSemanticSimilarity, nil
	case string(genai.TaskTypeRetrievalQuery):
		return genai.TaskTypeRetrievalQuery, nil
	case string(genai.TaskTypeRetrievalDocument):
		return genai.TaskTypeRetrievalDocument, nil
	case string(genai.TaskTypeClassification):
		return genai.TaskTypeClassification, nil
	case string(genai.TaskTypeClustering):
		return genai.TaskTypeClustering, nil
	default:
		return "", fmt.Errorf("genai: unknown task type %q", s)
	}
}
