package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	vc "github.com/linnemanlabs/carepath/internal/cfg"
	"github.com/linnemanlabs/carepath/internal/llm/claude"
	"github.com/linnemanlabs/carepath/internal/llm/genai"
	"github.com/linnemanlabs/carepath/internal/llm/ollama"
	"github.com/linnemanlabs/carepath/internal/llm/openai"
	"github.com/linnemanlabs/carepath/internal/retrieval"
	"github.com/linnemanlabs/carepath/internal/retrieval/pgvector"
	"github.com/linnemanlabs/carepath/internal/safety"
	"github.com/linnemanlabs/carepath/internal/triage"
)

// embedder is satisfied by every embedding provider and by both the safety
// and retrieval Embedder interfaces.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// newOracle builds the language model selected by -oracle-provider.
func newOracle(c *vc.Config) (triage.Oracle, string, error) {
	switch c.OracleProvider {
	case vc.ProviderClaude:
		return claude.New(c.ClaudeAPIKey, c.ClaudeModel), c.ClaudeModel, nil
	case vc.ProviderOpenAI:
		return openai.New(openAIConfig(c)), c.OpenAIChatModel, nil
	case vc.ProviderOllama:
		return ollama.New(c.OllamaEndpoint, c.OllamaChatModel, c.OllamaEmbeddingModel), c.OllamaChatModel, nil
	default:
		return nil, "", fmt.Errorf("unknown oracle provider %q", c.OracleProvider)
	}
}

// newEmbedder builds the embedding model selected by -embedding-provider.
// The same model must have produced the persisted knowledge base vectors.
func newEmbedder(ctx context.Context, c *vc.Config) (embedder, string, error) {
	switch c.EmbeddingProvider {
	case vc.ProviderOllama:
		return ollama.New(c.OllamaEndpoint, c.OllamaChatModel, c.OllamaEmbeddingModel), c.OllamaEmbeddingModel, nil
	case vc.ProviderOpenAI:
		return openai.New(openAIConfig(c)), c.OpenAIEmbeddingModel, nil
	case vc.ProviderGenAI:
		e, err := genai.New(ctx, c.GeminiAPIKey, c.GeminiEmbeddingModel, "")
		if err != nil {
			return nil, "", err
		}
		return e, c.GeminiEmbeddingModel, nil
	default:
		return nil, "", fmt.Errorf("unknown embedding provider %q", c.EmbeddingProvider)
	}
}

func openAIConfig(c *vc.Config) openai.Config {
	return openai.Config{
		APIKey:         c.OpenAIAPIKey,
		BaseURL:        c.OpenAIBaseURL,
		ChatModel:      c.OpenAIChatModel,
		EmbeddingModel: c.OpenAIEmbeddingModel,
	}
}

// loadCatalog returns the operator catalog if configured, else the built-in one.
func loadCatalog(c *vc.Config) (safety.Catalog, error) {
	if c.SafetyCatalogPath == "" {
		return safety.DefaultCatalog(), nil
	}
	return safety.LoadCatalog(c.SafetyCatalogPath)
}

// newRetrieval loads the knowledge base and wires it to the selected index.
// pool is only used by the postgres backend.
func newRetrieval(ctx context.Context, c *vc.Config, emb embedder, pool *pgxpool.Pool) (*retrieval.Engine, int, error) {
	opts := retrieval.Options{K: c.RetrievalK, MaxDocs: c.RetrievalMaxDocs}

	switch c.IndexBackend {
	case vc.IndexMemory:
		docs, idx, err := retrieval.LoadCorpus(c.DocumentsPath, c.VectorsPath)
		if err != nil {
			return nil, 0, err
		}
		eng, err := retrieval.NewEngine(emb, idx, docs, opts)
		return eng, len(docs), err
	case vc.IndexPostgres:
		if pool == nil {
			return nil, 0, fmt.Errorf("postgres index requires a database connection")
		}
		docs, err := retrieval.LoadDocuments(c.DocumentsPath)
		if err != nil {
			return nil, 0, err
		}
		idx := pgvector.New(pool)
		n, err := idx.Count(ctx)
		if err != nil {
			return nil, 0, err
		}
		if n != len(docs) {
			return nil, 0, fmt.Errorf("knowledge_vectors has %d rows but %s has %d documents", n, c.DocumentsPath, len(docs))
		}
		eng, err := retrieval.NewEngine(emb, idx, docs, opts)
		return eng, len(docs), err
	default:
		return nil, 0, fmt.Errorf("unknown index backend %q", c.IndexBackend)
	}
}
