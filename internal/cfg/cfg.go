package cfg

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"time"
)

// Provider and backend names accepted by the selection flags.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGenAI  = "genai"

	IndexMemory   = "memory"
	IndexPostgres = "postgres"
)

var (
	oracleProviders    = []string{ProviderClaude, ProviderOpenAI, ProviderOllama}
	embeddingProviders = []string{ProviderOllama, ProviderOpenAI, ProviderGenAI}
	indexBackends      = []string{IndexMemory, IndexPostgres}
)

// Config holds the application settings for the triage server. go-core
// packages register their own flags alongside these.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	OracleProvider    string
	EmbeddingProvider string
	IndexBackend      string

	ClaudeAPIKey string
	ClaudeModel  string

	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIChatModel      string
	OpenAIEmbeddingModel string

	GeminiAPIKey         string
	GeminiEmbeddingModel string

	OllamaEndpoint       string
	OllamaChatModel      string
	OllamaEmbeddingModel string

	TurnBudget    int
	CallTimeout   time.Duration
	SessionTTL    time.Duration
	SweepInterval time.Duration

	SafetyCatalogPath string
	SafetyThreshold   float64

	DocumentsPath    string
	VectorsPath      string
	RetrievalK       int
	RetrievalMaxDocs int

	DatabaseURL     string
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 (empty = no auth)")

	fs.StringVar(&c.OracleProvider, "oracle-provider", ProviderClaude, "language model for dialogue and triage (claude|openai|ollama)")
	fs.StringVar(&c.EmbeddingProvider, "embedding-provider", ProviderOllama, "embedding model for safety screen and retrieval (ollama|openai|genai)")
	fs.StringVar(&c.IndexBackend, "index-backend", IndexMemory, "vector index backend (memory|postgres)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")

	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI provider")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "override for the OpenAI API base URL")
	fs.StringVar(&c.OpenAIChatModel, "openai-chat-model", "gpt-4o-mini", "OpenAI chat model")
	fs.StringVar(&c.OpenAIEmbeddingModel, "openai-embedding-model", "text-embedding-3-small", "OpenAI embedding model")

	fs.StringVar(&c.GeminiAPIKey, "gemini-api-key", "", "API key for Gemini embeddings")
	fs.StringVar(&c.GeminiEmbeddingModel, "gemini-embedding-model", "gemini-embedding-001", "Gemini embedding model")

	fs.StringVar(&c.OllamaEndpoint, "ollama-endpoint", "http://localhost:11434", "Ollama server URL")
	fs.StringVar(&c.OllamaChatModel, "ollama-chat-model", "qwen2.5:7b-instruct", "Ollama chat model")
	fs.StringVar(&c.OllamaEmbeddingModel, "ollama-embedding-model", "all-minilm", "Ollama embedding model")

	fs.IntVar(&c.TurnBudget, "turn-budget", 4, "maximum dialogue turns per session, opening complaint included (1..20)")
	fs.DurationVar(&c.CallTimeout, "call-timeout", 60*time.Second, "timeout for a single language model call")
	fs.DurationVar(&c.SessionTTL, "session-ttl", 24*time.Hour, "age after which idle sessions are swept (0 = keep forever)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 10*time.Minute, "how often expired sessions are swept")

	fs.StringVar(&c.SafetyCatalogPath, "safety-catalog", "", "YAML emergency catalog (empty = built-in)")
	fs.Float64Var(&c.SafetyThreshold, "safety-threshold", 0.85, "cosine similarity that triggers an emergency match (0..1]")

	fs.StringVar(&c.DocumentsPath, "documents-path", "data/documents.json", "knowledge base documents file")
	fs.StringVar(&c.VectorsPath, "vectors-path", "data/vectors.json", "knowledge base vectors file (memory index)")
	fs.IntVar(&c.RetrievalK, "retrieval-k", 5, "nearest neighbours fetched per query")
	fs.IntVar(&c.RetrievalMaxDocs, "retrieval-max-docs", 6, "documents kept after re-ranking")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for escalation notices")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	errs = append(errs, c.validateProviders()...)

	if c.TurnBudget < 1 || c.TurnBudget > 20 {
		errs = append(errs, fmt.Errorf("invalid TURN_BUDGET %d (must be 1..20)", c.TurnBudget))
	}
	if c.CallTimeout <= 0 || c.CallTimeout > 10*time.Minute {
		errs = append(errs, fmt.Errorf("invalid CALL_TIMEOUT %s (must be >0 and <=10m)", c.CallTimeout))
	}
	if c.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid SESSION_TTL %s (must be >=0)", c.SessionTTL))
	}
	if c.SessionTTL > 0 && c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL %s (must be >0 when SESSION_TTL is set)", c.SweepInterval))
	}

	if c.SafetyThreshold <= 0 || c.SafetyThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid SAFETY_THRESHOLD %g (must be in (0,1])", c.SafetyThreshold))
	}

	if c.DocumentsPath == "" {
		errs = append(errs, errors.New("DOCUMENTS_PATH is required"))
	}
	if c.RetrievalK < 1 {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_K %d (must be >=1)", c.RetrievalK))
	}
	if c.RetrievalMaxDocs < 1 {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_MAX_DOCS %d (must be >=1)", c.RetrievalMaxDocs))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Config) validateProviders() []error {
	var errs []error

	switch {
	case !slices.Contains(oracleProviders, c.OracleProvider):
		errs = append(errs, fmt.Errorf("invalid ORACLE_PROVIDER %q (must be one of %v)", c.OracleProvider, oracleProviders))
	case c.OracleProvider == ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for the claude oracle"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required for the claude oracle"))
		}
	case c.OracleProvider == ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai oracle"))
		}
	case c.OracleProvider == ProviderOllama:
		if c.OllamaEndpoint == "" {
			errs = append(errs, errors.New("OLLAMA_ENDPOINT is required for the ollama oracle"))
		}
	}

	switch {
	case !slices.Contains(embeddingProviders, c.EmbeddingProvider):
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_PROVIDER %q (must be one of %v)", c.EmbeddingProvider, embeddingProviders))
	case c.EmbeddingProvider == ProviderOpenAI && c.OpenAIAPIKey == "":
		errs = append(errs, errors.New("OPENAI_API_KEY is required for openai embeddings"))
	case c.EmbeddingProvider == ProviderGenAI && c.GeminiAPIKey == "":
		errs = append(errs, errors.New("GEMINI_API_KEY is required for genai embeddings"))
	case c.EmbeddingProvider == ProviderOllama && c.OllamaEndpoint == "":
		errs = append(errs, errors.New("OLLAMA_ENDPOINT is required for ollama embeddings"))
	}

	switch {
	case !slices.Contains(indexBackends, c.IndexBackend):
		errs = append(errs, fmt.Errorf("invalid INDEX_BACKEND %q (must be one of %v)", c.IndexBackend, indexBackends))
	case c.IndexBackend == IndexPostgres && c.DatabaseURL == "":
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres index"))
	case c.IndexBackend == IndexMemory && c.VectorsPath == "":
		errs = append(errs, errors.New("VECTORS_PATH is required for the memory index"))
	}

	return errs
}
