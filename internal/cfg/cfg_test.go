package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

// defaults returns a Config populated from the registered flag defaults.
func defaults(t *testing.T) Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}
	return c
}

// validBase returns a Config with all required fields set to valid values.
func validBase(t *testing.T) Config {
	t.Helper()
	c := defaults(t)
	c.ClaudeAPIKey = "sk-test-key"
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	c := defaults(t)

	checks := []struct {
		name      string
		got, want any
	}{
		{"DrainSeconds", c.DrainSeconds, 60},
		{"ShutdownBudgetSeconds", c.ShutdownBudgetSeconds, 90},
		{"APIPort", c.APIPort, 8080},
		{"OracleProvider", c.OracleProvider, ProviderClaude},
		{"EmbeddingProvider", c.EmbeddingProvider, ProviderOllama},
		{"IndexBackend", c.IndexBackend, IndexMemory},
		{"TurnBudget", c.TurnBudget, 4},
		{"CallTimeout", c.CallTimeout, 60 * time.Second},
		{"SafetyThreshold", c.SafetyThreshold, 0.85},
		{"RetrievalK", c.RetrievalK, 5},
		{"RetrievalMaxDocs", c.RetrievalMaxDocs, 6},
		{"OllamaEmbeddingModel", c.OllamaEmbeddingModel, "all-minilm"},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s = %v, want %v", ck.name, ck.got, ck.want)
		}
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-http-port", "9090",
		"-oracle-provider", "openai",
		"-embedding-provider", "genai",
		"-index-backend", "postgres",
		"-turn-budget", "6",
		"-call-timeout", "15s",
		"-safety-threshold", "0.9",
		"-api-token", "tok",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.OracleProvider != ProviderOpenAI || c.EmbeddingProvider != ProviderGenAI || c.IndexBackend != IndexPostgres {
		t.Errorf("providers = %q/%q/%q", c.OracleProvider, c.EmbeddingProvider, c.IndexBackend)
	}
	if c.TurnBudget != 6 || c.CallTimeout != 15*time.Second || c.SafetyThreshold != 0.9 {
		t.Errorf("dialogue settings = %d/%s/%g", c.TurnBudget, c.CallTimeout, c.SafetyThreshold)
	}
	if c.APIToken != "tok" {
		t.Errorf("APIToken = %q", c.APIToken)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(c *Config)
		errSubstr []string // empty means valid
	}{
		{"defaults with key are valid", func(*Config) {}, nil},
		{"drain zero", func(c *Config) { c.DrainSeconds = 0 }, []string{"DRAIN_SECONDS"}},
		{"drain above max", func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 300 }, []string{"DRAIN_SECONDS"}},
		{"budget above max", func(c *Config) { c.ShutdownBudgetSeconds = 301 }, []string{"SHUTDOWN_BUDGET_SECONDS"}},
		{"budget equals drain", func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds }, []string{"must be greater than"}},
		{"budget is drain plus one", func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds + 1 }, nil},
		{"port zero", func(c *Config) { c.APIPort = 0 }, []string{"HTTP_PORT"}},
		{"port above max", func(c *Config) { c.APIPort = 65536 }, []string{"HTTP_PORT"}},
		{"unknown oracle", func(c *Config) { c.OracleProvider = "gpt" }, []string{"ORACLE_PROVIDER"}},
		{"claude without key", func(c *Config) { c.ClaudeAPIKey = "" }, []string{"CLAUDE_API_KEY"}},
		{"claude without model", func(c *Config) { c.ClaudeModel = "" }, []string{"CLAUDE_MODEL"}},
		{"openai oracle without key", func(c *Config) { c.OracleProvider = ProviderOpenAI }, []string{"OPENAI_API_KEY"}},
		{"openai oracle with key", func(c *Config) { c.OracleProvider = ProviderOpenAI; c.OpenAIAPIKey = "k" }, nil},
		{"ollama oracle needs no key", func(c *Config) { c.OracleProvider = ProviderOllama; c.ClaudeAPIKey = "" }, nil},
		{"unknown embedder", func(c *Config) { c.EmbeddingProvider = "bert" }, []string{"EMBEDDING_PROVIDER"}},
		{"genai without key", func(c *Config) { c.EmbeddingProvider = ProviderGenAI }, []string{"GEMINI_API_KEY"}},
		{"openai embeddings without key", func(c *Config) { c.EmbeddingProvider = ProviderOpenAI }, []string{"OPENAI_API_KEY"}},
		{"ollama without endpoint", func(c *Config) { c.OllamaEndpoint = "" }, []string{"OLLAMA_ENDPOINT"}},
		{"unknown index", func(c *Config) { c.IndexBackend = "faiss" }, []string{"INDEX_BACKEND"}},
		{"postgres index without database", func(c *Config) { c.IndexBackend = IndexPostgres }, []string{"DATABASE_URL"}},
		{"postgres index with database", func(c *Config) { c.IndexBackend = IndexPostgres; c.DatabaseURL = "postgres://x" }, nil},
		{"memory index without vectors", func(c *Config) { c.VectorsPath = "" }, []string{"VECTORS_PATH"}},
		{"turn budget zero", func(c *Config) { c.TurnBudget = 0 }, []string{"TURN_BUDGET"}},
		{"turn budget one", func(c *Config) { c.TurnBudget = 1 }, nil},
		{"turn budget above max", func(c *Config) { c.TurnBudget = 21 }, []string{"TURN_BUDGET"}},
		{"call timeout zero", func(c *Config) { c.CallTimeout = 0 }, []string{"CALL_TIMEOUT"}},
		{"call timeout huge", func(c *Config) { c.CallTimeout = time.Hour }, []string{"CALL_TIMEOUT"}},
		{"negative ttl", func(c *Config) { c.SessionTTL = -time.Second }, []string{"SESSION_TTL"}},
		{"ttl without sweep", func(c *Config) { c.SweepInterval = 0 }, []string{"SWEEP_INTERVAL"}},
		{"no ttl without sweep", func(c *Config) { c.SessionTTL = 0; c.SweepInterval = 0 }, nil},
		{"threshold zero", func(c *Config) { c.SafetyThreshold = 0 }, []string{"SAFETY_THRESHOLD"}},
		{"threshold one", func(c *Config) { c.SafetyThreshold = 1 }, nil},
		{"threshold above one", func(c *Config) { c.SafetyThreshold = 1.01 }, []string{"SAFETY_THRESHOLD"}},
		{"no documents", func(c *Config) { c.DocumentsPath = "" }, []string{"DOCUMENTS_PATH"}},
		{"k zero", func(c *Config) { c.RetrievalK = 0 }, []string{"RETRIEVAL_K"}},
		{"max docs zero", func(c *Config) { c.RetrievalMaxDocs = 0 }, []string{"RETRIEVAL_MAX_DOCS"}},
		{
			"multiple errors joined",
			func(c *Config) { c.APIPort = 0; c.TurnBudget = 0; c.ClaudeAPIKey = "" },
			[]string{"HTTP_PORT", "TURN_BUDGET", "CLAUDE_API_KEY"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := validBase(t)
			tt.mutate(&c)
			err := c.Validate()

			if len(tt.errSubstr) == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %v", tt.errSubstr)
			}
			for _, s := range tt.errSubstr {
				if !strings.Contains(err.Error(), s) {
					t.Errorf("error %q does not contain %q", err.Error(), s)
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	f.Add(60, 90, 8080, 4, 0.85, "claude", "sk")
	f.Add(0, 0, 0, 0, 0.0, "", "")
	f.Add(300, 300, 65536, 21, 1.5, "openai", "")
	f.Add(1, 2, 1, 1, 1.0, "ollama", "")

	f.Fuzz(func(t *testing.T, drain, budget, port, turns int, threshold float64, oracle, key string) {
		c := Config{
			DrainSeconds:          drain,
			ShutdownBudgetSeconds: budget,
			APIPort:               port,
			OracleProvider:        oracle,
			EmbeddingProvider:     ProviderOllama,
			IndexBackend:          IndexMemory,
			ClaudeAPIKey:          key,
			ClaudeModel:           "m",
			OpenAIAPIKey:          key,
			OllamaEndpoint:        "http://localhost:11434",
			TurnBudget:            turns,
			CallTimeout:           time.Minute,
			SafetyThreshold:       threshold,
			DocumentsPath:         "d.json",
			VectorsPath:           "v.json",
			RetrievalK:            5,
			RetrievalMaxDocs:      6,
		}
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		turnsOK := turns >= 1 && turns <= 20
		thresholdOK := threshold > 0 && threshold <= 1
		oracleOK := oracle == ProviderOllama || ((oracle == ProviderClaude || oracle == ProviderOpenAI) && key != "")

		allValid := drainOK && budgetOK && portOK && crossOK && turnsOK && thresholdOK && oracleOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
