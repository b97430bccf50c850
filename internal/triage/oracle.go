package triage

import (
	"context"

	"github.com/linnemanlabs/carepath/internal/retrieval"
	"github.com/linnemanlabs/carepath/internal/safety"
)

// Purpose identifies why the engine is calling the oracle.
type Purpose string

const (
	PurposeDecision Purpose = "decision"
	PurposeQuery    Purpose = "query"
	PurposeFinal    Purpose = "final"
)

// OracleRequest is a single-prompt completion request.
type OracleRequest struct {
	Purpose   Purpose
	Prompt    string
	MaxTokens int
}

// OracleResponse is the raw text the oracle produced.
type OracleResponse struct {
	Text  string
	Model string
	Usage Usage
}

// Usage tracks token consumption for a single call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Oracle abstracts the language model. Implementations must be safe for
// concurrent use and must honor ctx cancellation and deadlines.
type Oracle interface {
	Complete(ctx context.Context, req *OracleRequest) (*OracleResponse, error)
}

// SafetyScreen is the emergency pre-screen run on the opening complaint.
// *safety.Detector satisfies it.
type SafetyScreen interface {
	Check(ctx context.Context, text string) (safety.Match, bool, error)
}

// Retriever returns reranked knowledge for a query. *retrieval.Engine
// satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]retrieval.Document, error)
}
