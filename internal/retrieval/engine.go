package retrieval

import (
	"context"
	"errors"
	"fmt"
)

const (
	// DefaultK is the number of nearest neighbours fetched per query.
	DefaultK = 5

	// DefaultMaxDocs caps the documents handed to the final prompt.
	DefaultMaxDocs = 6
)

var (
	// ErrNoContext means the search succeeded but found nothing to ground on.
	ErrNoContext = errors.New("retrieval: no context")

	// ErrUnavailable means the embedder or index could not be reached.
	ErrUnavailable = errors.New("retrieval: unavailable")
)

// Embedder turns a query into a vector in the same space as the index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	K       int
	MaxDocs int
}

// Engine runs query -> embed -> kNN -> rerank. It holds no mutable state.
type Engine struct {
	embedder Embedder
	index    Index
	docs     []Document
	k        int
	maxDocs  int
}

// NewEngine wires an embedder and index to the corpus the index was built from.
func NewEngine(embedder Embedder, index Index, docs []Document, opts Options) (*Engine, error) {
	if embedder == nil {
		return nil, errors.New("retrieval: embedder is required")
	}
	if index == nil {
		return nil, errors.New("retrieval: index is required")
	}
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.MaxDocs <= 0 {
		opts.MaxDocs = DefaultMaxDocs
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		docs:     docs,
		k:        opts.K,
		maxDocs:  opts.MaxDocs,
	}, nil
}

// Retrieve returns the re-ranked documents for query. An empty result is
// reported as ErrNoContext; backend failures wrap ErrUnavailable.
func (e *Engine) Retrieve(ctx context.Context, query string) ([]Document, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrUnavailable, err)
	}

	hits, err := e.index.Search(ctx, vec, e.k)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrUnavailable, err)
	}

	docs := make([]Document, 0, len(hits))
	for _, h := range hits {
		if h.Position < 0 || h.Position >= len(e.docs) {
			return nil, fmt.Errorf("%w: index position %d outside corpus of %d documents", ErrUnavailable, h.Position, len(e.docs))
		}
		docs = append(docs, e.docs[h.Position])
	}

	docs = Rerank(docs, e.maxDocs)
	if len(docs) == 0 {
		return nil, ErrNoContext
	}
	return docs, nil
}

// Rerank orders docs high, then medium, then low urgency, keeping the
// original order inside each tier, and truncates to maxDocs.
func Rerank(docs []Document, maxDocs int) []Document {
	if maxDocs <= 0 {
		return nil
	}

	var high, medium, low []Document
	for _, d := range docs {
		switch d.Metadata.Urgency {
		case TierHigh:
			high = append(high, d)
		case TierMedium:
			medium = append(medium, d)
		default:
			low = append(low, d)
		}
	}

	out := make([]Document, 0, min(len(docs), maxDocs))
	for _, bucket := range [][]Document{high, medium, low} {
		for _, d := range bucket {
			if len(out) == maxDocs {
				return out
			}
			out = append(out, d)
		}
	}
	return out
}
