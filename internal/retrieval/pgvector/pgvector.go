// Package pgvector provides a retrieval.Index backed by a PostgreSQL table
// using the pgvector extension's L2 distance operator.
package pgvector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/carepath/internal/retrieval"
)

var tracer = otel.Tracer("github.com/linnemanlabs/carepath/internal/retrieval/pgvector")

// searchSQL orders by L2 distance. position is the document's index in the
// parallel documents file.
const searchSQL = `SELECT position, (embedding <-> $1::vector)::real AS distance
	FROM knowledge_vectors
	ORDER BY embedding <-> $1::vector
	LIMIT $2`

// Index queries knowledge_vectors(position int primary key, embedding vector).
type Index struct {
	pool *pgxpool.Pool
}

// New returns an Index using pool.
func New(pool *pgxpool.Pool) *Index {
	return &Index{pool: pool}
}

// Count returns the number of indexed rows, used at startup to check the
// table against the documents file.
func (i *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := i.pool.QueryRow(ctx, `SELECT count(*) FROM knowledge_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count knowledge_vectors: %w", err)
	}
	return n, nil
}

// Search implements retrieval.Index.
func (i *Index) Search(ctx context.Context, vec []float32, k int) ([]retrieval.Hit, error) {
	ctx, span := tracer.Start(ctx, "pgvector.Search", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.Int("carepath.retrieval.k", k),
	))
	defer span.End()

	if k <= 0 {
		return nil, nil
	}

	rows, err := i.pool.Query(ctx, searchSQL, Literal(vec), k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query knowledge_vectors: %w", err)
	}
	defer rows.Close()

	var hits []retrieval.Hit
	for rows.Next() {
		var h retrieval.Hit
		if err := rows.Scan(&h.Position, &h.Distance); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate hits: %w", err)
	}

	span.SetAttributes(attribute.Int("carepath.retrieval.hits", len(hits)))
	return hits, nil
}

// Literal renders vec in pgvector's text input format, e.g. "[0.1,0.2]".
func Literal(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*8 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
