// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/carepath/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/carepath/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// lockConns caps the separate pool that holds advisory locks. Each in-flight
// request pins one of these for its whole duration, so the cap is also the
// number of sessions that can advance concurrently per process.
const lockConns = 64

// Store persists triage sessions in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	// locks holds session advisory locks. Keeping them off pool means a lock
	// holder can always get a connection for its reads and writes.
	locks *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// pool; the Store owns its lock pool and releases it on Close.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	lcfg := pool.Config()
	lcfg.MaxConns = lockConns
	lcfg.MinConns = 0
	locks, err := pgxpool.NewWithConfig(ctx, lcfg)
	if err != nil {
		return nil, fmt.Errorf("create lock pool: %w", err)
	}
	return &Store{pool: pool, locks: locks}, nil
}

// Close releases the lock pool.
func (s *Store) Close() {
	s.locks.Close()
}

// unlockTimeout bounds releasing an advisory lock after the request context
// is gone.
const unlockTimeout = 5 * time.Second

// LockSession takes a session-scoped advisory lock keyed by the session ID on
// a dedicated pooled connection and holds it until unlock is called. It
// blocks while another process holds the same session.
func (s *Store) LockSession(ctx context.Context, id string) (func(), error) {
	ctx, span := tracer.Start(ctx, "pgstore.LockSession", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	conn, err := s.locks.Acquire(ctx)
	if err != nil {
		err = fmt.Errorf("acquire lock connection: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, id); err != nil {
		// a cancelled wait can leave the connection mid-query
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
		err = fmt.Errorf("advisory lock: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
			defer cancel()
			if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, id); err != nil {
				// closing the session drops every advisory lock it holds
				_ = conn.Conn().Close(uctx)
			}
			conn.Release()
		})
	}, nil
}

const sessionColumns = `id, phase, pending_question, conversation, result, created_at, updated_at`

// Get retrieves a session by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Session, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + sessionColumns + ` FROM triage_sessions WHERE id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if sess == nil {
		return nil, false, nil
	}
	return sess, true, nil
}

// Put inserts or replaces a session.
func (s *Store) Put(ctx context.Context, sess *triage.Session) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	convJSON, resultJSON, err := encodeSession(sess)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	var level *string
	if sess.Result != nil {
		l := string(sess.Result.Level)
		level = &l
	}

	query := `INSERT INTO triage_sessions (
		id, phase, pending_question, conversation, result, level, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id) DO UPDATE SET
		phase            = EXCLUDED.phase,
		pending_question = EXCLUDED.pending_question,
		conversation     = EXCLUDED.conversation,
		result           = EXCLUDED.result,
		level            = EXCLUDED.level,
		updated_at       = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		sess.ID, string(sess.Phase), sess.PendingQuestion, convJSON, resultJSON, level,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		err = fmt.Errorf("upsert session: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Delete removes a session. Deleting a missing ID is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "pgstore.Delete", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM triage_sessions WHERE id = $1`, id); err != nil {
		err = fmt.Errorf("delete session: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// DeleteBefore removes sessions last updated before cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "pgstore.DeleteBefore", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM triage_sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		err = fmt.Errorf("delete sessions before %s: %w", cutoff.Format(time.RFC3339), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	n := int(tag.RowsAffected())
	span.SetAttributes(attribute.Int("db.rows_affected", n))
	return n, nil
}

func encodeSession(sess *triage.Session) (conv, result []byte, err error) {
	if sess.Conversation != nil {
		if conv, err = json.Marshal(sess.Conversation); err != nil {
			return nil, nil, fmt.Errorf("marshal conversation: %w", err)
		}
	}
	if sess.Result != nil {
		if result, err = json.Marshal(sess.Result); err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return conv, result, nil
}

// scanSession scans a single row into a Session.
// Returns (nil, nil) when no row is found.
func scanSession(row pgx.Row) (*triage.Session, error) {
	var (
		sess       triage.Session
		phase      string
		convJSON   []byte
		resultJSON []byte
	)
	err := row.Scan(&sess.ID, &phase, &sess.PendingQuestion, &convJSON, &resultJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	sess.Phase = triage.Phase(phase)

	if len(convJSON) > 0 {
		sess.Conversation = &triage.Conversation{}
		if err := json.Unmarshal(convJSON, sess.Conversation); err != nil {
			return nil, fmt.Errorf("unmarshal conversation: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		sess.Result = &triage.Result{}
		if err := json.Unmarshal(resultJSON, sess.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &sess, nil
}
