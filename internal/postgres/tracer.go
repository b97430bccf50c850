package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// QueryObserver receives one observation per finished query.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

type observerBox struct{ QueryObserver }

var observer atomic.Pointer[observerBox]

// SetQueryObserver installs the process-wide observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerBox{o})
}

func currentObserver() QueryObserver {
	if b := observer.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

// ReqDBStats accumulates the queries issued while serving one request.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

type statsKey struct{}
type methodKey struct{}
type queryKey struct{}

// NewReqDBStatsContext returns ctx with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, statsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext returns the ReqDBStats attached to ctx, if any.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(statsKey{}).(*ReqDBStats)
	return s, ok
}

// WithHTTPMethod records the HTTP method for query metric labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, methodKey{}, method)
}

func httpMethodFromContext(ctx context.Context) string {
	m, _ := ctx.Value(methodKey{}).(string)
	return m
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// queryState travels from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql     string
	nargs   int
	start   time.Time
	caller  string
	handler string
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx in production) with
// a log line, request stats and the metrics observer. Bind arguments carry
// patient free text, so only their count is ever recorded.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{sql: data.SQL, nargs: len(data.Args), start: time.Now()}
	st.caller, st.handler = queryOrigin()

	// otelpgx opens its span here, so annotate after it.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if st.caller != "" {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			span.SetAttributes(attribute.String("db.handler", st.handler))
		}
	}
	return context.WithValue(ctx, queryKey{}, st)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, _ := ctx.Value(queryKey{}).(*queryState)
	if st == nil {
		st = &queryState{}
	}
	var dur time.Duration
	if !st.start.IsZero() {
		dur = time.Since(st.start)
	}

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if obs := currentObserver(); obs != nil && dur > 0 {
		obs.ObserveQuery(ctx, orDefault(httpMethodFromContext(ctx), "UNKNOWN"),
			orDefault(routePatternFromContext(ctx), "unknown"), outcomeOf(data.Err), dur)
	}

	fields := queryFields(st, dur, data)
	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func queryFields(st *queryState, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", st.sql,
		"db.args_count", st.nargs,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		op, _, _ := strings.Cut(tag, " ")
		fields = append(fields, "db.operation.name", strings.ToUpper(op), "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return fields
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// storePackages issue queries on behalf of a higher-level caller.
var storePackages = []string{
	"github.com/linnemanlabs/carepath/internal/postgres.",
	"github.com/linnemanlabs/carepath/internal/triage/pgstore.",
	"github.com/linnemanlabs/carepath/internal/retrieval/pgvector.",
}

func isStoreFrame(fn string) bool {
	for _, p := range storePackages {
		if strings.Contains(fn, p) {
			return true
		}
	}
	return false
}

func isNoiseFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "loggingTracer.TraceQuery") ||
		strings.Contains(fn, "postgres.queryOrigin")
}

// queryOrigin walks the stack for the first application frame issuing the
// query (caller) and the first non-store frame above it (handler), e.g.
// "(*Store).Put" called from "(*Service).Answer".
func queryOrigin() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		switch {
		case isNoiseFrame(fr.Function):
		case caller == "":
			caller = shortenFuncName(fr.Function)
		case !isStoreFrame(fr.Function):
			return caller, shortenFuncName(fr.Function)
		}
		if !more {
			return caller, handler
		}
	}
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
