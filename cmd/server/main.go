// Carepath is a safety-aware, retrieval-augmented symptom triage service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/carepath/internal/authmw"
	vc "github.com/linnemanlabs/carepath/internal/cfg"
	"github.com/linnemanlabs/carepath/internal/notify/slack"
	"github.com/linnemanlabs/carepath/internal/postgres"
	"github.com/linnemanlabs/carepath/internal/safety"
	"github.com/linnemanlabs/carepath/internal/triage"
	"github.com/linnemanlabs/carepath/internal/triage/memstore"
	"github.com/linnemanlabs/carepath/internal/triage/pgstore"
	"github.com/linnemanlabs/carepath/internal/triageapi"
)

const appName = "carepath"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// .env is optional, real environment variables win over its entries
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "ignoring .env: %v\n", err)
	}

	// Fill in config values from environment variables with prefix CAREPATH_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "CAREPATH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate every config section and report all problems at once
	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// setup logger
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	// component-scoped logger, also carried on ctx for downstream packages
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"oracle_provider", appCfg.OracleProvider,
		"embedding_provider", appCfg.EmbeddingProvider,
		"index_backend", appCfg.IndexBackend,
		"turn_budget", appCfg.TurnBudget,
		"call_timeout", appCfg.CallTimeout.String(),
		"session_ttl", appCfg.SessionTTL.String(),
		"api_auth", appCfg.APIToken != "",
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()

	// setup tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Link spans to profiles so a slow oracle call can be opened as a flame graph.
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// setup metrics registry and build info
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carepath_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// One pool serves both the session store and the pgvector index.
	var pool *pgxpool.Pool
	if appCfg.DatabaseURL != "" {
		pool, err = postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
	}

	// session store: postgres when configured, otherwise process memory
	var triageStore triage.Store
	if pool != nil {
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		defer pgStore.Close()
		triageStore = pgStore
		L.Info(ctx, "using postgres session store")
	} else {
		triageStore = memstore.New()
		L.Info(ctx, "using in-memory session store (no database-url configured)")
	}

	// language model used for questions, queries and the final classification
	oracle, oracleModel, err := newOracle(&appCfg)
	if err != nil {
		return err
	}
	L.Info(ctx, "initialized oracle", "provider", appCfg.OracleProvider, "model", oracleModel)

	// one embedder serves the safety screen and retrieval, it must match the stored vectors
	emb, embModel, err := newEmbedder(ctx, &appCfg)
	if err != nil {
		return fmt.Errorf("embedder init: %w", err)
	}
	L.Info(ctx, "initialized embedder", "provider", appCfg.EmbeddingProvider, "model", embModel)

	// emergency concepts and red flags, built-in unless a catalog file is given
	catalog, err := loadCatalog(&appCfg)
	if err != nil {
		return fmt.Errorf("safety catalog: %w", err)
	}

	// Precomputes one embedding per emergency concept; the screen never runs without them.
	detector, err := safety.New(ctx, emb, catalog, appCfg.SafetyThreshold)
	if err != nil {
		return fmt.Errorf("safety detector init: %w", err)
	}
	L.Info(ctx, "safety screen ready", "groups", len(catalog.Groups), "red_flags", len(catalog.RedFlags), "threshold", appCfg.SafetyThreshold)

	// load the knowledge base, a missing or inconsistent corpus is fatal
	retriever, docCount, err := newRetrieval(ctx, &appCfg, emb, pool)
	if err != nil {
		return fmt.Errorf("retrieval init: %w", err)
	}
	L.Info(ctx, "knowledge base loaded", "backend", appCfg.IndexBackend, "documents", docCount)

	// wire the dialogue engine with metrics hooks
	triageMetrics := triage.NewMetrics(m.Registry())

	engine := triage.NewEngine(oracle, detector, retriever, L, triageMetrics.Hooks(), triage.EngineConfig{
		TurnBudget:  appCfg.TurnBudget,
		RedFlags:    catalog.RedFlags,
		CallTimeout: appCfg.CallTimeout,
	})

	// escalation notices are optional
	var notifier triage.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// service owns session lifecycle and per-session locking
	triageSvc := triage.NewService(triageStore, engine, L, triageMetrics, notifier)

	// Expire abandoned sessions in the background.
	sweepDone := make(chan struct{})
	if appCfg.SessionTTL > 0 {
		go runSweeper(ctx, L, triageSvc, appCfg.SweepInterval, appCfg.SessionTTL, sweepDone)
	} else {
		close(sweepDone)
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	// start ops listener: metrics, health, readiness and pprof
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// build the public api handler
	h := newHandler(L, triageSvc, &appCfg, httpmwCfg, m.Middleware,
		health.HealthzHandler(liveness), health.ReadyzHandler(readiness))

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// start public api listener
	triageHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start triage api http listener")
		return err
	}
	defer func() {
		if err := triageHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop triage api http listener")
		}
	}()

	// tell systemd we are ready, no-op outside a notify unit
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops routing new sessions here
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	// a second signal skips the drain
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"triage api http server", triageHTTPStop},
		{"session sweeper", func(ctx context.Context) error {
			select {
			case <-sweepDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// newHandler builds the API router and wraps it in the middleware stack.
// Order matters: the outermost wrapper sees the raw request first and the
// response last.
func newHandler(
	L log.Logger,
	svc triageapi.TriageService,
	appCfg *vc.Config,
	httpmwCfg httpmw.Config,
	metricsMW func(http.Handler) http.Handler,
	healthz, readyz http.HandlerFunc,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())

	// Symptom text is capped well below this by the service.
	r.Use(httpmw.MaxBody(1024 * 64))

	r.Get("/-/healthy", healthz)
	r.Get("/-/ready", readyz)

	triageapi.New(L, svc).RegisterRoutes(r, authmw.BearerToken(appCfg.APIToken))

	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	if metricsMW != nil {
		h = metricsMW(h)
	}

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	return h
}

// sweeper is the part of the service the background sweep needs.
type sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// runSweeper deletes sessions idle for longer than ttl every interval until
// ctx is done, then closes done.
func runSweeper(ctx context.Context, L log.Logger, s sweeper, interval, ttl time.Duration, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(ctx, ttl)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				L.Error(ctx, err, "session sweep failed")
				continue
			}
			if n > 0 {
				L.Info(ctx, "expired sessions swept", "count", n, "ttl", ttl.String())
			}
		}
	}
}

// loadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
