package triage

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/carepath/internal/retrieval"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	SessionsCompleted  *prometheus.CounterVec
	SessionTurns       prometheus.Histogram
	SessionsSwept      prometheus.Counter
	OracleCallsTotal   *prometheus.CounterVec
	OracleDuration     *prometheus.HistogramVec
	OracleTokensIn     *prometheus.CounterVec
	OracleTokensOut    *prometheus.CounterVec
	SafetyChecksTotal  *prometheus.CounterVec
	SafetyDuration     prometheus.Histogram
	RetrievalsTotal    *prometheus.CounterVec
	RetrievalDocuments prometheus.Histogram
	RetrievalDuration  prometheus.Histogram
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_requests_total",
			Help: "Triage requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carepath_request_duration_seconds",
			Help:    "Duration of triage requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"op"}),
		SessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_sessions_completed_total",
			Help: "Completed sessions by level, source and grounding.",
		}, []string{"level", "source", "grounded"}),
		SessionTurns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carepath_session_turns",
			Help:    "Recorded turns per completed session.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carepath_sessions_swept_total",
			Help: "Idle sessions deleted by the sweeper.",
		}),
		OracleCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_oracle_calls_total",
			Help: "Oracle calls by purpose and status.",
		}, []string{"purpose", "status"}),
		OracleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carepath_oracle_call_duration_seconds",
			Help:    "Duration of individual oracle calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"purpose"}),
		OracleTokensIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_oracle_tokens_input_total",
			Help: "Oracle input tokens consumed by purpose.",
		}, []string{"purpose"}),
		OracleTokensOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_oracle_tokens_output_total",
			Help: "Oracle output tokens consumed by purpose.",
		}, []string{"purpose"}),
		SafetyChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_safety_checks_total",
			Help: "Safety screen runs by outcome.",
		}, []string{"outcome"}),
		SafetyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carepath_safety_check_duration_seconds",
			Help:    "Duration of safety screen runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}),
		RetrievalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_retrievals_total",
			Help: "Knowledge retrievals by outcome.",
		}, []string{"outcome"}),
		RetrievalDocuments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carepath_retrieval_documents",
			Help:    "Documents returned per retrieval after reranking.",
			Buckets: prometheus.LinearBuckets(0, 1, 8), // 0 .. 7
		}),
		RetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carepath_retrieval_duration_seconds",
			Help:    "Duration of knowledge retrievals in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.SessionsCompleted,
		m.SessionTurns,
		m.SessionsSwept,
		m.OracleCallsTotal,
		m.OracleDuration,
		m.OracleTokensIn,
		m.OracleTokensOut,
		m.SafetyChecksTotal,
		m.SafetyDuration,
		m.RetrievalsTotal,
		m.RetrievalDocuments,
		m.RetrievalDuration,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnOracleCall: func(purpose Purpose, inputTokens, outputTokens int, duration float64, err error) {
			p := string(purpose)
			status := "success"
			if err != nil {
				status = ErrorKind(err)
			}
			m.OracleCallsTotal.WithLabelValues(p, status).Inc()
			m.OracleDuration.WithLabelValues(p).Observe(duration)
			m.OracleTokensIn.WithLabelValues(p).Add(float64(inputTokens))
			m.OracleTokensOut.WithLabelValues(p).Add(float64(outputTokens))
		},
		OnSafetyCheck: func(matched bool, duration float64, err error) {
			outcome := "clear"
			switch {
			case err != nil:
				outcome = "error"
			case matched:
				outcome = "match"
			}
			m.SafetyChecksTotal.WithLabelValues(outcome).Inc()
			m.SafetyDuration.Observe(duration)
		},
		OnRetrieval: func(docs int, duration float64, err error) {
			outcome := "ok"
			switch {
			case errors.Is(err, retrieval.ErrNoContext):
				outcome = "no_context"
			case err != nil:
				outcome = "unavailable"
			}
			m.RetrievalsTotal.WithLabelValues(outcome).Inc()
			m.RetrievalDocuments.Observe(float64(docs))
			m.RetrievalDuration.Observe(duration)
		},
		OnComplete: func(e *CompleteEvent) {
			grounded := "false"
			if e.Grounded {
				grounded = "true"
			}
			m.SessionsCompleted.WithLabelValues(string(e.Level), string(e.Source), grounded).Inc()
			m.SessionTurns.Observe(float64(e.Turns))
		},
	}
}
