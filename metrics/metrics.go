// Package metrics holds the Prometheus collectors for scheduling, runs and
// tool calls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
)

const namespace = "conductor"

// Claim outcomes
const (
	ClaimWon         = "won"
	ClaimLost        = "lost"
	ClaimConcurrency = "concurrency_limited"
)

// Metrics bundles every collector on a private registry
type Metrics struct {
	Registry *prometheus.Registry

	executionsPlanned prometheus.Counter
	claims            *prometheus.CounterVec
	runs              *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	runsInFlight      prometheus.Gauge
	retries           prometheus.Counter
	exhausted         prometheus.Counter
	leasesRecovered   prometheus.Counter
	heartbeatFailures prometheus.Counter
	toolCalls         *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	approvals         *prometheus.CounterVec
	llmRequests       *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		executionsPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "executions_planned_total",
			Help: "Executions materialized by the planner",
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total",
			Help: "Claim attempts by outcome",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Finished runs by agent and result",
		}, []string{"agent_id", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Run duration from start to history write",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"agent_id"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runs_in_flight",
			Help: "Runs currently executing in this process",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total",
			Help: "Failed executions queued for retry",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_exhausted_total",
			Help: "Executions cancelled after exhausting retries",
		}),
		leasesRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "leases_recovered_total",
			Help: "Stale leases returned to the queue",
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_failures_total",
			Help: "Lease renewals that failed",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tool_duration_seconds",
			Help:    "Tool execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "approvals_total",
			Help: "Approval requests by final status",
		}, []string{"status"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "llm_requests_total",
			Help: "LLM requests by mode and outcome",
		}, []string{"mode", "outcome"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executionsPlanned, m.claims, m.runs, m.runDuration, m.runsInFlight,
		m.retries, m.exhausted, m.leasesRecovered, m.heartbeatFailures,
		m.toolCalls, m.toolDuration, m.approvals, m.llmRequests,
	)
	return m
}

// ExecutionsPlanned adds n planned executions
func (m *Metrics) ExecutionsPlanned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.executionsPlanned.Add(float64(n))
}

// Claim records a claim outcome
func (m *Metrics) Claim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// RunStarted increments the in-flight gauge
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

// RunFinished records a finished run and decrements the in-flight gauge
func (m *Metrics) RunFinished(agentID, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	m.runs.WithLabelValues(agentID, result).Inc()
	m.runDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

// Retry records an execution queued for retry
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// Exhausted records an execution cancelled after its last attempt
func (m *Metrics) Exhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// LeasesRecovered adds n recovered leases
func (m *Metrics) LeasesRecovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.leasesRecovered.Add(float64(n))
}

// HeartbeatFailure records a failed lease renewal
func (m *Metrics) HeartbeatFailure() {
	if m == nil {
		return
	}
	m.heartbeatFailures.Inc()
}

// ToolCall records a tool invocation outcome and its duration
func (m *Metrics) ToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	if d > 0 {
		m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// Approval records the final status of an approval request
func (m *Metrics) Approval(status string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(status).Inc()
}

// LLMRequest records an LLM call. mode is "stream" or "blocking".
func (m *Metrics) LLMRequest(mode, outcome string) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(mode, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	if log == nil {
		log = logger.Logger
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Infow("Metrics endpoint listening", "address", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return errors.Wrapf(err, "metrics server on %s", addr)
		}
		return nil
	}
}
