// Package observability exports RLM engine activity as Prometheus metrics.
package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rand/rlmchat/internal/llm"
	"github.com/rand/rlmchat/internal/rlm"
	"github.com/rand/rlmchat/internal/rlm/repl"
)

const namespace = "rlmchat"

// Metrics records sessions, steps and backend calls. It implements
// rlm.Observer and is safe for concurrent use.
type Metrics struct {
	// SessionsTotal counts finished sessions.
	// Labels: depth, reason (FINAL, MAX_ITER, BACKEND_ERROR)
	SessionsTotal *prometheus.CounterVec

	// ActiveSessions is the number of running sessions, nested included.
	ActiveSessions prometheus.Gauge

	// SessionIterations is the distribution of CODE steps per session.
	SessionIterations prometheus.Histogram

	// SessionDuration measures session wall time.
	// Labels: reason
	SessionDuration *prometheus.HistogramVec

	// StepsTotal counts trace steps.
	// Labels: kind (CODE, OUTPUT, SUB_CALL, FINAL)
	StepsTotal *prometheus.CounterVec

	// SubCallsRejected counts recursive queries refused at the depth limit.
	SubCallsRejected prometheus.Counter

	// BackendRequests counts model calls.
	// Labels: status (success, timeout, unavailable)
	BackendRequests *prometheus.CounterVec

	// BackendLatency measures model call latency.
	BackendLatency prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics registers the metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished RLM sessions by depth and termination reason",
		}, []string{"depth", "reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "RLM sessions currently running",
		}),
		SessionIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_iterations",
			Help:      "CODE steps per session",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
		}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session wall time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"reason"}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Trace steps by kind",
		}, []string{"kind"}),
		SubCallsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subcalls_rejected_total",
			Help:      "Recursive queries rejected at the depth limit",
		}),
		BackendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Model backend calls by status",
		}, []string{"status"}),
		BackendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "latency_seconds",
			Help:      "Model backend call latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		registry: reg,
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OnSessionStart(s rlm.Session) {
	m.ActiveSessions.Inc()
}

func (m *Metrics) OnStep(sessionID string, step rlm.Step) {
	m.StepsTotal.WithLabelValues(string(step.Kind)).Inc()
	if step.SubCall != nil && step.SubCall.Rejected {
		m.SubCallsRejected.Inc()
	}
}

func (m *Metrics) OnSessionEnd(result *rlm.Result) {
	m.ActiveSessions.Dec()
	reason := string(result.Reason)
	m.SessionsTotal.WithLabelValues(strconv.Itoa(result.Depth), reason).Inc()
	m.SessionIterations.Observe(float64(result.Iterations))
	m.SessionDuration.WithLabelValues(reason).Observe(result.Duration.Seconds())
}

// Instrument wraps backend so every call is counted and timed.
func (m *Metrics) Instrument(backend llm.Backend) llm.Backend {
	return llm.Func(func(ctx context.Context, prompt string, stop []string) (string, error) {
		start := time.Now()
		text, err := backend.Generate(ctx, prompt, stop)
		m.BackendLatency.Observe(time.Since(start).Seconds())
		m.BackendRequests.WithLabelValues(backendStatus(err)).Inc()
		return text, err
	})
}

// WatchPool exports the backend pool's counters and breaker state.
func (m *Metrics) WatchPool(pool *llm.Pool) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "in_flight",
			Help:      "Model calls currently in flight",
		}, func() float64 { return float64(pool.Stats().InFlight) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, func() float64 { return float64(pool.Stats().Breaker) }),
	)
}

// WatchSandbox exports the sandbox pool's peak concurrency.
func (m *Metrics) WatchSandbox(pool *repl.Pool) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "running",
			Help:      "Sandbox executions currently holding a slot",
		}, func() float64 { return float64(pool.Stats().Running) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Sandbox executions started",
		}, func() float64 { return float64(pool.Stats().Runs) }),
	)
}

func backendStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}

var _ rlm.Observer = (*Metrics)(nil)
