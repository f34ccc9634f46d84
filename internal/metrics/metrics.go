// Package metrics exposes run counters as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/pipeline"
)

const namespace = "contactfinder"

// Metrics holds the collectors of one pipeline. It implements discover.Observer and
// pipeline.Observer.
type Metrics struct {
	RowsTotal       prometheus.Counter
	RowsSkipped     *prometheus.CounterVec
	Candidates      *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	Emitted         prometheus.Counter
	BudgetExhausted *prometheus.CounterVec
}

var (
	_ discover.Observer = (*Metrics)(nil)
	_ pipeline.Observer = (*Metrics)(nil)
)

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		RowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_rows_total",
			Help: "Registry rows read.",
		}),
		RowsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_rows_skipped_total",
			Help: "Registry rows skipped, by reason.",
		}, []string{"reason"}),
		Candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "candidates_total",
			Help: "Candidates processed, by final state.",
		}, []string{"state"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "strategy_attempts_total",
			Help: "Recorded discovery attempts, by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "strategy_call_duration_seconds",
			Help:    "Wall time of one strategy attempt including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"strategy"}),
		Emitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "contacts_emitted_total",
			Help: "Contacts written to the output sinks.",
		}),
		BudgetExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "strategy_budget_exhausted_total",
			Help: "Strategy invocations skipped because the per-run call budget was spent.",
		}, []string{"strategy"}),
	}
	for _, c := range []prometheus.Collector{
		m.RowsTotal, m.RowsSkipped, m.Candidates, m.Attempts, m.CallDuration, m.Emitted, m.BudgetExhausted,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveAttempt(a discover.Attempt, elapsed time.Duration) {
	m.Attempts.WithLabelValues(string(a.Strategy), string(a.Outcome)).Inc()
	m.CallDuration.WithLabelValues(string(a.Strategy)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveBudgetExhausted(strategy discover.Name) {
	m.BudgetExhausted.WithLabelValues(string(strategy)).Inc()
}

func (m *Metrics) ObserveCandidate(state pipeline.State) {
	m.Candidates.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) ObserveEmitted() {
	m.Emitted.Inc()
}

// ObserveRows records registry reader totals once the input is drained.
func (m *Metrics) ObserveRows(read int, skippedByReason map[string]int) {
	m.RowsTotal.Add(float64(read))
	for reason, n := range skippedByReason {
		m.RowsSkipped.WithLabelValues(reason).Add(float64(n))
	}
}

// Serve exposes g on addr at /metrics until ctx is done. It returns the bound address.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) (string, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}
