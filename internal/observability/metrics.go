// Package observability exposes Prometheus metrics for ntupler runs.
package observability

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
)

// Namespace prefixes every metric name.
const Namespace = "ntupler"

// Metrics holds the collectors updated while ntuples are produced.
type Metrics struct {
	RecordsTotal  prometheus.Counter
	RowsTotal     prometheus.Counter
	SkippedTotal  prometheus.Counter
	ErrorsTotal   *prometheus.CounterVec
	EmitLatency   prometheus.Histogram
	ActiveOutputs prometheus.Gauge
	OutputsTotal  *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a fresh
// registry, so tests and concurrent runs never collide on the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		RecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_total",
			Help:      "Records emitted into an output",
		}),
		RowsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rows_total",
			Help:      "Rows accepted by sinks",
		}),
		SkippedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_skipped_total",
			Help:      "Records dropped under the skip error policy",
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Errors by category and code",
		}, []string{"category", "code"}),
		EmitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "emit_latency_seconds",
			Help:      "Time to extract and write one record",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),
		ActiveOutputs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_outputs",
			Help:      "Outputs currently open for writing",
		}),
		OutputsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "outputs_total",
			Help:      "Finished outputs by status",
		}, []string{"status"}),
	}
}

// ObserveRecord counts one emitted record and its latency.
func (m *Metrics) ObserveRecord(d time.Duration) {
	if m == nil {
		return
	}
	m.RecordsTotal.Inc()
	m.EmitLatency.Observe(d.Seconds())
}

// ObserveRow counts one row accepted by a sink.
func (m *Metrics) ObserveRow() {
	if m == nil {
		return
	}
	m.RowsTotal.Inc()
}

// ObserveError counts err by its structured category and code. Errors
// without one are counted as INTERNAL/UNKNOWN.
func (m *Metrics) ObserveError(err error, skipped bool) {
	if m == nil || err == nil {
		return
	}
	category, code := string(ntErrors.GetCategory(err)), ntErrors.GetCode(err)
	if category == "" {
		category = string(ntErrors.ErrCategoryInternal)
	}
	if code == "" {
		code = "UNKNOWN"
		if errors.Is(err, context.Canceled) {
			code = "CANCELLED"
		}
	}
	m.ErrorsTotal.WithLabelValues(category, code).Inc()
	if skipped {
		m.SkippedTotal.Inc()
	}
}

// OutputOpened and OutputClosed track outputs in flight. Status is one of
// "committed", "aborted", "published", "duplicate" or "conflict".
func (m *Metrics) OutputOpened() {
	if m != nil {
		m.ActiveOutputs.Inc()
	}
}

func (m *Metrics) OutputClosed(status string) {
	if m == nil {
		return
	}
	m.ActiveOutputs.Dec()
	m.OutputsTotal.WithLabelValues(status).Inc()
}

// OutputPublished counts a publish outcome for an output already closed.
func (m *Metrics) OutputPublished(status string) {
	if m != nil {
		m.OutputsTotal.WithLabelValues(status).Inc()
	}
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("observability: serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
