// Package metrics exposes Prometheus instrumentation for the worker host and
// the compile kernel.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quill"

// Metrics implements worker.Observer and kernel.Observer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	callsInFlight prometheus.Gauge
	callDuration  *prometheus.HistogramVec
	callErrors    *prometheus.CounterVec
	specials      *prometheus.CounterVec

	compiles        *prometheus.CounterVec
	compileDuration prometheus.Histogram
	exports         *prometheus.CounterVec
	corrections     prometheus.Counter
	filesServed     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		callsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "calls_in_flight",
			Help: "Worker calls awaiting a reply.",
		}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "call_duration_seconds",
			Help:    "Worker call latency by function id.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"func"}),
		callErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "call_errors_total",
			Help: "Worker calls that did not succeed, by function id.",
		}, []string{"func"}),
		specials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "special_messages_total",
			Help: "Out-of-band worker messages by name.",
		}, []string{"name"}),
		compiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "kernel", Name: "compiles_total",
			Help: "Compile iterations by result.",
		}, []string{"result"}),
		compileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "kernel", Name: "compile_duration_seconds",
			Help:    "Duration of one compile iteration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		exports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "kernel", Name: "exports_total",
			Help: "Exports by result.",
		}, []string{"result"}),
		corrections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "kernel", Name: "entry_path_corrections_total",
			Help: "Entry paths replaced by validation.",
		}),
		filesServed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "served_total",
			Help: "load_file responses by outcome.",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CallStarted implements worker.Observer.
func (m *Metrics) CallStarted(int) {
	if m == nil {
		return
	}
	m.callsInFlight.Inc()
}

// CallFinished implements worker.Observer.
func (m *Metrics) CallFinished(funcID int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	label := strconv.Itoa(funcID)
	m.callsInFlight.Dec()
	m.callDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	if err != nil {
		m.callErrors.WithLabelValues(label).Inc()
	}
}

// SpecialReceived implements worker.Observer.
func (m *Metrics) SpecialReceived(name string) {
	if m == nil {
		return
	}
	m.specials.WithLabelValues(name).Inc()
}

// CompileFinished implements kernel.Observer.
func (m *Metrics) CompileFinished(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.compiles.WithLabelValues(result(err)).Inc()
	m.compileDuration.Observe(elapsed.Seconds())
}

// ExportFinished implements kernel.Observer.
func (m *Metrics) ExportFinished(_ time.Duration, err error) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues(result(err)).Inc()
}

// EntryPathCorrected implements kernel.Observer.
func (m *Metrics) EntryPathCorrected() {
	if m == nil {
		return
	}
	m.corrections.Inc()
}

// FileServed counts one load_file response. outcome is "content",
// "not_modified" or "error".
func (m *Metrics) FileServed(outcome string) {
	if m == nil {
		return
	}
	m.filesServed.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics serve: %w", err)
	}
	return nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
