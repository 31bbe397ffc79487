// Package metrics exposes patch and drift counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fnpatch"

// MetricsRegistry owns the process collectors. It satisfies
// engine.Recorder and drift.Recorder.
type MetricsRegistry struct {
	reg *prometheus.Registry

	patchAttempts *prometheus.CounterVec
	patchDuration *prometheus.HistogramVec
	installed     *prometheus.GaugeVec

	driftChecks   *prometheus.CounterVec
	driftDuration prometheus.Histogram
	driftReports  *prometheus.CounterVec
	lastCheck     prometheus.Gauge
}

// NewMetricsRegistry creates a registry with Go and process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &MetricsRegistry{
		reg: reg,
		patchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_attempts_total",
			Help:      "Patch attempts by target, version state and result.",
		}, []string{"target", "state", "result"}),
		patchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "patch_attempt_duration_seconds",
			Help:      "Duration of patch attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"target"}),
		installed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "patch_installed",
			Help:      "1 when a replacement is installed for the target.",
		}, []string{"target"}),
		driftChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_checks_total",
			Help:      "Drift monitor runs by outcome.",
		}, []string{"outcome"}),
		driftDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drift_check_duration_seconds",
			Help:      "Duration of drift monitor runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		driftReports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_reports_filed_total",
			Help:      "Drift reports filed by target.",
		}, []string{"target"}),
		lastCheck: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drift_last_check_timestamp_seconds",
			Help:      "Unix time of the last drift monitor run.",
		}),
	}
}

// Registry returns the underlying Prometheus registry.
func (m *MetricsRegistry) Registry() *prometheus.Registry {
	return m.reg
}

// RecordPatchAttempt implements engine.Recorder.
func (m *MetricsRegistry) RecordPatchAttempt(target, state, result string, duration time.Duration) {
	m.patchAttempts.WithLabelValues(target, state, result).Inc()
	m.patchDuration.WithLabelValues(target).Observe(duration.Seconds())
	switch result {
	case "installed", "noop", "kept":
		m.installed.WithLabelValues(target).Set(1)
	case "already_present", "unknown_fingerprint":
		m.installed.WithLabelValues(target).Set(0)
	}
}

// RecordDriftCheck implements drift.Recorder.
func (m *MetricsRegistry) RecordDriftCheck(outcome string, duration time.Duration) {
	m.driftChecks.WithLabelValues(outcome).Inc()
	m.driftDuration.Observe(duration.Seconds())
	m.lastCheck.SetToCurrentTime()
}

// RecordDriftReport implements drift.Recorder.
func (m *MetricsRegistry) RecordDriftReport(target string) {
	m.driftReports.WithLabelValues(target).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *MetricsRegistry) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("Metrics endpoint listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
