package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

// Metrics are the loader's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	attempts      *prometheus.CounterVec
	matches       prometheus.Counter
	auth          *prometheus.CounterVec
	records       prometheus.Counter
	lastInjection prometheus.Gauge

	last atomic.Int64
	reg  *prometheus.Registry
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medusa_injection_attempts_total",
			Help: "Injection attempts by final state.",
		}, []string{"final"}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medusa_watcher_matches_total",
			Help: "Target processes detected by the watcher.",
		}),
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medusa_ipc_auth_total",
			Help: "IPC authentication requests by result.",
		}, []string{"result"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medusa_ipc_records_total",
			Help: "Log records forwarded by injected modules.",
		}),
		lastInjection: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medusa_last_injection_timestamp",
			Help: "Unix time of the last attempt that reached the init thread.",
		}),
		reg: prometheus.NewRegistry(),
	}
	m.reg.MustRegister(m.attempts, m.matches, m.auth, m.records, m.lastInjection)
	return m
}

// ObserveAttempt counts an attempt; success moves the last injection time.
func (m *Metrics) ObserveAttempt(final string, success bool, at time.Time) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(final).Inc()
	if success {
		m.last.Store(at.UnixMilli())
		m.lastInjection.Set(float64(at.Unix()))
	}
}

func (m *Metrics) ObserveMatch() {
	if m != nil {
		m.matches.Inc()
	}
}

func (m *Metrics) ObserveAuth(ok bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
	}
	m.auth.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRecord() {
	if m != nil {
		m.records.Inc()
	}
}

// LastInjection is the time of the last successful attempt, zero if none.
func (m *Metrics) LastInjection() time.Time {
	if m == nil || m.last.Load() == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.last.Load())
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "serve metrics on %s", addr)
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
