// Package metrics exposes the daemon's Prometheus counters, adapted
// from the registry/collector shape of oriys-nova's internal/metrics
// package. Purely observational — SPEC_FULL §4.7 expansion, no
// protocol behaviour depends on it.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the counters this daemon reports.
type Metrics struct {
	registry *prometheus.Registry

	SentTotal             prometheus.Counter
	MOTotal               prometheus.Counter
	DLRTotal              prometheus.Counter
	SpooledTotal          prometheus.Counter
	MultipartExpiredTotal prometheus.Counter
	FailedTotal           prometheus.Counter
}

// New builds and registers the counters under the "rabbitmqbox"
// namespace.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		SentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rabbitmqbox", Name: "sent_total",
			Help: "Outbound SMS parts successfully written to the bearer server.",
		}),
		MOTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rabbitmqbox", Name: "mo_total",
			Help: "Mobile-originated messages published to the broker.",
		}),
		DLRTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rabbitmqbox", Name: "dlr_total",
			Help: "Delivery reports published to the broker.",
		}),
		SpooledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rabbitmqbox", Name: "spooled_total",
			Help: "Outbound messages appended to the spool after a failed bearer write.",
		}),
		MultipartExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rabbitmqbox", Name: "multipart_expired_total",
			Help: "Incomplete multipart reassembly entries evicted by timeout.",
		}),
		FailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rabbitmqbox", Name: "failed_total",
			Help: "Outbound messages published to the failed queue.",
		}),
	}

	registry.MustRegister(m.SentTotal, m.MOTotal, m.DLRTotal, m.SpooledTotal,
		m.MultipartExpiredTotal, m.FailedTotal)
	return m
}

// Serve starts an HTTP listener exposing /metrics until ctx is
// cancelled. A no-op when addr is empty.
func (m *Metrics) Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	srv.ListenAndServe()
}
