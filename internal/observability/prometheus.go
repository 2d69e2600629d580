package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus records metrics on an explicit registry.
type Prometheus struct {
	reg       *prometheus.Registry
	durations *prometheus.HistogramVec
	results   *prometheus.CounterVec
	counters  *prometheus.CounterVec
	bytes     prometheus.Counter
	rows      prometheus.Counter
}

// NewPrometheus registers the PulseWatch collectors, plus the Go and process
// collectors, on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Prometheus{
		reg: reg,
		durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulsewatch_operation_duration_seconds",
			Help:    "Duration of ingest and query operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_operations_total",
			Help: "Operations by outcome.",
		}, []string{"operation", "status"}),
		counters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_events_total",
			Help: "Notable ingest events (schema drift, rollbacks, side-effect failures).",
		}, []string{"event"}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_ingested_bytes_total",
			Help: "Payload bytes stored.",
		}),
		rows: f.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_ingested_rows_total",
			Help: "Data rows stored.",
		}),
	}
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

// Handler serves the exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

func (p *Prometheus) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	p.durations.WithLabelValues(operation).Observe(duration.Seconds())
	p.results.WithLabelValues(operation, statusLabel(success)).Inc()
}

func (p *Prometheus) AddBytes(n int64) { p.bytes.Add(float64(n)) }
func (p *Prometheus) AddRows(n int)    { p.rows.Add(float64(n)) }
func (p *Prometheus) Incr(counter string) {
	p.counters.WithLabelValues(counter).Inc()
}
