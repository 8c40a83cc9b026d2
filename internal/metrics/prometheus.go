package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/hamzaKhattat/callqueue-engine/pkg/logger"
)

type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["queue_jobs_enqueued"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "queue_jobs_enqueued_total",
            Help: "Total jobs enqueued",
        },
        []string{"priority"},
    )

    pm.counters["queue_jobs_dispatched"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "queue_jobs_dispatched_total",
            Help: "Total jobs popped for dispatch",
        },
        []string{"priority"},
    )

    pm.counters["queue_jobs_completed"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "queue_jobs_completed_total",
            Help: "Total jobs reaching a terminal outcome",
        },
        []string{"outcome", "data_source"},
    )

    pm.counters["supervisor_poll_errors"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "supervisor_poll_errors_total",
            Help: "Transient provider/agent poll errors observed by supervisors",
        },
        []string{"collaborator"},
    )

    pm.counters["ratelimiter_tokens_acquired"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "ratelimiter_tokens_acquired_total",
            Help: "Total rate-limit tokens acquired before an initiate call",
        },
        []string{},
    )

    pm.counters["backend_delivery_attempts"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "backend_delivery_attempts_total",
            Help: "Attempts to deliver a CallResult to the backend sink",
        },
        []string{"outcome"},
    )

    // Histograms
    pm.histograms["supervisor_call_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "supervisor_call_duration_seconds",
            Help:    "Wall-clock time a Supervisor spent on a job from dispatch to release",
            Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
        },
        []string{"outcome"},
    )

    // Gauges
    pm.gauges["queue_active_calls"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "queue_active_calls",
            Help: "Current number of calls under active supervision",
        },
        []string{},
    )

    pm.gauges["queue_pending_jobs"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "queue_pending_jobs",
            Help: "Current number of pending jobs per priority level",
        },
        []string{"priority"},
    )

    pm.gauges["queue_scheduled_jobs"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "queue_scheduled_jobs",
            Help: "Current number of scheduled (not-yet-due) jobs",
        },
        []string{},
    )

    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("metrics server started")
    return http.ListenAndServe(addr, nil)
}
