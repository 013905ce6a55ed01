package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all bot metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Telegram metrics
	UpdatesTotal *prometheus.CounterVec

	// Generation metrics
	JobsSubmitted   *prometheus.CounterVec
	SubmitErrors    *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	PollTicks       prometheus.Histogram
	ActiveJobs      prometheus.Gauge
	Deliveries      *prometheus.CounterVec
	EnrichFallbacks *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "veobot"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		UpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telegram",
				Name:      "updates_total",
				Help:      "Total number of Telegram updates handled",
			},
			[]string{"type"}, // message, command, photo, callback
		),

		JobsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "submitted_total",
				Help:      "Total number of generation jobs accepted by the API",
			},
			[]string{"tier", "mode"}, // mode: text, image
		),
		SubmitErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "submit_errors_total",
				Help:      "Total number of failed submissions by error kind",
			},
			[]string{"kind"},
		),
		JobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "finished_total",
				Help:      "Total number of jobs that reached a terminal state",
			},
			[]string{"state"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "duration_seconds",
				Help:      "Time from submission to terminal state",
				Buckets:   []float64{15, 30, 60, 90, 120, 180, 240, 300, 450, 600, 900},
			},
			[]string{"state"},
		),
		PollTicks: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "poll_ticks",
				Help:      "Status queries issued per job",
				Buckets:   prometheus.LinearBuckets(1, 6, 11),
			},
		),
		ActiveJobs: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "active",
				Help:      "Number of jobs currently being processed",
			},
		),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "delivery",
				Name:      "total",
				Help:      "Video deliveries by method",
			},
			[]string{"method"}, // url, upload, failed
		),
		EnrichFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "enrich",
				Name:      "fallbacks_total",
				Help:      "Prompt enrichments that fell back to the raw prompt",
			},
			[]string{"reason"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// --- Convenience methods ---

func (m *Metrics) RecordUpdate(kind string) {
	if m == nil {
		return
	}
	m.UpdatesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSubmitted(tier string, imageToVideo bool) {
	if m == nil {
		return
	}
	mode := "text"
	if imageToVideo {
		mode = "image"
	}
	m.JobsSubmitted.WithLabelValues(tier, mode).Inc()
}

func (m *Metrics) RecordSubmitError(kind string) {
	if m == nil {
		return
	}
	m.SubmitErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordFinished(state string, ticks int, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(state).Inc()
	m.JobDuration.WithLabelValues(state).Observe(duration.Seconds())
	if ticks > 0 {
		m.PollTicks.Observe(float64(ticks))
	}
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.ActiveJobs.Inc()
}

func (m *Metrics) JobDone() {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
}

func (m *Metrics) RecordDelivery(method string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(method).Inc()
}

func (m *Metrics) RecordEnrichFallback(reason string) {
	if m == nil {
		return
	}
	m.EnrichFallbacks.WithLabelValues(reason).Inc()
}
