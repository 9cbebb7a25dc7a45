package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the pipeline counters.
type Metrics struct {
	webhooks      *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	builds        *prometheus.CounterVec
	analyses      *prometheus.CounterVec
	modelCalls    *prometheus.CounterVec
	modelDuration *prometheus.HistogramVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_webhooks_total",
		Help: "Webhook deliveries by outcome.",
	}, []string{"result"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_jobs_total",
		Help: "Pipeline jobs by dispatch mode and outcome.",
	}, []string{"mode", "result"})
	builds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_builds_total",
		Help: "Builds reaching a status.",
	}, []string{"status"})
	analyses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_analyses_total",
		Help: "Failure analyses by solution source.",
	}, []string{"source"})
	modelCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_model_calls_total",
		Help: "External model invocations by outcome.",
	}, []string{"model", "result"})
	modelDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "triage_model_call_seconds",
		Help:    "External model invocation latency.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"model"})

	webhooks = registerCounterVec(registerer, webhooks)
	jobs = registerCounterVec(registerer, jobs)
	builds = registerCounterVec(registerer, builds)
	analyses = registerCounterVec(registerer, analyses)
	modelCalls = registerCounterVec(registerer, modelCalls)
	modelDuration = registerHistogramVec(registerer, modelDuration)

	return &Metrics{
		webhooks:      webhooks,
		jobs:          jobs,
		builds:        builds,
		analyses:      analyses,
		modelCalls:    modelCalls,
		modelDuration: modelDuration,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncWebhook(result string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(result).Inc()
}

func (m *Metrics) IncJob(mode, result string) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) IncBuild(status string) {
	if m == nil || m.builds == nil {
		return
	}
	m.builds.WithLabelValues(status).Inc()
}

func (m *Metrics) IncAnalysis(source string) {
	if m == nil || m.analyses == nil {
		return
	}
	m.analyses.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveModelCall(model, result string, elapsed time.Duration) {
	if m == nil || m.modelCalls == nil {
		return
	}
	m.modelCalls.WithLabelValues(model, result).Inc()
	if m.modelDuration != nil {
		m.modelDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	}
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

func registerHistogramVec(registerer prometheus.Registerer, histogram *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := registerer.Register(histogram); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return histogram
}
