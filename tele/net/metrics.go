package telenet

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	verdictAccepted = "accepted"
	verdictRejected = "rejected"
	verdictDropped  = "dropped"
)

// Metrics methods are safe on nil receiver.
type Metrics struct {
	Frames        *prometheus.CounterVec
	PublishErrors prometheus.Counter
	LogErrors     prometheus.Counter
	Connections   prometheus.Gauge
	Duration      prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envtele_frames_total",
			Help: "Frames received by verdict",
		}, []string{"verdict"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envtele_publish_errors_total",
			Help: "Verified readings the publisher failed to accept",
		}),
		LogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envtele_log_errors_total",
			Help: "Errors written to log",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "envtele_connections_active",
			Help: "Connections being processed",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "envtele_exchange_duration_seconds",
			Help:    "Time from accept to reply",
			Buckets: prometheus.DefBuckets,
		}),
	}
	// pre-create label values so they show up as zero
	for _, v := range []string{verdictAccepted, verdictRejected, verdictDropped} {
		m.Frames.WithLabelValues(v)
	}
	if reg != nil {
		reg.MustRegister(m.Frames, m.PublishErrors, m.LogErrors, m.Connections, m.Duration)
	}
	return m
}

// Handler serves metrics of gatherer in text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) frame(verdict string) {
	if m != nil {
		m.Frames.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) publishError() {
	if m != nil {
		m.PublishErrors.Inc()
	}
}

// LogError fits log2.ErrorFunc.
func (m *Metrics) LogError(error) {
	if m != nil {
		m.LogErrors.Inc()
	}
}

func (m *Metrics) connBegin() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connEnd(seconds float64) {
	if m != nil {
		m.Connections.Dec()
		m.Duration.Observe(seconds)
	}
}
