package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the server. All methods are
// safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	ActiveCalls      prometheus.Gauge
	CallsStarted     prometheus.Counter
	StateTransitions *prometheus.CounterVec
	Turns            prometheus.Counter
	Failures         *prometheus.CounterVec

	// Inference metrics
	InferenceDuration prometheus.Histogram
	InferenceRetries  prometheus.Counter

	// Transcription metrics
	AudioWindowsSent prometheus.Counter
	FramesDropped    *prometheus.CounterVec

	// StageDuration is fed by StartSpan.
	StageDuration *prometheus.HistogramVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all collectors on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicecall_active_calls",
			Help: "Current number of connected call sessions",
		}),
		CallsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_calls_started_total",
			Help: "Total number of call sessions started",
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_state_transitions_total",
			Help: "Conversation state transitions",
		}, []string{"from", "to"}),
		Turns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_turns_total",
			Help: "Completed user/assistant turns",
		}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_failures_total",
			Help: "Failures by error kind",
		}, []string{"kind"}),

		InferenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecall_inference_duration_seconds",
			Help:    "Time from utterance completion to full response",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),
		InferenceRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_inference_retries_total",
			Help: "Automatic retries of transient inference failures",
		}),

		AudioWindowsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_audio_windows_sent_total",
			Help: "Audio windows sent to the transcription service",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_frames_dropped_total",
			Help: "Protocol frames dropped by reason",
		}, []string{"reason"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecall_stage_duration_seconds",
			Help:    "Duration of call stages by outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 7), // 10ms to 40s
		}, []string{"component", "operation", "outcome"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecall_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.CallsStarted.Inc()
	m.ActiveCalls.Inc()
}

func (m *Metrics) CallEnded() {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) TurnCompleted(inference time.Duration) {
	if m == nil {
		return
	}
	m.Turns.Inc()
	m.InferenceDuration.Observe(inference.Seconds())
}

func (m *Metrics) Failure(kind string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.InferenceRetries.Inc()
}

func (m *Metrics) WindowSent() {
	if m == nil {
		return
	}
	m.AudioWindowsSent.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) HTTPRequest(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) Stage(component, operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StageDuration.WithLabelValues(component, operation, outcome).Observe(d.Seconds())
}
