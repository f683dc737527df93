package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the Prometheus collectors for the pipeline. All recording
// methods are safe on a nil *Metrics so components can run without a
// registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	framesRead        *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	framesThrottled   *prometheus.CounterVec
	readErrors        *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
	detectErrors      *prometheus.CounterVec
	qualityRejections *prometheus.CounterVec
	invalidEmbeddings *prometheus.CounterVec
	faceCadence       *prometheus.GaugeVec
	lookups           *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	recognitions      *prometheus.CounterVec
	crossings         *prometheus.CounterVec
	suppressed        *prometheus.CounterVec
	bufferDepth       prometheus.Gauge
	bufferEvictions   prometheus.Counter
	eventsPublished   *prometheus.CounterVec
	eventsDelivered   prometheus.Counter
	deliveryFailures  prometheus.Counter
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_frames_read_total",
			Help: "Frames read from camera sources",
		}, []string{"camera"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_frames_dropped_total",
			Help: "Frames overwritten before the detection stage consumed them",
		}, []string{"camera"}),
		framesThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_frames_throttled_total",
			Help: "Frames skipped by the degraded-mode frame-rate limit",
		}, []string{"camera"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_read_errors_total",
			Help: "Failed frame reads",
		}, []string{"camera"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "headcount_connection_state",
			Help: "Connection state per camera (0=connecting, 1=connected, 2=backoff, 3=failed)",
		}, []string{"camera"}),
		detectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_detect_errors_total",
			Help: "Detection backend errors absorbed by the detection stage",
		}, []string{"camera", "stage"}),
		qualityRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_face_quality_rejections_total",
			Help: "Face samples skipped by the quality gate",
		}, []string{"camera", "reason"}),
		invalidEmbeddings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_invalid_embeddings_total",
			Help: "Embeddings discarded for a zero norm or the wrong dimension",
		}, []string{"camera"}),
		faceCadence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "headcount_face_cadence_frames",
			Help: "Current face recognition cadence (every Nth frame)",
		}, []string{"camera"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_identity_lookups_total",
			Help: "Identity matcher results by status",
		}, []string{"status"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "headcount_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"breaker"}),
		recognitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_recognitions_total",
			Help: "Verified recognition events",
		}, []string{"camera"}),
		crossings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_crossings_total",
			Help: "Line crossing events",
		}, []string{"camera", "direction"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_crossings_suppressed_total",
			Help: "Repeat crossings ignored by the per-track dedup rule",
		}, []string{"camera"}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "headcount_publisher_buffer_depth",
			Help: "Events waiting in the publisher buffer",
		}),
		bufferEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headcount_publisher_evictions_total",
			Help: "Events evicted from a full publisher buffer",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "headcount_events_published_total",
			Help: "Events accepted by the publisher",
		}, []string{"kind"}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headcount_events_delivered_total",
			Help: "Events acknowledged by the sink",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "headcount_delivery_failures_total",
			Help: "Failed sink write attempts",
		}),
	}

	m.registry.MustRegister(
		m.framesRead, m.framesDropped, m.framesThrottled, m.readErrors,
		m.connectionState, m.detectErrors, m.qualityRejections,
		m.invalidEmbeddings, m.faceCadence, m.lookups,
		m.breakerState, m.recognitions, m.crossings, m.suppressed,
		m.bufferDepth, m.bufferEvictions, m.eventsPublished,
		m.eventsDelivered, m.deliveryFailures,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Sum adds up every series of the named counter or gauge. Tests and the
// dev-mode summary read metrics back through it.
func (m *Metrics) Sum(name string) float64 {
	if m == nil {
		return 0
	}
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metricValue(mf.GetType(), metric)
		}
	}
	return total
}

func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	}
	return 0
}

func (m *Metrics) FrameRead(camera string) {
	if m != nil {
		m.framesRead.WithLabelValues(camera).Inc()
	}
}

func (m *Metrics) FrameDropped(camera string) {
	if m != nil {
		m.framesDropped.WithLabelValues(camera).Inc()
	}
}

func (m *Metrics) FrameThrottled(camera string) {
	if m != nil {
		m.framesThrottled.WithLabelValues(camera).Inc()
	}
}

func (m *Metrics) InvalidEmbedding(camera string) {
	if m != nil {
		m.invalidEmbeddings.WithLabelValues(camera).Inc()
	}
}

func (m *Metrics) ReadError(camera string) {
	if m != nil {
		m.readErrors.WithLabelValues(camera).Inc()
	}
}

func (m *Metrics) ConnectionState(camera string, state int) {
	if m != nil {
		m.connectionState.WithLabelValues(camera).Set(float64(state))
	}
}

func (m *Metrics) DetectError(camera, stage string) {
	if m != nil {
		m.detectErrors.WithLabelValues(camera, stage).Inc()
	}
}

func (m *Metrics) QualityRejection(camera, reason string) {
	if m != nil {
		m.qualityRejections.WithLabelValues(camera, reason).Inc()
	}
}

func (m *Metrics) FaceCadence(camera string, every int) {
	if m != nil {
		m.faceCadence.WithLabelValues(camera).Set(float64(every))
	}
}

func (m *Metrics) Lookup(status string) {
	if m != nil {
		m.lookups.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) BreakerState(name string, state int) {
	if m != nil {
		m.breakerState.WithLabelValues(name).Set(float64(state))
	}
}

func (m *Metrics) Recognition(camera string) {
	if m != nil {
		m.recognitions.WithLabelValues(camera).Inc()
	}
}

func (m *Metrics) Crossing(camera, direction string) {
	if m != nil {
		m.crossings.WithLabelValues(camera, direction).Inc()
	}
}

func (m *Metrics) CrossingSuppressed(camera string) {
	if m != nil {
		m.suppressed.WithLabelValues(camera).Inc()
	}
}

func (m *Metrics) BufferDepth(n int) {
	if m != nil {
		m.bufferDepth.Set(float64(n))
	}
}

func (m *Metrics) BufferEviction() {
	if m != nil {
		m.bufferEvictions.Inc()
	}
}

func (m *Metrics) EventPublished(kind string) {
	if m != nil {
		m.eventsPublished.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventsDelivered(n int) {
	if m != nil {
		m.eventsDelivered.Add(float64(n))
	}
}

func (m *Metrics) DeliveryFailure() {
	if m != nil {
		m.deliveryFailures.Inc()
	}
}
