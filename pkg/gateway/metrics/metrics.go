// Package metrics exposes Prometheus counters and histograms for the live
// dialog gateway, grounded on the chat proxy's metrics registration pattern
// but scoped to the segmentation, upstream, and player/caption events this
// domain emits.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the live dialog gateway records.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	AudioBytesTotal *prometheus.CounterVec

	SegmentEventsTotal *prometheus.CounterVec
	UpstreamEventsTotal *prometheus.CounterVec

	ReconnectsTotal *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter

	CaptionCommitsTotal *prometheus.CounterVec
	PlayerEventsTotal    *prometheus.CounterVec
}

// New creates and registers every metric under the given namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "live_relay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of active dialog sessions.",
	})

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total dialog sessions started, by terminal status.",
	}, []string{"status"})

	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Dialog session lifetime in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	audioBytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "PCM audio bytes relayed, by direction.",
	}, []string{"direction"})

	segmentEventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segment_events_total",
		Help:      "Segmentation engine metric events, by kind.",
	}, []string{"kind"})

	upstreamEventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_events_total",
		Help:      "Upstream session metric events, by kind.",
	}, []string{"kind"})

	reconnectsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_reconnects_total",
		Help:      "Upstream reconnect attempts, by whether the preceding close was retryable.",
	}, []string{"retryable"})

	rateLimitedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_audio_rate_limited_total",
		Help:      "Inbound audio frames dropped by the inbound audio limiter.",
	})

	captionCommitsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "caption_commits_total",
		Help:      "Caption commits, by commit reason.",
	}, []string{"reason"})

	playerEventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "player_events_total",
		Help:      "Player core observable events, by kind.",
	}, []string{"kind"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		segmentEventsTotal,
		upstreamEventsTotal,
		reconnectsTotal,
		rateLimitedTotal,
		captionCommitsTotal,
		playerEventsTotal,
	)

	return &Metrics{
		registry:            registry,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		SessionDuration:     sessionDuration,
		AudioBytesTotal:     audioBytesTotal,
		SegmentEventsTotal:  segmentEventsTotal,
		UpstreamEventsTotal: upstreamEventsTotal,
		ReconnectsTotal:     reconnectsTotal,
		RateLimitedTotal:    rateLimitedTotal,
		CaptionCommitsTotal: captionCommitsTotal,
		PlayerEventsTotal:   playerEventsTotal,
	}
}

// Handler returns an HTTP handler serving the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart marks a new dialog session as active.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd retires a dialog session with its terminal status and
// total lifetime.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordAudio records relayed PCM bytes in a direction ("inbound" or
// "outbound").
func (m *Metrics) RecordAudio(direction string, n int) {
	if n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordSegmentMetric records a kind string emitted by segment.Config.OnMetric.
func (m *Metrics) RecordSegmentMetric(kind string) {
	m.SegmentEventsTotal.WithLabelValues(kind).Inc()
}

// RecordUpstreamMetric records a kind string emitted by upstream.Config.OnMetric.
func (m *Metrics) RecordUpstreamMetric(kind string) {
	m.UpstreamEventsTotal.WithLabelValues(kind).Inc()
}

// RecordReconnect records one upstream reconnect attempt.
func (m *Metrics) RecordReconnect(retryable bool) {
	label := "false"
	if retryable {
		label = "true"
	}
	m.ReconnectsTotal.WithLabelValues(label).Inc()
}

// RecordRateLimited records one inbound audio frame dropped by rate limiting.
func (m *Metrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

// RecordCaptionCommit records one caption commit by its reason.
func (m *Metrics) RecordCaptionCommit(reason string) {
	m.CaptionCommitsTotal.WithLabelValues(reason).Inc()
}

// RecordPlayerEvent records one player-core observable event by kind.
func (m *Metrics) RecordPlayerEvent(kind string) {
	m.PlayerEventsTotal.WithLabelValues(kind).Inc()
}
