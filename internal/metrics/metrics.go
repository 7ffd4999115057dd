package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all prometheus collectors. One instance per process, created
// at startup and passed down (no package-level singletons so tests can build
// isolated registries).
type Metrics struct {
	registry *prometheus.Registry

	TunerState        *prometheus.GaugeVec
	StreamClients     prometheus.Gauge
	TuneSeconds       prometheus.Histogram
	TuneFailures      prometheus.Counter
	EncoderRestarts   prometheus.Counter
	EncoderBytes      prometheus.Counter
	SegmentCacheHits  prometheus.Counter
	SegmentCacheMiss  prometheus.Counter
	SegmentCacheSize  prometheus.Gauge
	Extractions       *prometheus.CounterVec
	StreamRefreshes   prometheus.Counter
	EPGRefreshSeconds prometheus.Histogram
}

// New builds a Metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TunerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "webtuner_tuner_state",
			Help: "Per-tuner state as a one-hot gauge.",
		}, []string{"tuner", "state"}),
		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webtuner_stream_clients",
			Help: "Currently attached live-stream clients across all tuners.",
		}),
		TuneSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "webtuner_tune_seconds",
			Help:    "Wall time from allocate to streaming.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		TuneFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "webtuner_tune_failures_total",
			Help: "Tune attempts that ended in error.",
		}),
		EncoderRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "webtuner_encoder_restarts_total",
			Help: "Capture encoder hot restarts (includes hw fallback restarts).",
		}),
		EncoderBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "webtuner_encoder_bytes_total",
			Help: "MPEG-TS bytes produced by capture encoders.",
		}),
		SegmentCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "webtuner_segment_cache_hits_total",
			Help: "Segment proxy cache hits.",
		}),
		SegmentCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Name: "webtuner_segment_cache_misses_total",
			Help: "Segment proxy cache misses (fetched from upstream).",
		}),
		SegmentCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webtuner_segment_cache_entries",
			Help: "Entries currently in the segment cache.",
		}),
		Extractions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webtuner_extractions_total",
			Help: "VOD stream URL extractions by provider and outcome.",
		}, []string{"provider", "outcome"}),
		StreamRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "webtuner_stream_refreshes_total",
			Help: "Proactive StreamEntry URL refreshes.",
		}),
		EPGRefreshSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "webtuner_epg_refresh_seconds",
			Help:    "Duration of EPG ingest runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}

// SetTunerState flips the one-hot state gauge for a tuner.
func (m *Metrics) SetTunerState(tuner string, states []string, active string) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1.0
		}
		m.TunerState.WithLabelValues(tuner, s).Set(v)
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
