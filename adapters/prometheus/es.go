package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftworks/evlog-go/core/es"
	"github.com/driftworks/evlog-go/core/metrics"
)

// storeMetrics implements es.Metrics using Prometheus.
type storeMetrics struct {
	// Append path
	appendDuration       *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts prometheus.Counter
	duplicatesSkipped    prometheus.Counter

	// Projections
	projectionDuration *prometheus.HistogramVec
	projectionErrors   *prometheus.CounterVec

	// Subscriber fan-out
	subscriberEnqueued  prometheus.Counter
	subscriberDelivered *prometheus.CounterVec

	// Snapshots and rebuilds
	snapshotSaveDuration prometheus.Histogram
	snapshotLoadDuration prometheus.Histogram
	rebuildDuration      prometheus.Histogram

	// Rebuild cache
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewStoreMetrics creates a new Prometheus implementation of es.Metrics.
func NewStoreMetrics(reg prometheus.Registerer) es.Metrics {
	m := &storeMetrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evlog_append_duration_seconds",
			Help:    "Event append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"event_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evlog_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"event_type"}),

		concurrencyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evlog_concurrency_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}),

		duplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evlog_duplicates_skipped_total",
			Help: "Total number of appends skipped as duplicates",
		}),

		projectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evlog_projection_update_duration_seconds",
			Help:    "Projection update time in seconds",
			Buckets: defaultBuckets,
		}, []string{"projection"}),

		projectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evlog_projection_handler_errors_total",
			Help: "Total number of projection handler failures",
		}, []string{"projection"}),

		subscriberEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evlog_subscriber_enqueued_total",
			Help: "Total number of events enqueued for delivery",
		}),

		subscriberDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evlog_subscriber_delivered_total",
			Help: "Total number of subscriber deliveries",
		}, []string{"success"}),

		snapshotSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evlog_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency in seconds",
			Buckets: defaultBuckets,
		}),

		snapshotLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evlog_snapshot_load_duration_seconds",
			Help:    "Snapshot load latency in seconds",
			Buckets: defaultBuckets,
		}),

		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evlog_rebuild_duration_seconds",
			Help:    "Aggregate rebuild latency in seconds",
			Buckets: defaultBuckets,
		}),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evlog_cache_hits_total",
			Help: "Total number of rebuild cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evlog_cache_misses_total",
			Help: "Total number of rebuild cache misses",
		}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.duplicatesSkipped,
		m.projectionDuration,
		m.projectionErrors,
		m.subscriberEnqueued,
		m.subscriberDelivered,
		m.snapshotSaveDuration,
		m.snapshotLoadDuration,
		m.rebuildDuration,
		m.cacheHits,
		m.cacheMisses,
	)

	return m
}

func (m *storeMetrics) AppendDuration(eventType string) metrics.Timer {
	return newTimer(m.appendDuration.WithLabelValues(eventType))
}

func (m *storeMetrics) EventAppended(eventType string) {
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

func (m *storeMetrics) ConcurrencyConflict() {
	m.concurrencyConflicts.Inc()
}

func (m *storeMetrics) DuplicateSkipped() {
	m.duplicatesSkipped.Inc()
}

func (m *storeMetrics) ProjectionUpdateDuration(projection string) metrics.Timer {
	return newTimer(m.projectionDuration.WithLabelValues(projection))
}

func (m *storeMetrics) ProjectionHandlerError(projection string) {
	m.projectionErrors.WithLabelValues(projection).Inc()
}

func (m *storeMetrics) SubscriberEnqueued() {
	m.subscriberEnqueued.Inc()
}

func (m *storeMetrics) SubscriberDelivered(success bool) {
	m.subscriberDelivered.WithLabelValues(boolToStr(success)).Inc()
}

func (m *storeMetrics) SnapshotSaveDuration() metrics.Timer {
	return newTimer(m.snapshotSaveDuration)
}

func (m *storeMetrics) SnapshotLoadDuration() metrics.Timer {
	return newTimer(m.snapshotLoadDuration)
}

func (m *storeMetrics) RebuildDuration() metrics.Timer {
	return newTimer(m.rebuildDuration)
}

func (m *storeMetrics) CacheHit() {
	m.cacheHits.Inc()
}

func (m *storeMetrics) CacheMiss() {
	m.cacheMisses.Inc()
}

var _ es.Metrics = (*storeMetrics)(nil)
