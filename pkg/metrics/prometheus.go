// Package metrics provides Prometheus metrics for the icebreaker game service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the game service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Game flow
	transitions  *prometheus.CounterVec
	staleWrites  prometheus.Counter
	noopAdvances prometheus.Counter
	eventsTotal  prometheus.Gauge

	// Voting
	votes            prometheus.Counter
	duplicateVotes   prometheus.Counter
	matchEvaluations prometheus.Counter
	matchesFound     prometheus.Counter

	// Change feed
	feedPublishes     prometheus.Counter
	feedDeliveries    prometheus.Counter
	feedDropped       prometheus.Counter
	feedSubscriptions prometheus.Gauge

	// Device synchronizers
	syncRollbacks prometheus.Counter
	syncResyncs   prometheus.Counter

	// Store
	storeLatency *prometheus.HistogramVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "icebreaker",
		subsystem:        "game",
		histogramBuckets: prometheus.DefBuckets,
		constLabels:      map[string]string{},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	m.transitions = m.counterVec("transitions_total", "Committed phase transitions by kind", "kind")
	m.staleWrites = m.counter("stale_writes_total", "Transition writes rejected by the version precondition")
	m.noopAdvances = m.counter("noop_advances_total", "Advance requests that found the transition already performed")
	m.eventsTotal = m.gauge("events", "Number of events known to the store")

	m.votes = m.counter("votes_total", "Accepted match-selection votes")
	m.duplicateVotes = m.counter("duplicate_votes_total", "Votes rejected because the voter already voted this level")
	m.matchEvaluations = m.counter("match_evaluations_total", "Match evaluations performed once per event and level")
	m.matchesFound = m.counter("matches_found_total", "Reciprocal pairs found by match evaluations")

	m.feedPublishes = m.counter("feed_publishes_total", "Rows published to the change feed")
	m.feedDeliveries = m.counter("feed_deliveries_total", "Rows delivered to subscribers")
	m.feedDropped = m.counter("feed_dropped_subscribers_total", "Subscribers dropped for falling behind")
	m.feedSubscriptions = m.gauge("feed_subscriptions", "Open change-feed subscriptions")

	m.syncRollbacks = m.counter("sync_rollbacks_total", "Optimistic local updates rolled back")
	m.syncResyncs = m.counter("sync_resyncs_total", "Full restores after a stale write or a lost subscription")

	m.storeLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "store_latency_milliseconds",
		Help:        "Data store operation latency in milliseconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}, []string{"op"})

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests", "endpoint", "method", "status_code")
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "http_request_duration_seconds",
		Help:        "HTTP request duration in seconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}, []string{"endpoint", "method", "status_code"})

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Errors by endpoint, method and type", "endpoint", "method", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_bytes", "Heap memory in use")
	m.systemGoroutineCount = m.gauge("system_goroutines", "Number of goroutines")
	m.systemGCPauseTime = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "system_gc_pause_milliseconds",
		Help:        "Most recent GC pause in milliseconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	})
}

// Game flow.

// RecordTransition counts a committed transition of the given kind.
func RecordTransition(kind string) {
	globalManager.transitions.WithLabelValues(kind).Inc()
}

// RecordStaleWrite counts a write rejected by the version precondition.
func RecordStaleWrite() {
	globalManager.staleWrites.Inc()
}

// RecordNoopAdvance counts an advance that was already performed elsewhere.
func RecordNoopAdvance() {
	globalManager.noopAdvances.Inc()
}

// UpdateEventsTotal sets the number of known events.
func UpdateEventsTotal(count int) {
	globalManager.eventsTotal.Set(float64(count))
}

// Voting.

// RecordVote counts an accepted vote.
func RecordVote() {
	globalManager.votes.Inc()
}

// RecordDuplicateVote counts a rejected duplicate vote.
func RecordDuplicateVote() {
	globalManager.duplicateVotes.Inc()
}

// RecordMatchEvaluation counts one guarded evaluation and the pairs it found.
func RecordMatchEvaluation(pairs int) {
	globalManager.matchEvaluations.Inc()
	globalManager.matchesFound.Add(float64(pairs))
}

// Change feed.

// RecordFeedPublish counts a published row.
func RecordFeedPublish() {
	globalManager.feedPublishes.Inc()
}

// RecordFeedDelivery counts a row handed to a subscriber.
func RecordFeedDelivery() {
	globalManager.feedDeliveries.Inc()
}

// RecordFeedDropped counts a subscriber dropped for being too slow.
func RecordFeedDropped() {
	globalManager.feedDropped.Inc()
}

// AddFeedSubscriptions moves the open subscription gauge by delta.
func AddFeedSubscriptions(delta int) {
	globalManager.feedSubscriptions.Add(float64(delta))
}

// Synchronizers.

// RecordSyncRollback counts a rolled back optimistic update.
func RecordSyncRollback() {
	globalManager.syncRollbacks.Inc()
}

// RecordSyncResync counts a full restore.
func RecordSyncResync() {
	globalManager.syncResyncs.Inc()
}

// Store.

// RecordStoreLatency records a store operation latency.
func RecordStoreLatency(op string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(op).Observe(latencyMs)
}

// HTTP.

// RecordHTTPRequest increments the HTTP request counter.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in seconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Errors.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// System.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
