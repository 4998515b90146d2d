package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the market-data WebSocket server.
// Scraped from /metrics and visualized in Grafana.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_failed_total",
		Help: "Total number of failed or rejected connection attempts",
	})

	connectionsByDialect = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_connections_by_dialect",
		Help: "Current connections per endpoint dialect",
	}, []string{"dialect"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	// Reliability metrics
	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_slow_clients_disconnected_total",
		Help: "Total number of slow clients disconnected",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_rate_limited_messages_total",
		Help: "Total number of inbound messages dropped by rate limiting",
	})

	droppedBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_dropped_broadcasts_total",
		Help: "Total broadcast messages dropped by channel and reason",
	}, []string{"channel", "reason"})

	// Dispatcher metrics
	broadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_broadcasts_total",
		Help: "Total broadcast flushes that reached at least one subscriber",
	})

	coalescedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_coalesced_updates_total",
		Help: "Cache updates merged into a pending broadcast within the coalescing window",
	})

	// Upstream feed metrics
	feedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_events_total",
		Help: "Total events accepted from the upstream market-data feed",
	})

	feedEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_events_dropped_total",
		Help: "Total upstream events dropped because they failed to decode",
	})

	feedReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_reconnects_total",
		Help: "Total reconnections to the upstream feed",
	})

	feedConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feed_connected",
		Help: "Whether the upstream feed is connected (1) or not (0)",
	})

	// Cache metrics
	cacheSymbols = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_symbols",
		Help: "Number of symbols currently held in the market-data cache",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_percent",
		Help: "Current process CPU usage percent",
	})

	goroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsFailed,
		connectionsByDialect,
		disconnectsTotal,
		messagesSent,
		messagesReceived,
		bytesSent,
		bytesReceived,
		slowClientsDisconnected,
		rateLimitedMessages,
		droppedBroadcasts,
		broadcastsTotal,
		coalescedUpdates,
		feedEvents,
		feedEventsDropped,
		feedReconnects,
		feedConnected,
		cacheSymbols,
		memoryUsageBytes,
		cpuPercent,
		goroutineCount,
	)
}

// Disconnect reason and initiator labels. Shared by Prometheus metrics and
// the Stats disconnect map so dashboards and /health agree.
const (
	DisconnectReasonReadError      = "read_error"
	DisconnectReasonWriteError     = "write_error"
	DisconnectReasonPingTimeout    = "ping_timeout"
	DisconnectReasonTooSlow        = "too_slow"
	DisconnectReasonServerShutdown = "server_shutdown"

	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"

	DropReasonBufferFull = "buffer_full"
)

// RecordConnect updates connection counters on a successful upgrade.
func RecordConnect(dialect string) {
	connectionsTotal.Inc()
	connectionsActive.Inc()
	connectionsByDialect.WithLabelValues(dialect).Inc()
}

// IncrementConnectionsFailed counts a rejected or failed upgrade attempt.
func IncrementConnectionsFailed() {
	connectionsFailed.Inc()
}

// RecordDisconnect updates connection counters on teardown.
func RecordDisconnect(dialect, reason, initiatedBy string) {
	connectionsActive.Dec()
	connectionsByDialect.WithLabelValues(dialect).Dec()
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
}

// UpdateMessageMetrics increments sent/received message counters.
func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

// UpdateBytesMetrics increments sent/received byte counters.
func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

func IncrementSlowClientDisconnects() {
	slowClientsDisconnected.Inc()
}

func IncrementRateLimitedMessages() {
	rateLimitedMessages.Inc()
}

func RecordDroppedBroadcast(channel, reason string) {
	droppedBroadcasts.WithLabelValues(channel, reason).Inc()
}

func IncrementBroadcasts() {
	broadcastsTotal.Inc()
}

func IncrementCoalescedUpdates() {
	coalescedUpdates.Inc()
}

func IncrementFeedEvents() {
	feedEvents.Inc()
}

func IncrementFeedEventsDropped() {
	feedEventsDropped.Inc()
}

func IncrementFeedReconnects() {
	feedReconnects.Inc()
}

func SetFeedConnected(connected bool) {
	if connected {
		feedConnected.Set(1)
	} else {
		feedConnected.Set(0)
	}
}

func SetCacheSymbols(n int) {
	cacheSymbols.Set(float64(n))
}

// UpdateSystemMetrics publishes system monitor samples.
func UpdateSystemMetrics(cpu float64, memBytes int64, goroutines int) {
	cpuPercent.Set(cpu)
	memoryUsageBytes.Set(float64(memBytes))
	goroutineCount.Set(float64(goroutines))
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
