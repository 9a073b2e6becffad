package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	socketConnections     *prometheus.GaugeVec
	socketReconnects      *prometheus.CounterVec
	socketMessages        *prometheus.CounterVec
	socketDropped         *prometheus.CounterVec
	queueOperations       *prometheus.CounterVec
	broadcastMessages     *prometheus.CounterVec
	leaderGauge           prometheus.Gauge
	historyLoadSeconds    prometheus.Histogram
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	notificationsReceived *prometheus.CounterVec
	streamSubscribers     prometheus.Gauge
	attachmentsTotal      *prometheus.CounterVec
	attachmentSeconds     prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the realtime agent.
func RegisterMetrics() {
	registerOnce.Do(func() {
		socketConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realtime_socket_connected",
			Help: "Whether the named websocket is currently connected (1) or not (0).",
		}, []string{"socket"})

		socketReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_socket_reconnects_total",
			Help: "Reconnect attempts scheduled per websocket.",
		}, []string{"socket"})

		socketMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_socket_messages_total",
			Help: "Inbound websocket messages by socket and type.",
		}, []string{"socket", "type"})

		socketDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_socket_dropped_total",
			Help: "Inbound websocket payloads dropped as malformed or unknown.",
		}, []string{"socket", "reason"})

		queueOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_queue_operations_total",
			Help: "Offline notification queue operations by outcome.",
		}, []string{"operation", "outcome"})

		broadcastMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_messages_total",
			Help: "Cross-agent broadcast envelopes by direction and type.",
		}, []string{"direction", "type"})

		leaderGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_leader",
			Help: "Whether this agent currently holds notification leadership.",
		})

		historyLoadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_history_load_seconds",
			Help:    "Latency of lazy chat history loads.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		})

		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "local_api_requests_total",
			Help: "Total number of local API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "local_api_latency_seconds",
			Help:    "Latency distribution for local API requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"method", "route"})

		notificationsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_received_total",
			Help: "Notifications observed by the agent by source.",
		}, []string{"source"})

		streamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notification_stream_subscribers",
			Help: "Active local notification stream subscribers.",
		})

		attachmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_attachments_total",
			Help: "Attachment uploads by detected kind and outcome.",
		}, []string{"kind", "outcome"})

		attachmentSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_attachment_store_seconds",
			Help:    "Latency of storing chat attachments.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		})

		prometheus.MustRegister(
			socketConnections,
			socketReconnects,
			socketMessages,
			socketDropped,
			queueOperations,
			broadcastMessages,
			leaderGauge,
			historyLoadSeconds,
			apiRequestsTotal,
			apiLatencySeconds,
			notificationsReceived,
			streamSubscribers,
			attachmentsTotal,
			attachmentSeconds,
		)
	})
}

// SocketConnected exposes the connection gauge.
func SocketConnected() *prometheus.GaugeVec {
	RegisterMetrics()
	return socketConnections
}

// SocketReconnects exposes the reconnect counter.
func SocketReconnects() *prometheus.CounterVec {
	RegisterMetrics()
	return socketReconnects
}

// SocketMessages exposes the inbound message counter.
func SocketMessages() *prometheus.CounterVec {
	RegisterMetrics()
	return socketMessages
}

// SocketDropped exposes the dropped payload counter.
func SocketDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return socketDropped
}

// QueueOperations exposes the queue operation counter.
func QueueOperations() *prometheus.CounterVec {
	RegisterMetrics()
	return queueOperations
}

// BroadcastMessages exposes the broadcast envelope counter.
func BroadcastMessages() *prometheus.CounterVec {
	RegisterMetrics()
	return broadcastMessages
}

// Leader exposes the leadership gauge.
func Leader() prometheus.Gauge {
	RegisterMetrics()
	return leaderGauge
}

// HistoryLoadLatency exposes the lazy load histogram.
func HistoryLoadLatency() prometheus.Histogram {
	RegisterMetrics()
	return historyLoadSeconds
}

// APIRequests exposes the local API request counter.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the local API latency histogram.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// NotificationsReceived exposes the notification counter.
func NotificationsReceived() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsReceived
}

// StreamSubscribers exposes the notification stream subscriber gauge.
func StreamSubscribers() prometheus.Gauge {
	RegisterMetrics()
	return streamSubscribers
}

// Attachments exposes the attachment upload counter.
func Attachments() *prometheus.CounterVec {
	RegisterMetrics()
	return attachmentsTotal
}

// AttachmentLatency exposes the attachment storage histogram.
func AttachmentLatency() prometheus.Histogram {
	RegisterMetrics()
	return attachmentSeconds
}
