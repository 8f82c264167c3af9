package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway. Scraped via /metrics and
// summarized onto the event bus every metrics interval.
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

	connectionsAuthenticated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_authenticated",
		Help: "Current number of authenticated WebSocket connections",
	})

	connectionsAnonymous = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_anonymous",
		Help: "Current number of anonymous WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	authInterrupted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_auth_interrupted_total",
		Help: "Total connections dropped while authentication was in progress",
	})

	veryShortConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_very_short_connections_total",
		Help: "Total connections that lived for less than one second",
	})

	abnormalCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_abnormal_closes_total",
		Help: "Total connections closed with a non-normal close code",
	})

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

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_errors_total",
		Help: "Total error frames emitted, by error code",
	}, []string{"code"})

	rateLimitBreaches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_rate_limit_breaches_total",
		Help: "Total connections closed for exceeding the message budget",
	})

	droppedBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_dropped_broadcasts_total",
		Help: "Total broadcast frames dropped, by channel and reason",
	}, []string{"channel", "reason"})

	channelSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_channel_subscribers",
		Help: "Current subscriber count per channel",
	}, []string{"channel"})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connection_rate_limited_total",
		Help: "Total connection attempts rejected by rate limiting, by scope",
	}, []string{"scope"})

	handlerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_handler_duration_seconds",
		Help:    "Endpoint message handler duration",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})

	// Event bus / ingest metrics
	busEventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_bus_events_published_total",
		Help: "Total events published on the internal bus, by event name",
	}, []string{"event"})

	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_nats_connected",
		Help: "1 when the NATS ingest connection is up, 0 otherwise",
	})

	natsReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_nats_reconnects_total",
		Help: "Total NATS reconnections",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsAuthenticated,
		connectionsAnonymous,
		ConnectionsFailed,
		authInterrupted,
		veryShortConnections,
		abnormalCloses,
		disconnectsTotal,
		messagesSent,
		messagesReceived,
		errorsTotal,
		rateLimitBreaches,
		droppedBroadcasts,
		channelSubscribers,
		connectionRateLimited,
		handlerDuration,
		busEventsPublished,
		natsConnected,
		natsReconnects,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Disconnect reasons and initiators for categorized disconnect tracking.
const (
	DisconnectReasonReadError        = "read_error"
	DisconnectReasonWriteError       = "write_error"
	DisconnectReasonSlowClient       = "slow_client"
	DisconnectReasonRateLimit        = "rate_limit"
	DisconnectReasonHeartbeatTimeout = "heartbeat_timeout"
	DisconnectReasonUnauthorized     = "unauthorized"
	DisconnectReasonProtocolError    = "protocol_error"
	DisconnectReasonServerShutdown   = "server_shutdown"
	DisconnectReasonClientClose      = "client_close"

	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"

	DropReasonBufferFull   = "buffer_full"
	DropReasonSocketClosed = "socket_closed"
)

func ConnectionOpened(authenticated bool) {
	connectionsTotal.Inc()
	connectionsActive.Inc()
	if authenticated {
		connectionsAuthenticated.Inc()
	} else {
		connectionsAnonymous.Inc()
	}
}

func ConnectionClosed(authenticated bool, duration time.Duration, reason, initiatedBy string) {
	connectionsActive.Dec()
	if authenticated {
		connectionsAuthenticated.Dec()
	} else {
		connectionsAnonymous.Dec()
	}
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	if duration < time.Second {
		veryShortConnections.Inc()
	}
}

func AuthInterrupted()                { authInterrupted.Inc() }
func AbnormalClose()                  { abnormalCloses.Inc() }
func MessageSent()                    { messagesSent.Inc() }
func MessageReceived()                { messagesReceived.Inc() }
func ErrorEmitted(code string)        { errorsTotal.WithLabelValues(code).Inc() }
func RateLimitBreach()                { rateLimitBreaches.Inc() }
func BusEventPublished(name string)   { busEventsPublished.WithLabelValues(name).Inc() }
func SetNATSConnected(up bool)        { natsConnected.Set(boolToFloat(up)) }
func NATSReconnected()                { natsReconnects.Inc() }
func ConnectionRateLimited(sc string) { connectionRateLimited.WithLabelValues(sc).Inc() }

func DroppedBroadcast(channel, reason string) {
	droppedBroadcasts.WithLabelValues(channel, reason).Inc()
}

func SetChannelSubscribers(channel string, n int) {
	if n <= 0 {
		channelSubscribers.DeleteLabelValues(channel)
		return
	}
	channelSubscribers.WithLabelValues(channel).Set(float64(n))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// latencyWindow keeps the most recent handler durations so the status
// snapshot can report an on-demand average without a histogram query.
const latencyWindowSize = 100

var (
	latencyMu      sync.Mutex
	latencySamples [latencyWindowSize]time.Duration
	latencyCount   int
	latencyNext    int
)

// ObserveHandlerDuration records one handler execution in both the
// Prometheus histogram and the rolling average window.
func ObserveHandlerDuration(d time.Duration) {
	handlerDuration.Observe(d.Seconds())

	latencyMu.Lock()
	latencySamples[latencyNext] = d
	latencyNext = (latencyNext + 1) % latencyWindowSize
	if latencyCount < latencyWindowSize {
		latencyCount++
	}
	latencyMu.Unlock()
}

// AverageHandlerLatency returns the mean of the last 100 handler
// durations, or zero when no handler has run yet.
func AverageHandlerLatency() time.Duration {
	latencyMu.Lock()
	defer latencyMu.Unlock()

	if latencyCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < latencyCount; i++ {
		sum += latencySamples[i]
	}
	return sum / time.Duration(latencyCount)
}
