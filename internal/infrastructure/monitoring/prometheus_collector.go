package monitoring

import (
	"strconv"
	"time"

	"ticketdesk/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ticketdesk"

// ClientMetrics collects the desk client's session, HTTP and realtime metrics.
type ClientMetrics struct {
	loginsTotal   *prometheus.CounterVec
	logoutsTotal  *prometheus.CounterVec
	authorizeTime *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	realtimeEventsTotal *prometheus.CounterVec
	reconnectsTotal     prometheus.Counter
	realtimeConnected   prometheus.Gauge
}

// NewClientMetrics registers the client collectors on reg.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	f := promauto.With(reg)
	return &ClientMetrics{
		loginsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by outcome",
		}, []string{"result"}),

		logoutsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Sessions ended, by reason",
		}, []string{"reason"}),

		authorizeTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_authorization_duration_seconds",
			Help:      "Duration of broadcasting auth exchanges",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"result"}),

		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_client_requests_total",
			Help:      "Outgoing API requests by method, host and status",
		}, []string{"method", "host", "status"}),

		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_client_request_duration_seconds",
			Help:      "Duration of outgoing API requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "host"}),

		realtimeEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Application events received over the realtime connection",
		}, []string{"event"}),

		reconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Realtime reconnect attempts",
		}),

		realtimeConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connected",
			Help:      "1 while the realtime connection is established",
		}),
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *ClientMetrics) RecordLogin(success bool) {
	m.loginsTotal.WithLabelValues(result(success)).Inc()
}

func (m *ClientMetrics) RecordLogout(reason domain.LogoutReason) {
	m.logoutsTotal.WithLabelValues(string(reason)).Inc()
}

func (m *ClientMetrics) RecordChannelAuthorization(success bool, duration time.Duration) {
	m.authorizeTime.WithLabelValues(result(success)).Observe(duration.Seconds())
}

// RecordHTTPRequest records one API call; status 0 means no response arrived.
func (m *ClientMetrics) RecordHTTPRequest(method, host string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, host, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, host).Observe(duration.Seconds())
}

func (m *ClientMetrics) RecordRealtimeEvent(event string) {
	m.realtimeEventsTotal.WithLabelValues(event).Inc()
}

func (m *ClientMetrics) RecordReconnect() {
	m.reconnectsTotal.Inc()
}

func (m *ClientMetrics) SetRealtimeConnected(connected bool) {
	if connected {
		m.realtimeConnected.Set(1)
		return
	}
	m.realtimeConnected.Set(0)
}

// ServerMetrics collects deskd metrics.
type ServerMetrics struct {
	connections        prometheus.Gauge
	subscriptionsTotal *prometheus.CounterVec
	broadcastsTotal    *prometheus.CounterVec
	deliveriesTotal    prometheus.Counter
	tokensIssuedTotal  prometheus.Counter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewServerMetrics registers the deskd collectors on reg.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	f := promauto.With(reg)
	return &ServerMetrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open realtime websocket connections",
		}),

		subscriptionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_subscriptions_total",
			Help:      "Channel subscription attempts by outcome",
		}, []string{"result"}),

		broadcastsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts by channel kind",
		}, []string{"kind"}),

		deliveriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Messages written to subscribers",
		}),

		tokensIssuedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued by /login",
		}),

		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Served HTTP requests",
		}, []string{"method", "route", "status"}),

		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of served HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *ServerMetrics) SetConnections(n int) {
	m.connections.Set(float64(n))
}

func (m *ServerMetrics) RecordSubscription(success bool) {
	m.subscriptionsTotal.WithLabelValues(result(success)).Inc()
}

// RecordBroadcast labels by channel kind; channel names carry ids and would
// explode cardinality.
func (m *ServerMetrics) RecordBroadcast(channel string, delivered int) {
	m.broadcastsTotal.WithLabelValues(channelKind(channel)).Inc()
	m.deliveriesTotal.Add(float64(delivered))
}

func (m *ServerMetrics) RecordTokenIssued() {
	m.tokensIssuedTotal.Inc()
}

// Middleware records request counts and latency per matched route.
func (m *ServerMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func channelKind(channel string) string {
	switch {
	case domain.IsPresenceChannel(channel):
		return "presence"
	case domain.RequiresAuthorization(channel):
		return "private"
	}
	return "public"
}
