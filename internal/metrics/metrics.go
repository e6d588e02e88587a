package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "invitechat_ws_connections",
		Help: "Current number of websocket sessions",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "invitechat_online_users",
		Help: "Distinct users with an announced session",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invitechat_messages_total",
		Help: "Chat messages accepted and broadcast",
	})
	RejectedSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invitechat_rejected_sends_total",
		Help: "Sends refused by the eligibility gate",
	}, []string{"reason"})
	ModerationActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invitechat_moderation_actions_total",
		Help: "Moderation actions broadcast to sessions",
	}, []string{"action"})
	SlowConsumersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invitechat_slow_consumers_total",
		Help: "Sessions closed because their send buffer was full",
	})
	StoredUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "invitechat_users",
		Help: "Registered users",
	})
	ActiveCodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "invitechat_active_invite_codes",
		Help: "Invite codes that are active and unconsumed",
	})
	StoredMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "invitechat_stored_messages",
		Help: "Messages persisted in the store",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		OnlineUsers,
		MessagesTotal,
		RejectedSendsTotal,
		ModerationActionsTotal,
		SlowConsumersTotal,
		StoredUsers,
		ActiveCodes,
		StoredMessages,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware records request counts and latency per route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
