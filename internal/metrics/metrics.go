// Package metrics exposes Prometheus counters for the service's domain
// events. Collectors register in init; /metrics serves the default
// registry via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shabakeh_chat_messages_sent_total",
		Help: "Chat messages accepted for delivery.",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shabakeh_chat_messages_delivered_total",
		Help: "Delivery acknowledgements produced by the hub.",
	})

	PushNotifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shabakeh_push_notifications_total",
		Help: "Web push notifications attempted for offline users.",
	})

	PostsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shabakeh_feed_posts_created_total",
		Help: "Posts created locally through the feed API.",
	})

	FeedRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shabakeh_feed_refreshes_total",
		Help: "Canonical feed refreshes merged into local state.",
	})

	WebsocketConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shabakeh_websocket_connections",
		Help: "Currently open websocket connections.",
	})
)

func init() {
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesDelivered)
	prometheus.MustRegister(PushNotifications)
	prometheus.MustRegister(PostsCreated)
	prometheus.MustRegister(FeedRefreshes)
	prometheus.MustRegister(WebsocketConnections)
}
