// Package metrics bundles the Prometheus collectors exported on /metrics.
// Every method is safe to call on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kickmon"

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sseClients      prometheus.Gauge
	broadcastDrops  prometheus.Counter
	rateLimited     prometheus.Counter

	chatMessages   prometheus.Counter
	chatMalformed  prometheus.Counter
	chatState      prometheus.Gauge
	chatReconnects prometheus.Counter

	pollCycles     *prometheus.CounterVec
	redemptions    prometheus.Counter
	acceptFailures prometheus.Counter
	apiRequests    *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	busDropped     prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Events dropped for slow SSE clients",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "HTTP requests rejected by the per-IP limiter",
		}),
		chatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages parsed from the realtime connection",
		}),
		chatMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_malformed_frames_total",
			Help:      "Realtime frames that could not be decoded",
		}),
		chatState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_connection_state",
			Help:      "0 disconnected, 1 connecting, 2 subscribed",
		}),
		chatReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_reconnects_total",
			Help:      "Reconnect attempts made by the chat supervisor",
		}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemption_poll_cycles_total",
			Help:      "Redemption poll cycles by outcome",
		}, []string{"result"}),
		redemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_delivered_total",
			Help:      "New redemptions delivered to the consumer",
		}),
		acceptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemption_accept_failures_total",
			Help:      "Failed auto-fulfil calls",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Outbound REST calls by operation and status",
		}, []string{"op", "status"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by outcome",
		}, []string{"result"}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped_total",
			Help:      "Consumer events dropped because the queue was full",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.sseClients,
		m.broadcastDrops,
		m.rateLimited,
		m.chatMessages,
		m.chatMalformed,
		m.chatState,
		m.chatReconnects,
		m.pollCycles,
		m.redemptions,
		m.acceptFailures,
		m.apiRequests,
		m.tokenRefreshes,
		m.busDropped,
	)
	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

func (m *Metrics) IncBroadcastDrops() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncChatMessages() {
	if m == nil {
		return
	}
	m.chatMessages.Inc()
}

func (m *Metrics) IncChatMalformed() {
	if m == nil {
		return
	}
	m.chatMalformed.Inc()
}

// SetChatState records the numeric connection state.
func (m *Metrics) SetChatState(state int) {
	if m == nil {
		return
	}
	m.chatState.Set(float64(state))
}

func (m *Metrics) IncChatReconnects() {
	if m == nil {
		return
	}
	m.chatReconnects.Inc()
}

// IncPollCycle counts a poll cycle; result is one of ok, limited, unauthorized, error.
func (m *Metrics) IncPollCycle(result string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRedemptions() {
	if m == nil {
		return
	}
	m.redemptions.Inc()
}

func (m *Metrics) IncAcceptFailures() {
	if m == nil {
		return
	}
	m.acceptFailures.Inc()
}

func (m *Metrics) IncAPIRequest(op string, status int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
}

func (m *Metrics) IncTokenRefresh(result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) AddBusDropped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.busDropped.Add(float64(n))
}
