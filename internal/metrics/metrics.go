// Package metrics exposes the bridge's Prometheus collectors. Collectors are
// registered on a private registry so tests can instantiate freely.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the bridge emits.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	FIXMessagesIn    *prometheus.CounterVec
	FIXMessagesOut   *prometheus.CounterVec
	QuotesActive     *prometheus.GaugeVec
	QuotesTotal      *prometheus.CounterVec
	RateRefreshes    *prometheus.CounterVec
	RateCacheEntries prometheus.Gauge
	BridgeOrders     *prometheus.GaugeVec
	UpstreamLatency  *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) {
		registry.MustRegister(c)
	}

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lqbridge_fix_sessions_active",
			Help: "Number of logged-in FIX sessions",
		}),
		FIXMessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lqbridge_fix_messages_in_total",
			Help: "Inbound FIX messages by type",
		}, []string{"msg_type"}),
		FIXMessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lqbridge_fix_messages_out_total",
			Help: "Outbound FIX messages by type",
		}, []string{"msg_type"}),
		QuotesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lqbridge_quotes_active",
			Help: "In-flight quotes by lifecycle state",
		}, []string{"state"}),
		QuotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lqbridge_quotes_total",
			Help: "Quote lifecycle transitions by target state",
		}, []string{"state"}),
		RateRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lqbridge_rate_refreshes_total",
			Help: "Rate refresh outcomes per pair direction",
		}, []string{"outcome"}),
		RateCacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lqbridge_rate_cache_entries",
			Help: "Entries currently held in the rate cache",
		}),
		BridgeOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lqbridge_bridge_orders",
			Help: "Bridge orders by state",
		}, []string{"state"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lqbridge_upstream_latency_seconds",
			Help:    "Upstream call latency by endpoint",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	factory(m.SessionsActive)
	factory(m.FIXMessagesIn)
	factory(m.FIXMessagesOut)
	factory(m.QuotesActive)
	factory(m.QuotesTotal)
	factory(m.RateRefreshes)
	factory(m.RateCacheEntries)
	factory(m.BridgeOrders)
	factory(m.UpstreamLatency)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
