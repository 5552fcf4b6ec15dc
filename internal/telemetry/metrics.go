// Package telemetry exposes the process's Prometheus metrics: matching
// cycle counts, trade counts, settlement outcomes, retry sweep outcomes,
// and topology cache staleness. Pattern (package-level vectors registered in
// init, promhttp.Handler mounted by the caller) grounded on
// tommy-ca-opensqt_market_maker's pkg/liveserver/server.go.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MatchingCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridtokenx_matching_cycles_total",
		Help: "Total number of matching cycles executed.",
	})

	TradesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridtokenx_trades_total",
		Help: "Total number of trades matched.",
	})

	TradesSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtokenx_trades_skipped_total",
		Help: "Trades that matched in-memory but were skipped at persistence time.",
	}, []string{"reason"})

	OrdersExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridtokenx_orders_expired_total",
		Help: "Orders removed from the book for having expired.",
	})

	SettlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtokenx_settlements_total",
		Help: "Settlements by terminal outcome.",
	}, []string{"outcome"})

	RetrySweepTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridtokenx_retry_sweep_total",
		Help: "Retry sweep outcomes.",
	}, []string{"outcome"})

	TopologyCacheAgeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridtokenx_topology_cache_age_seconds",
		Help: "Seconds since the zone-rate cache last refreshed successfully.",
	})

	BookDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridtokenx_book_depth_levels",
		Help: "Number of distinct price levels currently resting in the book.",
	}, []string{"side"})
)

func init() {
	prometheus.MustRegister(
		MatchingCyclesTotal,
		TradesTotal,
		TradesSkippedTotal,
		OrdersExpiredTotal,
		SettlementsTotal,
		RetrySweepTotal,
		TopologyCacheAgeSeconds,
		BookDepth,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
