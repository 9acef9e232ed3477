package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_http_requests_total",
		Help: "Total HTTP requests.",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payouts_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"method", "route"})

	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_gateway_calls_total",
		Help: "Payout gateway calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payouts_gateway_call_duration_seconds",
		Help:    "Payout gateway call latency.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"provider"})

	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_withdrawals_total",
		Help: "Withdrawal outcomes.",
	}, []string{"provider", "status"})

	PendingReconciliation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payouts_pending_reconciliation",
		Help: "Withdrawals left pending after the last reconciliation sweep.",
	})

	DistributionCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_distribution_credits_total",
		Help: "Distribution share credits by result.",
	}, []string{"result"})
)

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
