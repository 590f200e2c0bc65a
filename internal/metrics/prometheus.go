// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	CandlesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candlebot_candles_closed_total",
			Help: "Total number of candles closed by the aggregator",
		},
		[]string{"timeframe", "source"}, // source: live|eod
	)

	TickErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "candlebot_tick_errors_total",
			Help: "Total number of malformed or failed tick messages",
		},
	)

	// Quote metrics
	QuotePolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candlebot_quote_polls_total",
			Help: "Total number of option chain polls",
		},
		[]string{"status"}, // status: success|error|rate_limited
	)

	QuoteUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "candlebot_quote_updates_total",
			Help: "Total number of changed quotes dispatched to listeners",
		},
	)

	// Order metrics
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candlebot_orders_submitted_total",
			Help: "Total number of option orders submitted",
		},
		[]string{"side", "status"},
	)

	FillsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candlebot_fills_applied_total",
			Help: "Total number of fills folded into positions",
		},
		[]string{"side"},
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "candlebot_realized_pnl_dollars",
			Help: "Realized P&L across all positions since process start",
		},
	)

	// Research metrics
	ResearchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candlebot_research_events_total",
			Help: "Total number of research signal and path events written",
		},
		[]string{"event"}, // event: signal|candle_close|touch
	)

	// Dispatch metrics
	ListenerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "candlebot_listener_errors_total",
			Help: "Total number of listener or hook failures caught at dispatch",
		},
		[]string{"source"}, // source: bus|quotes|watcher|runner|pipeline
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(CandlesClosed)
		prometheus.MustRegister(TickErrors)
		prometheus.MustRegister(QuotePolls)
		prometheus.MustRegister(QuoteUpdates)
		prometheus.MustRegister(OrdersSubmitted)
		prometheus.MustRegister(FillsApplied)
		prometheus.MustRegister(RealizedPnL)
		prometheus.MustRegister(ListenerErrors)
		prometheus.MustRegister(ResearchEvents)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordQuotePoll counts a poll by outcome.
func RecordQuotePoll(err error, rateLimited bool) {
	status := "success"
	switch {
	case rateLimited:
		status = "rate_limited"
	case err != nil:
		status = "error"
	}
	QuotePolls.WithLabelValues(status).Inc()
}
