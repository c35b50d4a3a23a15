// Package metrics exposes run and live-trading counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/utils"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "backtest_runs_total", Help: "Backtest runs by mode and outcome"},
		[]string{"mode", "status"},
	)
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "backtest_trades_total", Help: "Simulated trades by side"},
		[]string{"mode", "side"},
	)
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backtest_run_duration_seconds",
			Help:    "Wall time of a single backtest run",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
		[]string{"mode"},
	)
	LiveOrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "live_orders_total", Help: "Orders submitted by the live session"},
		[]string{"symbol", "side"},
	)
	LiveChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "live_checks_total", Help: "Live session check passes by outcome"},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal, TradesTotal, RunDuration, LiveOrdersTotal, LiveChecksTotal)
}

// ObserveRun records one engine run that started at start
func ObserveRun(mode string, start time.Time, result backtest.Result, err error) {
	RunDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err != nil {
		RunsTotal.WithLabelValues(mode, "error").Inc()
		return
	}
	RunsTotal.WithLabelValues(mode, "ok").Inc()
	for _, t := range result.Trades {
		TradesTotal.WithLabelValues(mode, string(t.Side)).Inc()
	}
}

// Serve starts the /metrics endpoint in the background
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.GetLogger().Printf("Serve | metrics server on %s stopped: %v", addr, err)
		}
	}()
	return srv
}
