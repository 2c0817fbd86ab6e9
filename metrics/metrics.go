// Package metrics exposes the bot's Prometheus instruments and turns risk
// alerts and strategy order events into counters and gauges.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"onesided-maker/execution"
	"onesided-maker/marketdata"
	"onesided-maker/risk"
)

const namespace = "onesided_maker"

type Metrics struct {
	Alerts          *prometheus.CounterVec
	OrdersPlaced    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	OrderFailures   *prometheus.CounterVec
	Fills           *prometheus.CounterVec
	FilledSize      *prometheus.CounterVec
	Rebates         *prometheus.CounterVec
	QuoteCycles     *prometheus.HistogramVec

	PortfolioValue  prometheus.Gauge
	Drawdown        prometheus.Gauge
	DailyPnL        prometheus.Gauge
	Exposure        prometheus.Gauge
	PendingExposure prometheus.Gauge
	OpenPositions   prometheus.Gauge
	EmergencyStop   prometheus.Gauge

	FeedConnected  prometheus.Gauge
	FeedReconnects prometheus.Gauge
	FeedMessages   prometheus.Gauge
}

// New registers every instrument with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "risk", Name: "alerts_total",
			Help: "Risk alerts dispatched, by level and type.",
		}, []string{"level", "type"}),
		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "placed_total",
			Help: "Quotes accepted by the exchange.",
		}, []string{"symbol", "side"}),
		OrdersCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "cancelled_total",
			Help: "Quotes cancelled.",
		}, []string{"symbol"}),
		OrderFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "failures_total",
			Help: "Failed exchange calls, by operation.",
		}, []string{"symbol", "op"}),
		Fills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "fills_total",
			Help: "Fill events applied to the ledger.",
		}, []string{"symbol", "side"}),
		FilledSize: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "filled_size_total",
			Help: "Base quantity filled.",
		}, []string{"symbol"}),
		Rebates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "rebates_total",
			Help: "Maker rebates earned, in quote currency.",
		}, []string{"symbol"}),
		QuoteCycles: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "strategy", Name: "quote_cycle_seconds",
			Help:    "Duration of one cancel-then-place cycle.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"symbol"}),

		PortfolioValue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "portfolio", Name: "total_value",
			Help: "Cash plus marked positions.",
		}),
		Drawdown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "portfolio", Name: "drawdown_percent",
			Help: "Current drawdown from peak value.",
		}),
		DailyPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "portfolio", Name: "daily_pnl",
			Help: "Realized P&L since the start of the day.",
		}),
		Exposure: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "portfolio", Name: "exposure",
			Help: "Total notional of open positions.",
		}),
		PendingExposure: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "portfolio", Name: "pending_exposure",
			Help: "Notional of resting orders.",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "portfolio", Name: "open_positions",
			Help: "Number of open positions.",
		}),
		EmergencyStop: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "risk", Name: "emergency_stop",
			Help: "1 while the emergency stop latch is set.",
		}),

		FeedConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "connected",
			Help: "1 while the market data websocket is connected.",
		}),
		FeedReconnects: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "reconnects",
			Help: "Reconnects since start.",
		}),
		FeedMessages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "messages",
			Help: "Messages received since start.",
		}),
	}
}

func (m *Metrics) OrderPlaced(symbol string, side execution.OrderSide) {
	m.OrdersPlaced.WithLabelValues(symbol, string(side)).Inc()
}

func (m *Metrics) OrderCancelled(symbol string) {
	m.OrdersCancelled.WithLabelValues(symbol).Inc()
}

func (m *Metrics) OrderFailed(symbol, op string) {
	m.OrderFailures.WithLabelValues(symbol, op).Inc()
}

func (m *Metrics) OrderFilled(symbol string, side execution.OrderSide, size, rebate decimal.Decimal) {
	m.Fills.WithLabelValues(symbol, string(side)).Inc()
	m.FilledSize.WithLabelValues(symbol).Add(size.InexactFloat64())
	if rebate.IsPositive() {
		m.Rebates.WithLabelValues(symbol).Add(rebate.InexactFloat64())
	}
}

func (m *Metrics) QuoteCycle(symbol string, elapsed time.Duration) {
	m.QuoteCycles.WithLabelValues(symbol).Observe(elapsed.Seconds())
}

// PortfolioSource is the read side of the risk manager.
type PortfolioSource interface {
	GetPortfolio() risk.Portfolio
	GetMetrics() risk.RiskMetrics
	IsEmergencyStopped() bool
}

func (m *Metrics) RecordPortfolio(src PortfolioSource) {
	p := src.GetPortfolio()
	rm := src.GetMetrics()

	m.PortfolioValue.Set(p.TotalValue.InexactFloat64())
	m.OpenPositions.Set(float64(p.OpenPositions))
	m.Drawdown.Set(rm.CurrentDrawdown.InexactFloat64())
	m.DailyPnL.Set(rm.DailyPnL.InexactFloat64())
	m.Exposure.Set(rm.TotalExposure.InexactFloat64())
	m.PendingExposure.Set(rm.PendingExposure.InexactFloat64())
	if src.IsEmergencyStopped() {
		m.EmergencyStop.Set(1)
	} else {
		m.EmergencyStop.Set(0)
	}
}

func (m *Metrics) RecordFeed(status marketdata.ConnectionStatus) {
	if status.IsConnected {
		m.FeedConnected.Set(1)
	} else {
		m.FeedConnected.Set(0)
	}
	m.FeedReconnects.Set(float64(status.ReconnectCount))
	m.FeedMessages.Set(float64(status.MessageCount))
}

// RunUpdater samples the portfolio, and the feed when feed is non-nil,
// every interval until ctx is done.
func (m *Metrics) RunUpdater(ctx context.Context, interval time.Duration, src PortfolioSource, feed func() marketdata.ConnectionStatus) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.RecordPortfolio(src)
		if feed != nil {
			m.RecordFeed(feed())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("📊 Metrics server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
