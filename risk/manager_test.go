package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"onesided-maker/execution"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decEqual(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]interface{}{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

type alertLog struct {
	mu     sync.Mutex
	alerts []RiskAlert
	stops  []string
}

func (l *alertLog) onAlert(a RiskAlert) {
	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	l.mu.Unlock()
}

func (l *alertLog) onStop(reason string) {
	l.mu.Lock()
	l.stops = append(l.stops, reason)
	l.mu.Unlock()
}

func (l *alertLog) byType(typ AlertType) []RiskAlert {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []RiskAlert
	for _, a := range l.alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func (l *alertLog) stopCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stops)
}

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *ManualClock, *alertLog) {
	t.Helper()

	clock := NewManualClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.Clock = clock
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	log := &alertLog{}
	m.AddAlertHandler(log.onAlert)
	m.AddEmergencyStopHandler(log.onStop)
	return m, clock, log
}

func fill(id string, side execution.OrderSide) execution.Order {
	return execution.Order{ID: id, Symbol: "ETH", Side: side, Status: execution.OrderStatusFilled}
}

func TestProcessOrderFill_OpenAndAverage(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))
	require.NoError(t, m.ProcessOrderFill(fill("2", execution.OrderSideBuy), d("2100"), d("1")))

	pos, ok := m.GetPosition("ETH")
	require.True(t, ok)
	assert.Equal(t, execution.PositionSideLong, pos.Side)
	decEqual(t, "2", pos.Size)
	decEqual(t, "2050", pos.EntryPrice)

	portfolio := m.GetPortfolio()
	decEqual(t, "5900", portfolio.Cash)
	decEqual(t, "4100", portfolio.PositionsValue)
}

func TestProcessOrderFill_Reversal(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))
	require.NoError(t, m.ProcessOrderFill(fill("2", execution.OrderSideSell), d("1900"), d("1.5")))

	pos, ok := m.GetPosition("ETH")
	require.True(t, ok)
	assert.Equal(t, execution.PositionSideShort, pos.Side)
	decEqual(t, "0.5", pos.Size)
	decEqual(t, "1900", pos.EntryPrice)

	// long closed at 1900: (1900 - 2000) * 1
	portfolio := m.GetPortfolio()
	decEqual(t, "-100", portfolio.RealizedPnL)
	decEqual(t, "8950", portfolio.Cash)
	decEqual(t, "9900", portfolio.TotalValue)

	trades := m.GetTrades()
	require.Len(t, trades, 1)
	decEqual(t, "-100", trades[0].PnL)
	assert.Equal(t, execution.PositionSideLong, trades[0].Side)
}

func TestProcessOrderFill_PartialReduceKeepsEntry(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideSell), d("2000"), d("2")))
	require.NoError(t, m.ProcessOrderFill(fill("2", execution.OrderSideBuy), d("1950"), d("0.5")))

	pos, ok := m.GetPosition("ETH")
	require.True(t, ok)
	assert.Equal(t, execution.PositionSideShort, pos.Side)
	decEqual(t, "1.5", pos.Size)
	decEqual(t, "2000", pos.EntryPrice)
	decEqual(t, "25", pos.RealizedPnL)
}

func TestProcessOrderFill_FlatRemovesPositionAndTimer(t *testing.T) {
	m, clock, _ := newTestManager(t, nil)

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))
	assert.Equal(t, 1, clock.PendingTimers())

	require.NoError(t, m.ProcessOrderFill(fill("2", execution.OrderSideSell), d("2010"), d("1")))

	_, ok := m.GetPosition("ETH")
	assert.False(t, ok)
	assert.Empty(t, m.GetPositions())
	assert.Equal(t, 0, clock.PendingTimers())
	decEqual(t, "10", m.GetPortfolio().RealizedPnL)
	decEqual(t, "10010", m.GetPortfolio().TotalValue)
}

func TestProcessOrderFill_RebatesCreditCash(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	order := fill("1", execution.OrderSideBuy)
	order.Rebates = d("0.2")
	order.Fees = d("0.05")
	require.NoError(t, m.ProcessOrderFill(order, d("2000"), d("1")))

	portfolio := m.GetPortfolio()
	decEqual(t, "8000.15", portfolio.Cash)
	decEqual(t, "0.2", portfolio.Rebates)
	decEqual(t, "0.05", portfolio.Fees)
	decEqual(t, "0.15", portfolio.NetPnL)

	pos, _ := m.GetPosition("ETH")
	decEqual(t, "0.2", pos.Rebates)
}

func TestProcessOrderFill_RejectsInvalidInput(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	assert.ErrorIs(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("0")), ErrInvalidFill)
	assert.ErrorIs(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("-1")), ErrInvalidFill)
	assert.ErrorIs(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("0"), d("1")), ErrInvalidFill)
	assert.ErrorIs(t, m.ProcessOrderFill(execution.Order{Symbol: "ETH", Side: "x"}, d("1"), d("1")), ErrInvalidFill)
	assert.Empty(t, m.GetPositions())

	assert.ErrorIs(t, m.UpdatePosition(Position{Symbol: "ETH", Side: execution.PositionSideLong, Size: d("-1"), EntryPrice: d("1")}), ErrInvalidPosition)
	assert.ErrorIs(t, m.UpdatePosition(Position{Symbol: "ETH", Side: execution.PositionSideLong, Size: d("1")}), ErrInvalidPosition)
}

func TestPositionSizeNeverNegative(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.InitialCapital = d("1000000")
		c.Limits.MaxOpenPositions = 100
	})

	sides := []execution.OrderSide{execution.OrderSideBuy, execution.OrderSideSell}
	sizes := []string{"1", "0.5", "2.25", "1.75", "0.3", "3", "0.05"}
	for i := 0; i < 60; i++ {
		side := sides[(i*7/3)%2]
		size := d(sizes[i%len(sizes)])
		price := d("2000").Add(decimal.NewFromInt(int64(i % 11)))
		require.NoError(t, m.ProcessOrderFill(fill("x", side), price, size))

		if pos, ok := m.GetPosition("ETH"); ok {
			assert.True(t, pos.Size.IsPositive(), "size must stay positive, got %s", pos.Size)
		}
	}
}

func TestScenarioB_DailyLossBlocksTrading(t *testing.T) {
	m, _, log := newTestManager(t, func(c *Config) {
		c.Limits.MaxDailyLoss = d("500")
	})

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))
	assert.True(t, m.CanTrade("ETH"))

	require.NoError(t, m.ProcessOrderFill(fill("2", execution.OrderSideSell), d("1500"), d("1")))
	decEqual(t, "500", m.GetMetrics().DailyLoss)
	assert.False(t, m.CanTrade("ETH"))

	critical := log.byType(AlertTypeDailyLoss)
	require.NotEmpty(t, critical)
	assert.Equal(t, AlertCritical, critical[len(critical)-1].Level)
	assert.False(t, m.IsEmergencyStopped())
}

func TestDailyLossResetsAtMidnight(t *testing.T) {
	m, clock, _ := newTestManager(t, func(c *Config) {
		c.Limits.MaxDailyLoss = d("500")
		c.Limits.MaxDrawdownPercent = d("50")
		c.Limits.EmergencyStopLossPercent = d("50")
	})

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))
	require.NoError(t, m.ProcessOrderFill(fill("2", execution.OrderSideSell), d("1400"), d("1")))
	assert.False(t, m.CanTrade("ETH"))

	clock.Advance(15 * time.Hour)
	m.RunRiskCheck()
	decEqual(t, "0", m.GetMetrics().DailyLoss)
	assert.True(t, m.CanTrade("ETH"))
}

func TestScenarioD_ConcentrationBlocksTrading(t *testing.T) {
	m, _, log := newTestManager(t, func(c *Config) {
		c.Limits.ConcentrationLimit = d("30")
	})

	require.NoError(t, m.UpdatePosition(Position{
		Symbol: "ETH", Side: execution.PositionSideLong,
		Size: d("1.75"), EntryPrice: d("2000"), MarkPrice: d("2000"),
	}))

	decEqual(t, "10000", m.GetPortfolio().TotalValue)
	assert.False(t, m.CanTrade("ETH"))
	assert.True(t, m.CanTrade("BTC"))

	warnings := log.byType(AlertTypeConcentration)
	require.NotEmpty(t, warnings)
	assert.Equal(t, AlertWarning, warnings[0].Level)
	assert.Equal(t, "ETH", warnings[0].Symbol)
}

func TestUpdatePosition_KeepsLiveMark(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	m.UpdateMarkPrice("ETH", d("2100"))
	require.NoError(t, m.UpdatePosition(Position{
		Symbol: "ETH", Side: execution.PositionSideLong,
		Size: d("1"), EntryPrice: d("2000"), MarkPrice: d("1990"),
	}))

	pos, ok := m.GetPosition("ETH")
	require.True(t, ok)
	decEqual(t, "2100", pos.MarkPrice)
	decEqual(t, "100", pos.UnrealizedPnL)

	require.NoError(t, m.UpdatePosition(Position{
		Symbol: "BTC", Side: execution.PositionSideLong,
		Size: d("0.1"), EntryPrice: d("40000"), MarkPrice: d("41000"),
	}))
	pos, ok = m.GetPosition("BTC")
	require.True(t, ok)
	decEqual(t, "41000", pos.MarkPrice, "reported mark seeds a symbol without one")
}

func TestCanTrade_OpenPositionLimit(t *testing.T) {
	m, _, log := newTestManager(t, func(c *Config) {
		c.InitialCapital = d("1000000")
		c.Limits.MaxOpenPositions = 2
	})

	for _, sym := range []string{"BTC", "ETH"} {
		require.NoError(t, m.UpdatePosition(Position{Symbol: sym, Side: execution.PositionSideLong, Size: d("1"), EntryPrice: d("100")}))
	}
	assert.False(t, m.CanTrade("SOL"))
	assert.NotEmpty(t, log.byType(AlertTypePositionCount))

	require.NoError(t, m.UpdatePosition(Position{Symbol: "BTC", Size: d("0")}))
	assert.True(t, m.CanTrade("SOL"))
}

func TestEmergencyStop_Idempotent(t *testing.T) {
	m, _, log := newTestManager(t, nil)

	m.ResetEmergencyStop()
	assert.False(t, m.IsEmergencyStopped())
	assert.True(t, m.CanTrade("ETH"))

	m.TriggerEmergencyStop("manual")
	m.TriggerEmergencyStop("again")
	assert.True(t, m.IsEmergencyStopped())
	assert.False(t, m.CanTrade("ETH"))
	assert.Equal(t, 1, log.stopCount())

	reason, _ := m.EmergencyReason()
	assert.Equal(t, "manual", reason)

	m.ResetEmergencyStop()
	assert.False(t, m.IsEmergencyStopped())
	assert.True(t, m.CanTrade("ETH"))
}

func TestDrawdownTripsEmergency(t *testing.T) {
	m, _, log := newTestManager(t, func(c *Config) {
		c.Limits.MaxDrawdownPercent = d("10")
		c.Limits.ConcentrationLimit = d("100")
	})

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("2.5")))
	m.UpdateMarkPrice("ETH", d("1650"))
	m.RunRiskCheck()

	// 2.5 * 350 = 875 loss, 8.75% drawdown: warning only
	assert.False(t, m.IsEmergencyStopped())
	require.NotEmpty(t, log.byType(AlertTypeDrawdown))
	assert.Equal(t, AlertWarning, log.byType(AlertTypeDrawdown)[0].Level)

	m.UpdateMarkPrice("ETH", d("1600"))
	m.RunRiskCheck()

	assert.True(t, m.IsEmergencyStopped())
	drawdowns := log.byType(AlertTypeDrawdown)
	assert.Equal(t, AlertEmergency, drawdowns[len(drawdowns)-1].Level)
	assert.Equal(t, 1, log.stopCount())
}

func TestMaxDrawdownMonotonic(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.Limits.MaxDrawdownPercent = d("90")
		c.Limits.EmergencyStopLossPercent = d("90")
		c.Limits.ConcentrationLimit = d("100")
	})

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))

	prev := decimal.Zero
	for _, mark := range []string{"1900", "1800", "1950", "2100", "1700", "2500", "2400"} {
		m.UpdateMarkPrice("ETH", d(mark))
		m.RunRiskCheck()
		got := m.GetMetrics().MaxDrawdown
		assert.True(t, got.GreaterThanOrEqual(prev), "max drawdown decreased from %s to %s", prev, got)
		assert.True(t, got.GreaterThanOrEqual(m.GetMetrics().CurrentDrawdown))
		prev = got
	}
}

func TestStopLossFromInitialCapital(t *testing.T) {
	m, _, log := newTestManager(t, func(c *Config) {
		c.Limits.MaxDrawdownPercent = d("90")
		c.Limits.EmergencyStopLossPercent = d("5")
		c.Limits.ConcentrationLimit = d("100")
	})

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("2")))
	m.UpdateMarkPrice("ETH", d("1700"))
	m.RunRiskCheck()

	assert.True(t, m.IsEmergencyStopped())
	require.NotEmpty(t, log.byType(AlertTypeStopLoss))
	assert.Equal(t, AlertEmergency, log.byType(AlertTypeStopLoss)[0].Level)
}

func TestCorrelationAlertIsAdvisory(t *testing.T) {
	m, _, log := newTestManager(t, func(c *Config) {
		c.InitialCapital = d("10000")
		c.Limits.ConcentrationLimit = d("100")
		c.CorrelatedSymbols = []string{"BTC", "ETH"}
	})

	require.NoError(t, m.UpdatePosition(Position{Symbol: "BTC", Side: execution.PositionSideLong, Size: d("0.1"), EntryPrice: d("40000")}))
	require.NoError(t, m.UpdatePosition(Position{Symbol: "ETH", Side: execution.PositionSideLong, Size: d("1.6"), EntryPrice: d("2000")}))

	alerts := log.byType(AlertTypeCorrelation)
	require.NotEmpty(t, alerts)
	assert.Equal(t, AlertWarning, alerts[0].Level)
	assert.True(t, m.CanTrade("ETH"))
	assert.False(t, m.IsEmergencyStopped())
}

func TestPositionTimeoutWarning(t *testing.T) {
	m, clock, log := newTestManager(t, func(c *Config) {
		c.Limits.PositionTimeout = time.Hour
	})

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))

	clock.Advance(30 * time.Minute)
	assert.Empty(t, log.byType(AlertTypePositionTimeout))

	// any update re-arms the timer
	require.NoError(t, m.ProcessOrderFill(fill("2", execution.OrderSideBuy), d("2000"), d("0.1")))
	clock.Advance(45 * time.Minute)
	assert.Empty(t, log.byType(AlertTypePositionTimeout))

	clock.Advance(15 * time.Minute)
	alerts := log.byType(AlertTypePositionTimeout)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertWarning, alerts[0].Level)
	assert.Equal(t, "ETH", alerts[0].Symbol)

	// the warning never closes the position
	_, ok := m.GetPosition("ETH")
	assert.True(t, ok)
}

func TestGetMaxPositionSize(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.Limits.MaxPositionSize = d("5")
		c.Limits.ConcentrationLimit = d("30")
		c.Limits.MaxDailyLoss = d("500")
	})
	m.UpdateMarkPrice("ETH", d("2000"))

	// concentration: 10000 * 30% / 2000 = 1.5
	decEqual(t, "1.5", m.GetMaxPositionSize("ETH", d("3")))
	decEqual(t, "0.4", m.GetMaxPositionSize("ETH", d("0.4")))

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))
	// 10000 * 0.3 / 2000 - 1 = 0.5
	decEqual(t, "0.5", m.GetMaxPositionSize("ETH", d("3")))

	require.NoError(t, m.ProcessOrderFill(fill("2", execution.OrderSideBuy), d("2000"), d("1")))
	decEqual(t, "0", m.GetMaxPositionSize("ETH", d("3")))
}

func TestGetMaxPositionSize_DailyLossBudget(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.InitialCapital = d("1000000")
		c.Limits.MaxPositionSize = d("100")
		c.Limits.ConcentrationLimit = d("100")
		c.Limits.MaxDailyLoss = d("500")
	})
	m.UpdateMarkPrice("ETH", d("2000"))

	// loss budget 500 at 200 per unit caps at 2.5
	decEqual(t, "2.5", m.GetMaxPositionSize("ETH", d("10")))

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))
	require.NoError(t, m.ProcessOrderFill(fill("2", execution.OrderSideSell), d("1800"), d("1")))
	// 300 budget left: 1.5
	decEqual(t, "1.5", m.GetMaxPositionSize("ETH", d("10")))
}

func TestGetMaxPositionSize_UsesEstimateWithoutMark(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.EstimatedPrice = d("1000")
		c.Limits.MaxPositionSize = d("100")
		c.Limits.ConcentrationLimit = d("30")
		c.Limits.MaxDailyLoss = d("100000")
	})

	decEqual(t, "3", m.GetMaxPositionSize("XYZ", d("10")))
}

func TestRunRiskCheck_HistoryBoundedAndPruned(t *testing.T) {
	m, clock, _ := newTestManager(t, func(c *Config) {
		c.HistoryLimit = 10
	})

	for i := 0; i < 25; i++ {
		m.RunRiskCheck()
	}
	assert.Equal(t, 10, m.DrawdownHistoryLen())

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))
	require.NoError(t, m.ProcessOrderFill(fill("2", execution.OrderSideSell), d("2010"), d("1")))
	assert.Len(t, m.GetTrades(), 1)

	clock.Advance(25 * time.Hour)
	m.RunRiskCheck()
	assert.Empty(t, m.GetTrades())
	assert.Equal(t, 1, m.DrawdownHistoryLen())
}

func TestTradeStatistics(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.InitialCapital = d("1000000")
		c.Limits.MaxDailyLoss = d("100000")
	})

	round := func(exit string) {
		require.NoError(t, m.ProcessOrderFill(fill("o", execution.OrderSideBuy), d("100"), d("1")))
		require.NoError(t, m.ProcessOrderFill(fill("c", execution.OrderSideSell), d(exit), d("1")))
	}
	round("110")
	round("130")
	round("90")

	metrics := m.GetMetrics()
	assert.Equal(t, 3, metrics.TradeCount)
	assert.InDelta(t, 2.0/3.0, metrics.WinRate, 1e-9)
	decEqual(t, "20", metrics.AvgWin)
	decEqual(t, "10", metrics.AvgLoss)
	assert.InDelta(t, 4.0, metrics.ProfitFactor, 1e-9)
	// mean 10, sample std 20
	assert.InDelta(t, 0.5, metrics.SharpeRatio, 1e-9)
	decEqual(t, "30", metrics.DailyPnL)
}

func TestPendingOrders(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	m.AddPendingOrder(execution.Order{ID: "a", Symbol: "ETH", Side: execution.OrderSideBuy, Amount: d("1"), Price: d("1999")})
	require.Len(t, m.PendingOrders(), 1)
	decEqual(t, "1999", m.GetMetrics().PendingExposure)

	partial := execution.Order{ID: "a", Symbol: "ETH", Side: execution.OrderSideBuy, Status: execution.OrderStatusPartiallyFilled}
	require.NoError(t, m.ProcessOrderFill(partial, d("1999"), d("0.4")))
	require.Len(t, m.PendingOrders(), 1)
	decEqual(t, "0.6", m.PendingOrders()[0].RemainingSize)

	m.RemovePendingOrder("a")
	assert.Empty(t, m.PendingOrders())
	decEqual(t, "0", m.GetMetrics().PendingExposure)
}

func TestUpdateRiskLimits(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	bad := m.GetLimits()
	bad.MaxDailyLoss = decimal.Zero
	assert.ErrorIs(t, m.UpdateRiskLimits(bad), ErrInvalidLimits)

	good := m.GetLimits()
	good.MaxDailyLoss = d("50")
	require.NoError(t, m.UpdateRiskLimits(good))
	decEqual(t, "50", m.GetLimits().MaxDailyLoss)
}

func TestHandlerReentrancyKeepsOrder(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.Limits.MaxDrawdownPercent = d("1")
		c.Limits.ConcentrationLimit = d("100")
	})

	var order []string
	m.AddAlertHandler(func(a RiskAlert) {
		order = append(order, "alert:"+string(a.Level))
		if a.Level == AlertEmergency {
			// re-entrant call from inside a handler must not deadlock
			m.TriggerEmergencyStop("from handler")
		}
	})
	m.AddEmergencyStopHandler(func(reason string) {
		order = append(order, "stop")
	})

	require.NoError(t, m.ProcessOrderFill(fill("1", execution.OrderSideBuy), d("2000"), d("1")))
	m.UpdateMarkPrice("ETH", d("1700"))
	m.RunRiskCheck()

	require.NotEmpty(t, order)
	assert.Equal(t, "stop", order[len(order)-1])
	stops := 0
	for _, o := range order {
		if o == "stop" {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestStartStop(t *testing.T) {
	m, clock, _ := newTestManager(t, func(c *Config) {
		c.CheckInterval = time.Minute
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	assert.Zero(t, m.DrawdownHistoryLen())

	clock.Advance(30 * time.Second)
	assert.Zero(t, m.DrawdownHistoryLen(), "no cycle before the interval elapses")

	clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool { return m.DrawdownHistoryLen() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return m.DrawdownHistoryLen() == 2 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestStartStop_SystemClock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	m, err := NewManager(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	assert.Eventually(t, func() bool { return m.DrawdownHistoryLen() > 0 }, time.Second, 5*time.Millisecond)
	m.Stop()
}

func TestManualClock_TickerCoalesces(t *testing.T) {
	clock := NewManualClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("tick before the interval")
	default:
	}

	clock.Advance(5 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected a tick")
	}
	select {
	case <-ticker.C():
		t.Fatal("missed ticks should be dropped")
	default:
	}

	ticker.Stop()
	clock.Advance(time.Hour)
	select {
	case <-ticker.C():
		t.Fatal("tick after Stop")
	default:
	}
}
