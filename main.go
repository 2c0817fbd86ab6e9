package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"onesided-maker/config"
	"onesided-maker/execution"
	"onesided-maker/indicators"
	"onesided-maker/logging"
	"onesided-maker/marketdata"
	"onesided-maker/metrics"
	"onesided-maker/risk"
	"onesided-maker/strategy"
)

const (
	version        = "v1.0"
	statusInterval = 30 * time.Second
	metricsSample  = 5 * time.Second
)

// MakerBot owns every engine and the wiring between them.
type MakerBot struct {
	config config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	alerts   *metrics.AlertSink

	risk     *risk.Manager
	exchange execution.Exchange
	paper    *execution.PaperExchange // nil in live mode
	feed     *marketdata.Feed
	signals  *indicators.SignalEngine
	strategy *strategy.Strategy

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

func NewMakerBot(cfg config.Config, logger *zap.Logger) (*MakerBot, error) {
	bot := &MakerBot{config: cfg, logger: logger}
	bot.ctx, bot.cancel = context.WithCancel(context.Background())

	bot.registry = prometheus.NewRegistry()
	bot.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bot.metrics = metrics.New(bot.registry)
	bot.alerts = metrics.NewAlertSink(bot.metrics, logger)

	riskCfg, err := cfg.RiskConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build risk config: %w", err)
	}
	bot.risk, err = risk.NewManager(riskCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk manager: %w", err)
	}

	if err := bot.initExchange(); err != nil {
		return nil, err
	}

	bot.feed, err = marketdata.NewFeed(cfg.MarketDataConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create market data feed: %w", err)
	}
	bot.signals = indicators.NewSignalEngine(cfg.SignalConfig(), logger)

	stratCfg, err := cfg.StrategyConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build strategy config: %w", err)
	}
	bot.strategy, err = strategy.NewStrategy(stratCfg, bot.exchange, bot.risk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create strategy: %w", err)
	}
	bot.strategy.SetObserver(bot.metrics)

	bot.setupConnections()
	return bot, nil
}

func (bot *MakerBot) initExchange() error {
	if bot.config.Mode == config.ModeLive {
		rest, err := execution.NewRESTExchange(bot.config.ExchangeConfig(), bot.logger)
		if err != nil {
			return fmt.Errorf("failed to create exchange client: %w", err)
		}
		bot.logger.Info("🔑 Live trading enabled", zap.String("address", rest.Address()))
		bot.exchange = rest
		return nil
	}

	paperCfg, err := bot.config.PaperConfig()
	if err != nil {
		return fmt.Errorf("failed to build paper config: %w", err)
	}
	bot.paper = execution.NewPaperExchange(paperCfg, bot.logger)
	bot.exchange = bot.paper
	bot.logger.Info("📝 Paper trading enabled")
	return nil
}

func (bot *MakerBot) setupConnections() {
	bot.logger.Info("🔗 Setting up module interconnections...")

	// Market Data -> paper matcher, then strategy
	bot.feed.SetMarketDataCallback(func(md marketdata.MarketData) {
		if bot.paper != nil {
			bot.paper.OnMarketData(md.Symbol, md.Bid, md.Ask)
		}
		bot.strategy.ProcessMarketData(bot.ctx, md)
	})

	// Market Data -> Indicators
	bot.feed.SetOrderBookCallback(func(book marketdata.OrderBook) {
		bot.signals.OnOrderBook(book)
		bot.strategy.ProcessOrderBook(bot.ctx, book)
	})
	bot.feed.SetTradeCallback(bot.signals.OnTrade)

	// Indicators -> Strategy
	bot.signals.SetSignalCallback(func(sig indicators.Signal) {
		bot.strategy.ProcessSignal(bot.ctx, sig)
	})

	// Execution -> Strategy is subscribed by NewStrategy for venues that
	// push order updates; live fills arrive through the order sweep.

	// Risk -> metrics, logs and strategy
	bot.risk.AddAlertHandler(bot.alerts.HandleAlert)
	bot.risk.AddAlertHandler(func(alert risk.RiskAlert) {
		bot.strategy.HandleRiskAlert(bot.ctx, alert)
	})
	bot.risk.AddEmergencyStopHandler(bot.alerts.HandleEmergencyStop)
	bot.risk.AddEmergencyStopHandler(func(reason string) {
		bot.strategy.HandleEmergencyStop(bot.ctx, reason)
	})
}

// Start brings the engines up in dependency order: risk, feed, strategy.
func (bot *MakerBot) Start() error {
	bot.logger.Info("🚀 Starting one-sided maker...")
	bot.startedAt = time.Now()

	bot.risk.Start(bot.ctx)

	if addr := bot.config.Metrics.Addr; addr != "" {
		bot.wg.Add(1)
		go func() {
			defer bot.wg.Done()
			if err := metrics.Serve(bot.ctx, addr, bot.registry, bot.logger); err != nil {
				bot.logger.Error("❌ Metrics server failed", zap.Error(err))
			}
		}()
	}

	bot.wg.Add(2)
	go func() {
		defer bot.wg.Done()
		bot.metrics.RunUpdater(bot.ctx, metricsSample, bot.risk, bot.feed.GetConnectionStatus)
	}()
	go func() {
		defer bot.wg.Done()
		bot.statusMonitor()
	}()

	if err := bot.feed.Start(bot.ctx); err != nil {
		return fmt.Errorf("failed to start market data feed: %w", err)
	}
	if err := bot.strategy.Start(bot.ctx); err != nil {
		return fmt.Errorf("failed to start strategy: %w", err)
	}

	bot.logger.Info("✅ One-sided maker started successfully!",
		zap.Strings("symbols", bot.config.Strategy.Symbols),
		zap.String("mode", bot.config.Mode))
	return nil
}

// Stop pulls every quote before disconnecting the feed.
func (bot *MakerBot) Stop() error {
	bot.logger.Info("🛑 Stopping one-sided maker...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs error
	if err := bot.strategy.Stop(stopCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("strategy stop: %w", err))
	}
	bot.strategy.Wait()

	if err := bot.feed.Stop(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("feed stop: %w", err))
	}
	bot.risk.Stop()

	bot.cancel()
	bot.wg.Wait()

	bot.printFinalReport()
	return errs
}

func (bot *MakerBot) statusMonitor() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bot.ctx.Done():
			return
		case <-ticker.C:
			bot.printStatusUpdate()
		}
	}
}

func (bot *MakerBot) printStatusUpdate() {
	p := bot.risk.GetPortfolio()
	m := bot.risk.GetMetrics()
	feed := bot.feed.GetConnectionStatus()

	bot.logger.Info("📊 Status update",
		zap.String("total_value", p.TotalValue.StringFixed(2)),
		zap.String("net_pnl", p.NetPnL.StringFixed(4)),
		zap.String("rebates", p.Rebates.StringFixed(4)),
		zap.Int("open_positions", p.OpenPositions),
		zap.String("drawdown_pct", m.CurrentDrawdown.StringFixed(2)),
		zap.Int("resting_orders", len(bot.strategy.ActiveOrders())),
		zap.Bool("feed_connected", feed.IsConnected),
		zap.Int64("feed_messages", feed.MessageCount))
}

func (bot *MakerBot) printFinalReport() {
	p := bot.risk.GetPortfolio()
	m := bot.risk.GetMetrics()

	bot.logger.Info("📈 FINAL REPORT",
		zap.Duration("runtime", time.Since(bot.startedAt).Round(time.Second)),
		zap.String("total_value", p.TotalValue.StringFixed(2)),
		zap.String("realized_pnl", p.RealizedPnL.StringFixed(4)),
		zap.String("unrealized_pnl", p.UnrealizedPnL.StringFixed(4)),
		zap.String("fees", p.Fees.StringFixed(4)),
		zap.String("rebates", p.Rebates.StringFixed(4)),
		zap.String("net_pnl", p.NetPnL.StringFixed(4)),
		zap.String("max_drawdown_pct", m.MaxDrawdown.StringFixed(2)),
		zap.Int("trades", len(bot.risk.GetTrades())))
	for _, pos := range bot.risk.GetPositions() {
		bot.logger.Info("├─ Open position",
			zap.String("symbol", pos.Symbol),
			zap.String("side", string(pos.Side)),
			zap.String("size", pos.Size.String()),
			zap.String("entry", pos.EntryPrice.String()))
	}
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	envFiles := pflag.StringSlice("env-file", nil, "env files to load (default .env when present)")
	pflag.Parse()

	cfg, err := config.Load(*configPath, *envFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("🚀 One-Sided Maker-Rebate Bot " + version)
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Info("📋 Configuration:")
	logger.Info("├─ Mode: " + cfg.Mode)
	logger.Info(fmt.Sprintf("├─ Symbols: %v", cfg.Strategy.Symbols))
	logger.Info(fmt.Sprintf("├─ Base size: %s, confidence threshold: %s", cfg.Strategy.BaseSize, cfg.Strategy.ConfidenceThreshold))
	logger.Info(fmt.Sprintf("├─ Quote refresh: %s, post-only: %v", cfg.Strategy.QuoteUpdateFrequency, cfg.Strategy.PostOnly))
	logger.Info(fmt.Sprintf("├─ Max daily loss: %s, max drawdown: %s%%", cfg.Risk.MaxDailyLoss, cfg.Risk.MaxDrawdownPercent))
	logger.Info("└─ Metrics: " + metricsLabel(cfg.Metrics.Addr))

	bot, err := NewMakerBot(cfg, logger)
	if err != nil {
		logger.Fatal("❌ Failed to create bot", zap.Error(err))
	}

	if err := bot.Start(); err != nil {
		logger.Error("❌ Failed to start bot", zap.Error(err))
		if stopErr := bot.Stop(); stopErr != nil {
			logger.Error("❌ Error stopping bot", zap.Error(stopErr))
		}
		os.Exit(1)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	logger.Info("✅ One-sided maker is now LIVE!")
	logger.Info("🛑 Press Ctrl+C to stop the bot")

	<-c

	logger.Info("🛑 Shutdown signal received, stopping bot...")
	if err := bot.Stop(); err != nil {
		logger.Error("❌ Error stopping bot", zap.Error(err))
	}

	logger.Info("✅ Bot stopped successfully. Goodbye! 👋")
}

func metricsLabel(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return addr
}
