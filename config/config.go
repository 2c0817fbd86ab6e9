// Package config loads the bot configuration from defaults, an optional YAML
// file, a .env file and MM_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"onesided-maker/execution"
	"onesided-maker/indicators"
	"onesided-maker/marketdata"
	"onesided-maker/risk"
	"onesided-maker/strategy"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"

	envPrefix = "MM"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Money and size fields are strings so they reach decimal without passing
// through float64.
type Config struct {
	Mode       string           `mapstructure:"mode" validate:"oneof=paper live"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Signals    SignalConfig     `mapstructure:"signals"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Risk       RiskConfig       `mapstructure:"risk"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"` // Empty disables /metrics
}

type ExchangeConfig struct {
	BaseURL         string        `mapstructure:"base_url" validate:"required,url"`
	PrivateKeyHex   string        `mapstructure:"private_key_hex"`
	VaultAddress    string        `mapstructure:"vault_address" validate:"omitempty,eth_addr"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RateLimitRPS    int           `mapstructure:"rate_limit_rps" validate:"min=1"`
	MakerRebateRate string        `mapstructure:"maker_rebate_rate" validate:"numeric"`
	TakerFeeRate    string        `mapstructure:"taker_fee_rate" validate:"numeric"`
}

type MarketDataConfig struct {
	WSURL             string        `mapstructure:"ws_url" validate:"required,url"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	MaxReconnects     int           `mapstructure:"max_reconnects" validate:"min=0"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	MaxDataAge        time.Duration `mapstructure:"max_data_age" validate:"gt=0"`
}

type SignalConfig struct {
	BookDepth         int                      `mapstructure:"book_depth" validate:"min=1"`
	TradeWindow       int                      `mapstructure:"trade_window" validate:"min=1"`
	ShortVolumeWindow int                      `mapstructure:"short_volume_window" validate:"min=1,ltefield=TradeWindow"`
	EMAFastPeriod     int                      `mapstructure:"ema_fast_period" validate:"min=1"`
	EMASlowPeriod     int                      `mapstructure:"ema_slow_period" validate:"gtfield=EMAFastPeriod"`
	MomentumScale     float64                  `mapstructure:"momentum_scale" validate:"gt=0"`
	NeutralBand       float64                  `mapstructure:"neutral_band" validate:"gte=0,lt=1"`
	MinInterval       time.Duration            `mapstructure:"min_interval" validate:"gte=0"`
	Weights           indicators.SignalWeights `mapstructure:"weights"`
}

type SymbolSpecConfig struct {
	TickSize string `mapstructure:"tick_size" validate:"numeric"`
	LotSize  string `mapstructure:"lot_size" validate:"numeric"`
	MinSize  string `mapstructure:"min_size" validate:"numeric"`
}

type StrategyConfig struct {
	Symbols              []string                    `mapstructure:"symbols" validate:"min=1,dive,required"`
	BaseSize             string                      `mapstructure:"base_size" validate:"numeric"`
	BaseAggressiveness   string                      `mapstructure:"base_aggressiveness" validate:"numeric"`
	ConfidenceThreshold  string                      `mapstructure:"confidence_threshold" validate:"numeric"`
	QuoteUpdateFrequency time.Duration               `mapstructure:"quote_update_frequency" validate:"gt=0"`
	MaxPositionSize      string                      `mapstructure:"max_position_size" validate:"numeric"`
	MaxSpreadPercent     string                      `mapstructure:"max_spread_percent" validate:"numeric"`
	PostOnly             bool                        `mapstructure:"post_only"`
	DefaultSpec          SymbolSpecConfig            `mapstructure:"default_spec"`
	SymbolSpecs          map[string]SymbolSpecConfig `mapstructure:"symbol_specs" validate:"dive"`
}

type RiskConfig struct {
	InitialCapital           string        `mapstructure:"initial_capital" validate:"numeric"`
	MaxPositionSize          string        `mapstructure:"max_position_size" validate:"numeric"`
	MaxDailyLoss             string        `mapstructure:"max_daily_loss" validate:"numeric"`
	MaxDrawdownPercent       string        `mapstructure:"max_drawdown_percent" validate:"numeric"`
	MaxOpenPositions         int           `mapstructure:"max_open_positions" validate:"min=1"`
	PositionTimeout          time.Duration `mapstructure:"position_timeout" validate:"gt=0"`
	EmergencyStopLossPercent string        `mapstructure:"emergency_stop_loss_percent" validate:"numeric"`
	ConcentrationLimit       string        `mapstructure:"concentration_limit" validate:"numeric"`
	CheckInterval            time.Duration `mapstructure:"check_interval" validate:"gt=0"`
	EstimatedPrice           string        `mapstructure:"estimated_price" validate:"numeric"`
	CorrelatedSymbols        []string      `mapstructure:"correlated_symbols"`
	CorrelationLimit         string        `mapstructure:"correlation_limit" validate:"numeric"`
	WarningRatio             string        `mapstructure:"warning_ratio" validate:"numeric"`
	HistoryLimit             int           `mapstructure:"history_limit" validate:"min=1"`
}

// Default mirrors the component defaults.
func Default() Config {
	md := marketdata.DefaultConfig()
	sig := indicators.DefaultConfig()
	st := strategy.DefaultConfig()
	rc := risk.DefaultConfig()
	ex := execution.DefaultConfig()
	paper := execution.DefaultPaperConfig()

	return Config{
		Mode:    ModePaper,
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Exchange: ExchangeConfig{
			BaseURL:         ex.BaseURL,
			Timeout:         ex.Timeout,
			RateLimitRPS:    ex.RateLimitRPS,
			MakerRebateRate: paper.MakerRebateRate.String(),
			TakerFeeRate:    paper.TakerFeeRate.String(),
		},
		MarketData: MarketDataConfig{
			WSURL:             md.WSURL,
			ReconnectInterval: md.ReconnectInterval,
			HeartbeatInterval: md.HeartbeatInterval,
			MaxReconnects:     md.MaxReconnects,
			ReadTimeout:       md.ReadTimeout,
			MaxDataAge:        md.MaxDataAge,
		},
		Signals: SignalConfig{
			BookDepth:         sig.BookDepth,
			TradeWindow:       sig.TradeWindow,
			ShortVolumeWindow: sig.ShortVolumeWindow,
			EMAFastPeriod:     sig.EMAFastPeriod,
			EMASlowPeriod:     sig.EMASlowPeriod,
			MomentumScale:     sig.MomentumScale,
			NeutralBand:       sig.NeutralBand,
			MinInterval:       sig.MinInterval,
			Weights:           sig.Weights,
		},
		Strategy: StrategyConfig{
			Symbols:              st.Symbols,
			BaseSize:             st.BaseSize.String(),
			BaseAggressiveness:   st.BaseAggressiveness.String(),
			ConfidenceThreshold:  st.ConfidenceThreshold.String(),
			QuoteUpdateFrequency: st.QuoteUpdateFrequency,
			MaxPositionSize:      st.MaxPositionSize.String(),
			MaxSpreadPercent:     st.MaxSpreadPercent.String(),
			PostOnly:             st.PostOnly,
			DefaultSpec: SymbolSpecConfig{
				TickSize: st.DefaultSpec.TickSize.String(),
				LotSize:  st.DefaultSpec.LotSize.String(),
				MinSize:  st.DefaultSpec.MinSize.String(),
			},
		},
		Risk: RiskConfig{
			InitialCapital:           rc.InitialCapital.String(),
			MaxPositionSize:          rc.Limits.MaxPositionSize.String(),
			MaxDailyLoss:             rc.Limits.MaxDailyLoss.String(),
			MaxDrawdownPercent:       rc.Limits.MaxDrawdownPercent.String(),
			MaxOpenPositions:         rc.Limits.MaxOpenPositions,
			PositionTimeout:          rc.Limits.PositionTimeout,
			EmergencyStopLossPercent: rc.Limits.EmergencyStopLossPercent.String(),
			ConcentrationLimit:       rc.Limits.ConcentrationLimit.String(),
			CheckInterval:            rc.CheckInterval,
			EstimatedPrice:           rc.EstimatedPrice.String(),
			CorrelatedSymbols:        rc.CorrelatedSymbols,
			CorrelationLimit:         rc.CorrelationLimit.String(),
			WarningRatio:             rc.WarningRatio.String(),
			HistoryLimit:             rc.HistoryLimit,
		},
	}
}

// Load reads configuration in increasing precedence: defaults, the YAML
// file at path (optional), then environment variables. envFiles are loaded
// into the environment first without overriding variables already set;
// with none given, a .env in the working directory is used if present.
func Load(path string, envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files %v: %w", files, err)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]interface{}{
		"mode":           d.Mode,
		"logging.level":  d.Logging.Level,
		"logging.format": d.Logging.Format,
		"metrics.addr":   d.Metrics.Addr,

		"exchange.base_url":          d.Exchange.BaseURL,
		"exchange.private_key_hex":   d.Exchange.PrivateKeyHex,
		"exchange.vault_address":     d.Exchange.VaultAddress,
		"exchange.timeout":           d.Exchange.Timeout,
		"exchange.rate_limit_rps":    d.Exchange.RateLimitRPS,
		"exchange.maker_rebate_rate": d.Exchange.MakerRebateRate,
		"exchange.taker_fee_rate":    d.Exchange.TakerFeeRate,

		"market_data.ws_url":             d.MarketData.WSURL,
		"market_data.reconnect_interval": d.MarketData.ReconnectInterval,
		"market_data.heartbeat_interval": d.MarketData.HeartbeatInterval,
		"market_data.max_reconnects":     d.MarketData.MaxReconnects,
		"market_data.read_timeout":       d.MarketData.ReadTimeout,
		"market_data.max_data_age":       d.MarketData.MaxDataAge,

		"signals.book_depth":          d.Signals.BookDepth,
		"signals.trade_window":        d.Signals.TradeWindow,
		"signals.short_volume_window": d.Signals.ShortVolumeWindow,
		"signals.ema_fast_period":     d.Signals.EMAFastPeriod,
		"signals.ema_slow_period":     d.Signals.EMASlowPeriod,
		"signals.momentum_scale":      d.Signals.MomentumScale,
		"signals.neutral_band":        d.Signals.NeutralBand,
		"signals.min_interval":        d.Signals.MinInterval,
		"signals.weights.imbalance":   d.Signals.Weights.Imbalance,
		"signals.weights.flow":        d.Signals.Weights.Flow,
		"signals.weights.momentum":    d.Signals.Weights.Momentum,

		"strategy.symbols":                d.Strategy.Symbols,
		"strategy.base_size":              d.Strategy.BaseSize,
		"strategy.base_aggressiveness":    d.Strategy.BaseAggressiveness,
		"strategy.confidence_threshold":   d.Strategy.ConfidenceThreshold,
		"strategy.quote_update_frequency": d.Strategy.QuoteUpdateFrequency,
		"strategy.max_position_size":      d.Strategy.MaxPositionSize,
		"strategy.max_spread_percent":     d.Strategy.MaxSpreadPercent,
		"strategy.post_only":              d.Strategy.PostOnly,
		"strategy.default_spec.tick_size": d.Strategy.DefaultSpec.TickSize,
		"strategy.default_spec.lot_size":  d.Strategy.DefaultSpec.LotSize,
		"strategy.default_spec.min_size":  d.Strategy.DefaultSpec.MinSize,

		"risk.initial_capital":             d.Risk.InitialCapital,
		"risk.max_position_size":           d.Risk.MaxPositionSize,
		"risk.max_daily_loss":              d.Risk.MaxDailyLoss,
		"risk.max_drawdown_percent":        d.Risk.MaxDrawdownPercent,
		"risk.max_open_positions":          d.Risk.MaxOpenPositions,
		"risk.position_timeout":            d.Risk.PositionTimeout,
		"risk.emergency_stop_loss_percent": d.Risk.EmergencyStopLossPercent,
		"risk.concentration_limit":         d.Risk.ConcentrationLimit,
		"risk.check_interval":              d.Risk.CheckInterval,
		"risk.estimated_price":             d.Risk.EstimatedPrice,
		"risk.correlated_symbols":          d.Risk.CorrelatedSymbols,
		"risk.correlation_limit":           d.Risk.CorrelationLimit,
		"risk.warning_ratio":               d.Risk.WarningRatio,
		"risk.history_limit":               d.Risk.HistoryLimit,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// normalize upper-cases symbols. Viper lower-cases map keys, so symbol
// spec keys are restored here as well; fields a symbol spec leaves empty
// come from the default spec.
func (c *Config) normalize() {
	for i, s := range c.Strategy.Symbols {
		c.Strategy.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, s := range c.Risk.CorrelatedSymbols {
		c.Risk.CorrelatedSymbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if len(c.Strategy.SymbolSpecs) > 0 {
		specs := make(map[string]SymbolSpecConfig, len(c.Strategy.SymbolSpecs))
		def := c.Strategy.DefaultSpec
		for symbol, spec := range c.Strategy.SymbolSpecs {
			if spec.TickSize == "" {
				spec.TickSize = def.TickSize
			}
			if spec.LotSize == "" {
				spec.LotSize = def.LotSize
			}
			if spec.MinSize == "" {
				spec.MinSize = def.MinSize
			}
			specs[strings.ToUpper(symbol)] = spec
		}
		c.Strategy.SymbolSpecs = specs
	}
}

var validate = validator.New()

// Validate checks struct tags and then builds every component config so
// range errors surface at load time.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Mode == ModeLive && c.Exchange.PrivateKeyHex == "" {
		return fmt.Errorf("%w: live mode requires exchange.private_key_hex", ErrInvalidConfig)
	}

	var errs error
	if _, err := c.StrategyConfig(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.RiskConfig(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.PaperConfig(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}
	return nil
}

// decimals parses named decimal fields, collecting every failure.
type decimals struct {
	errs error
}

func (d *decimals) parse(field, value string) decimal.Decimal {
	v, err := decimal.NewFromString(value)
	if err != nil {
		d.errs = multierr.Append(d.errs, fmt.Errorf("%s: %w", field, err))
	}
	return v
}

func (c Config) StrategyConfig() (strategy.Config, error) {
	var p decimals
	sc := c.Strategy
	cfg := strategy.Config{
		Symbols:              append([]string(nil), sc.Symbols...),
		BaseSize:             p.parse("strategy.base_size", sc.BaseSize),
		BaseAggressiveness:   p.parse("strategy.base_aggressiveness", sc.BaseAggressiveness),
		ConfidenceThreshold:  p.parse("strategy.confidence_threshold", sc.ConfidenceThreshold),
		QuoteUpdateFrequency: sc.QuoteUpdateFrequency,
		MaxPositionSize:      p.parse("strategy.max_position_size", sc.MaxPositionSize),
		MaxSpreadPercent:     p.parse("strategy.max_spread_percent", sc.MaxSpreadPercent),
		PostOnly:             sc.PostOnly,
		DefaultSpec:          p.spec("strategy.default_spec", sc.DefaultSpec),
		SymbolSpecs:          make(map[string]strategy.SymbolSpec, len(sc.SymbolSpecs)),
	}
	for symbol, spec := range sc.SymbolSpecs {
		cfg.SymbolSpecs[symbol] = p.spec("strategy.symbol_specs."+symbol, spec)
	}
	if p.errs != nil {
		return strategy.Config{}, p.errs
	}
	if err := cfg.Validate(); err != nil {
		return strategy.Config{}, err
	}
	return cfg, nil
}

func (d *decimals) spec(prefix string, s SymbolSpecConfig) strategy.SymbolSpec {
	return strategy.SymbolSpec{
		TickSize: d.parse(prefix+".tick_size", s.TickSize),
		LotSize:  d.parse(prefix+".lot_size", s.LotSize),
		MinSize:  d.parse(prefix+".min_size", s.MinSize),
	}
}

// RiskConfig builds the risk manager config. The clock is left to the
// manager's default.
func (c Config) RiskConfig() (risk.Config, error) {
	var p decimals
	rc := c.Risk
	cfg := risk.Config{
		InitialCapital: p.parse("risk.initial_capital", rc.InitialCapital),
		Limits: risk.RiskLimits{
			MaxPositionSize:          p.parse("risk.max_position_size", rc.MaxPositionSize),
			MaxDailyLoss:             p.parse("risk.max_daily_loss", rc.MaxDailyLoss),
			MaxDrawdownPercent:       p.parse("risk.max_drawdown_percent", rc.MaxDrawdownPercent),
			MaxOpenPositions:         rc.MaxOpenPositions,
			PositionTimeout:          rc.PositionTimeout,
			EmergencyStopLossPercent: p.parse("risk.emergency_stop_loss_percent", rc.EmergencyStopLossPercent),
			ConcentrationLimit:       p.parse("risk.concentration_limit", rc.ConcentrationLimit),
		},
		CheckInterval:     rc.CheckInterval,
		EstimatedPrice:    p.parse("risk.estimated_price", rc.EstimatedPrice),
		CorrelatedSymbols: append([]string(nil), rc.CorrelatedSymbols...),
		CorrelationLimit:  p.parse("risk.correlation_limit", rc.CorrelationLimit),
		WarningRatio:      p.parse("risk.warning_ratio", rc.WarningRatio),
		HistoryLimit:      rc.HistoryLimit,
	}
	if p.errs != nil {
		return risk.Config{}, p.errs
	}
	if !cfg.InitialCapital.IsPositive() {
		return risk.Config{}, errors.New("risk.initial_capital must be positive")
	}
	if err := cfg.Limits.Validate(); err != nil {
		return risk.Config{}, err
	}
	return cfg, nil
}

func (c Config) PaperConfig() (execution.PaperConfig, error) {
	var p decimals
	cfg := execution.PaperConfig{
		MakerRebateRate: p.parse("exchange.maker_rebate_rate", c.Exchange.MakerRebateRate),
		TakerFeeRate:    p.parse("exchange.taker_fee_rate", c.Exchange.TakerFeeRate),
	}
	if p.errs != nil {
		return execution.PaperConfig{}, p.errs
	}
	return cfg, nil
}

func (c Config) ExchangeConfig() *execution.Config {
	return &execution.Config{
		PrivateKeyHex: c.Exchange.PrivateKeyHex,
		BaseURL:       c.Exchange.BaseURL,
		Timeout:       c.Exchange.Timeout,
		RateLimitRPS:  c.Exchange.RateLimitRPS,
		VaultAddress:  c.Exchange.VaultAddress,
	}
}

// MarketDataConfig subscribes the feed to the strategy's symbols.
func (c Config) MarketDataConfig() marketdata.Config {
	md := c.MarketData
	return marketdata.Config{
		WSURL:             md.WSURL,
		ReconnectInterval: md.ReconnectInterval,
		HeartbeatInterval: md.HeartbeatInterval,
		MaxReconnects:     md.MaxReconnects,
		ReadTimeout:       md.ReadTimeout,
		MaxDataAge:        md.MaxDataAge,
		Symbols:           append([]string(nil), c.Strategy.Symbols...),
	}
}

func (c Config) SignalConfig() indicators.Config {
	s := c.Signals
	return indicators.Config{
		BookDepth:         s.BookDepth,
		TradeWindow:       s.TradeWindow,
		ShortVolumeWindow: s.ShortVolumeWindow,
		EMAFastPeriod:     s.EMAFastPeriod,
		EMASlowPeriod:     s.EMASlowPeriod,
		MomentumScale:     s.MomentumScale,
		NeutralBand:       s.NeutralBand,
		MinInterval:       s.MinInterval,
		Weights:           s.Weights,
	}
}
