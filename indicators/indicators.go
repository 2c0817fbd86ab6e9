// Package indicators turns order-book and trade flow into directional signals.
package indicators

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"onesided-maker/marketdata"
)

type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
)

// Signal is a directional view on one symbol. Confidence and Strength are in [0,1].
type Signal struct {
	Symbol     string
	Direction  Direction
	Confidence decimal.Decimal
	Strength   decimal.Decimal
	Reason     string
	Timestamp  time.Time
}

type SignalCallback func(Signal)

// SignalWeights blend the three components into one score.
type SignalWeights struct {
	Imbalance float64 `mapstructure:"imbalance"`
	Flow      float64 `mapstructure:"flow"`
	Momentum  float64 `mapstructure:"momentum"`
}

type Config struct {
	BookDepth         int           // Levels per side used for imbalance
	TradeWindow       int           // Trades kept for flow imbalance
	ShortVolumeWindow int           // Trades in the "recent" volume average
	EMAFastPeriod     int
	EMASlowPeriod     int
	MomentumScale     float64       // Multiplies the fractional fast/slow EMA gap
	NeutralBand       float64       // |score| at or below this is NEUTRAL
	MinInterval       time.Duration // Minimum spacing between emitted signals per symbol
	Weights           SignalWeights
}

func DefaultConfig() Config {
	return Config{
		BookDepth:         5,
		TradeWindow:       50,
		ShortVolumeWindow: 5,
		EMAFastPeriod:     12,
		EMASlowPeriod:     26,
		MomentumScale:     1000,
		NeutralBand:       0.15,
		MinInterval:       time.Second,
		Weights: SignalWeights{
			Imbalance: 0.5,
			Flow:      0.3,
			Momentum:  0.2,
		},
	}
}

type symbolState struct {
	imbalance   float64
	haveBook    bool
	flow        *RollingWindow // signed trade size, buys positive
	volume      *RollingWindow
	shortVolume *RollingWindow
	fast        *EMACalculator
	slow        *EMACalculator
	lastEmit    time.Time
}

// SignalEngine keeps per-symbol state fed by the market data feed.
type SignalEngine struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	symbols  map[string]*symbolState
	callback SignalCallback
}

func NewSignalEngine(config Config, logger *zap.Logger) *SignalEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalEngine{
		config:  config,
		logger:  logger.Named("signals"),
		now:     time.Now,
		symbols: make(map[string]*symbolState),
	}
}

func (e *SignalEngine) SetSignalCallback(callback SignalCallback) {
	e.mu.Lock()
	e.callback = callback
	e.mu.Unlock()
}

func (e *SignalEngine) stateLocked(symbol string) *symbolState {
	st, ok := e.symbols[symbol]
	if !ok {
		st = &symbolState{
			flow:        NewRollingWindow(e.config.TradeWindow),
			volume:      NewRollingWindow(e.config.TradeWindow),
			shortVolume: NewRollingWindow(e.config.ShortVolumeWindow),
			fast:        NewEMACalculator(e.config.EMAFastPeriod),
			slow:        NewEMACalculator(e.config.EMASlowPeriod),
		}
		e.symbols[symbol] = st
	}
	return st
}

// OnOrderBook updates imbalance and mid-price momentum, then emits if due.
func (e *SignalEngine) OnOrderBook(book marketdata.OrderBook) {
	top, ok := book.TopOfBook()
	if !ok {
		return
	}

	e.mu.Lock()
	st := e.stateLocked(book.Symbol)
	st.imbalance = bookImbalance(book, e.config.BookDepth)
	st.haveBook = true
	mid := top.MidPrice.InexactFloat64()
	st.fast.Update(mid)
	st.slow.Update(mid)
	e.mu.Unlock()

	e.maybeEmit(book.Symbol)
}

// OnTrade updates flow and volume windows, then emits if due.
func (e *SignalEngine) OnTrade(trade marketdata.Trade) {
	size := trade.Size.InexactFloat64()
	if size <= 0 {
		return
	}

	e.mu.Lock()
	st := e.stateLocked(trade.Symbol)
	signed := size
	if trade.Side == marketdata.SideSell {
		signed = -size
	}
	st.flow.Add(signed)
	st.volume.Add(size)
	st.shortVolume.Add(size)
	e.mu.Unlock()

	e.maybeEmit(trade.Symbol)
}

// Evaluate computes the current signal without throttling or emitting.
func (e *SignalEngine) Evaluate(symbol string) (Signal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.symbols[symbol]
	if !ok || !st.haveBook {
		return Signal{}, false
	}
	return e.evaluateLocked(symbol, st), true
}

func (e *SignalEngine) maybeEmit(symbol string) {
	e.mu.Lock()
	st := e.symbols[symbol]
	now := e.now()
	if !st.haveBook || (!st.lastEmit.IsZero() && now.Sub(st.lastEmit) < e.config.MinInterval) {
		e.mu.Unlock()
		return
	}
	st.lastEmit = now
	sig := e.evaluateLocked(symbol, st)
	cb := e.callback
	e.mu.Unlock()

	e.logger.Debug("signal",
		zap.String("symbol", symbol),
		zap.String("direction", string(sig.Direction)),
		zap.String("confidence", sig.Confidence.String()),
		zap.String("reason", sig.Reason))

	if cb != nil {
		cb(sig)
	}
}

func (e *SignalEngine) evaluateLocked(symbol string, st *symbolState) Signal {
	flow := 0.0
	if total := st.volume.Sum(); total > 0 {
		flow = st.flow.Sum() / total
	}

	momentum := 0.0
	if st.slow.Ready() {
		fast, _ := st.fast.Value()
		slow, _ := st.slow.Value()
		if slow > 0 {
			momentum = clip((fast-slow)/slow*e.config.MomentumScale, -1, 1)
		}
	}

	w := e.config.Weights
	score := w.Imbalance*st.imbalance + w.Flow*flow + w.Momentum*momentum

	direction := DirectionNeutral
	switch {
	case score > e.config.NeutralBand:
		direction = DirectionLong
	case score < -e.config.NeutralBand:
		direction = DirectionShort
	}

	strength := 0.5
	if avg := st.volume.Average(); avg > 0 && st.shortVolume.Count() > 0 {
		strength = clip(st.shortVolume.Average()/avg/2, 0, 1)
	}

	return Signal{
		Symbol:     symbol,
		Direction:  direction,
		Confidence: decimal.NewFromFloat(clip(math.Abs(score), 0, 1)).Round(4),
		Strength:   decimal.NewFromFloat(strength).Round(4),
		Reason:     fmt.Sprintf("imbalance=%.2f flow=%.2f momentum=%.2f", st.imbalance, flow, momentum),
		Timestamp:  e.now(),
	}
}

// bookImbalance is (bidSize - askSize) / (bidSize + askSize) over the top depth levels.
func bookImbalance(book marketdata.OrderBook, depth int) float64 {
	bid := sumLevels(book.Bids, depth)
	ask := sumLevels(book.Asks, depth)
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

func sumLevels(levels []marketdata.PriceLevel, depth int) float64 {
	total := 0.0
	for i, l := range levels {
		if depth > 0 && i >= depth {
			break
		}
		total += l.Size.InexactFloat64()
	}
	return total
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
