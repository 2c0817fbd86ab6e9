package marketdata

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the aggressor side of a public trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PriceLevel is one aggregated book level.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook holds bids best-first (descending) and asks best-first (ascending).
type OrderBook struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// MarketData is the top-of-book snapshot consumed by the strategy.
type MarketData struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Spread    decimal.Decimal
	MidPrice  decimal.Decimal
	Timestamp time.Time
}

// Trade is a public trade print.
type Trade struct {
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	TradeID   int64
	Timestamp time.Time
}

var two = decimal.NewFromInt(2)

// NewMarketData derives spread and mid from the touch.
func NewMarketData(symbol string, bid, ask, bidSize, askSize decimal.Decimal, ts time.Time) MarketData {
	return MarketData{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		BidSize:   bidSize,
		AskSize:   askSize,
		Spread:    ask.Sub(bid),
		MidPrice:  bid.Add(ask).Div(two),
		Timestamp: ts,
	}
}

// TopOfBook returns the best bid and ask, false if either side is empty.
func (b OrderBook) TopOfBook() (MarketData, bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return MarketData{}, false
	}
	bid, ask := b.Bids[0], b.Asks[0]
	return NewMarketData(b.Symbol, bid.Price, ask.Price, bid.Size, ask.Size, b.Timestamp), true
}

func isValidQuote(md MarketData) bool {
	return md.Bid.IsPositive() && md.Ask.IsPositive() && md.Bid.LessThan(md.Ask)
}

func decodeBook(wb wireBook) (OrderBook, error) {
	if wb.Coin == "" {
		return OrderBook{}, errors.New("missing coin")
	}
	if len(wb.Levels) != 2 {
		return OrderBook{}, fmt.Errorf("expected 2 book sides, got %d", len(wb.Levels))
	}
	bids, err := decodeLevels(wb.Levels[0])
	if err != nil {
		return OrderBook{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := decodeLevels(wb.Levels[1])
	if err != nil {
		return OrderBook{}, fmt.Errorf("asks: %w", err)
	}
	return OrderBook{
		Symbol:    wb.Coin,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.UnixMilli(wb.Time),
	}, nil
}

func decodeLevels(levels []wireLevel) ([]PriceLevel, error) {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		px, err := decimal.NewFromString(l.Px)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", l.Px, err)
		}
		sz, err := decimal.NewFromString(l.Sz)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", l.Sz, err)
		}
		out = append(out, PriceLevel{Price: px, Size: sz})
	}
	return out, nil
}

func decodeTrade(wt wireTrade) (Trade, error) {
	px, err := decimal.NewFromString(wt.Px)
	if err != nil {
		return Trade{}, fmt.Errorf("price %q: %w", wt.Px, err)
	}
	sz, err := decimal.NewFromString(wt.Sz)
	if err != nil {
		return Trade{}, fmt.Errorf("size %q: %w", wt.Sz, err)
	}

	var side Side
	switch wt.Side {
	case "B":
		side = SideBuy
	case "A":
		side = SideSell
	default:
		return Trade{}, fmt.Errorf("unknown side %q", wt.Side)
	}

	return Trade{
		Symbol:    wt.Coin,
		Side:      side,
		Price:     px,
		Size:      sz,
		TradeID:   wt.Tid,
		Timestamp: time.UnixMilli(wt.Time),
	}, nil
}
