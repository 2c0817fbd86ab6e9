// Package marketdata streams order books and trades from the Hyperliquid websocket
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a message is sent without a live connection.
var ErrNotConnected = errors.New("websocket not connected")

// Config holds configuration for the market data feed
type Config struct {
	WSURL             string        // Venue websocket URL
	ReconnectInterval time.Duration // Delay between reconnection attempts
	HeartbeatInterval time.Duration // Ping interval
	MaxReconnects     int           // Consecutive failed reconnects before giving up, 0 = unlimited
	ReadTimeout       time.Duration // Read deadline per message
	MaxDataAge        time.Duration // Cached top of book older than this is stale
	Symbols           []string      // Initial symbols to subscribe
}

// DefaultConfig provides a default configuration for the Feed.
func DefaultConfig() Config {
	return Config{
		WSURL:             "wss://api.hyperliquid.xyz/ws",
		ReconnectInterval: 5 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		MaxReconnects:     10,
		ReadTimeout:       60 * time.Second,
		MaxDataAge:        30 * time.Second,
		Symbols:           []string{"BTC", "ETH"},
	}
}

// ConnectionStatus provides information about the websocket connection
type ConnectionStatus struct {
	IsConnected     bool
	LastHeartbeat   time.Time
	ReconnectCount  int
	SubscribedCount int
	MessageCount    int64
	LastMessage     time.Time
	ErrorCount      int64
}

type (
	MarketDataCallback func(MarketData)
	OrderBookCallback  func(OrderBook)
	TradeCallback      func(Trade)
)

// Feed maintains one websocket connection, resubscribing after reconnects.
type Feed struct {
	config Config
	logger *zap.Logger
	dialer *websocket.Dialer

	connMu   sync.RWMutex
	conn     *websocket.Conn
	lastSeen time.Time
	writeMu  sync.Mutex

	subMu         sync.RWMutex
	subscriptions map[string]bool

	cacheMu sync.RWMutex
	latest  map[string]MarketData
	books   map[string]OrderBook

	cbMu         sync.RWMutex
	onMarketData MarketDataCallback
	onOrderBook  OrderBookCallback
	onTrade      TradeCallback

	statusMu sync.RWMutex
	status   ConnectionStatus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Subscription message sent to the venue
type subscriptionMessage struct {
	Method       string            `json:"method"`
	Subscription map[string]string `json:"subscription"`
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wireLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type wireBook struct {
	Coin   string        `json:"coin"`
	Levels [][]wireLevel `json:"levels"`
	Time   int64         `json:"time"`
}

type wireTrade struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	Tid  int64  `json:"tid"`
}

// NewFeed creates a new market data feed
func NewFeed(config Config, logger *zap.Logger) (*Feed, error) {
	if config.WSURL == "" {
		return nil, errors.New("websocket URL is required")
	}
	if config.ReconnectInterval <= 0 || config.HeartbeatInterval <= 0 || config.ReadTimeout <= 0 {
		return nil, errors.New("reconnect, heartbeat and read intervals must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Feed{
		config: config,
		logger: logger.Named("marketdata"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		subscriptions: make(map[string]bool),
		latest:        make(map[string]MarketData),
		books:         make(map[string]OrderBook),
	}, nil
}

// SetMarketDataCallback registers the top-of-book callback
func (f *Feed) SetMarketDataCallback(cb MarketDataCallback) {
	f.cbMu.Lock()
	f.onMarketData = cb
	f.cbMu.Unlock()
}

// SetOrderBookCallback registers the full book callback
func (f *Feed) SetOrderBookCallback(cb OrderBookCallback) {
	f.cbMu.Lock()
	f.onOrderBook = cb
	f.cbMu.Unlock()
}

// SetTradeCallback registers the public trades callback
func (f *Feed) SetTradeCallback(cb TradeCallback) {
	f.cbMu.Lock()
	f.onTrade = cb
	f.cbMu.Unlock()
}

// Start dials the venue, subscribes the configured symbols and starts the
// read, heartbeat and monitor loops.
func (f *Feed) Start(ctx context.Context) error {
	f.logger.Info("📡 Starting market data feed", zap.String("url", f.config.WSURL))

	f.ctx, f.cancel = context.WithCancel(ctx)

	if err := f.connect(); err != nil {
		f.cancel()
		return fmt.Errorf("failed to establish websocket connection: %w", err)
	}

	for _, symbol := range f.config.Symbols {
		if err := f.Subscribe(symbol); err != nil {
			f.logger.Warn("Failed to subscribe", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	f.wg.Add(3)
	go f.messageProcessor()
	go f.heartbeatManager()
	go f.connectionMonitor()

	f.logger.Info("✅ Market data feed started", zap.Strings("symbols", f.config.Symbols))
	return nil
}

// Stop closes the connection and waits for the loops to exit
func (f *Feed) Stop() error {
	if f.cancel == nil {
		return nil
	}
	f.logger.Info("🛑 Stopping market data feed...")

	f.cancel()
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()
	f.updateStatus(func(status *ConnectionStatus) {
		status.IsConnected = false
	})

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("Market data feed stopped")
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("timeout waiting for feed goroutines to finish")
	}
}

// Subscribe records the symbol and, when connected, subscribes to its book
// and trades. Symbols recorded while disconnected are sent on reconnect.
func (f *Feed) Subscribe(symbol string) error {
	f.subMu.Lock()
	already := f.subscriptions[symbol]
	f.subscriptions[symbol] = true
	f.subMu.Unlock()

	if already {
		return nil
	}
	if err := f.sendSubscription("subscribe", symbol); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}
	f.logger.Debug("Subscribed", zap.String("symbol", symbol))
	return nil
}

// Unsubscribe removes a symbol from the subscription list
func (f *Feed) Unsubscribe(symbol string) error {
	f.subMu.Lock()
	subscribed := f.subscriptions[symbol]
	delete(f.subscriptions, symbol)
	f.subMu.Unlock()

	if !subscribed {
		return nil
	}
	if err := f.sendSubscription("unsubscribe", symbol); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// GetSubscribedSymbols returns the subscribed symbols, sorted
func (f *Feed) GetSubscribedSymbols() []string {
	f.subMu.RLock()
	defer f.subMu.RUnlock()

	symbols := make([]string, 0, len(f.subscriptions))
	for symbol := range f.subscriptions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// GetLatest returns the cached top of book if it is fresh.
func (f *Feed) GetLatest(symbol string) (MarketData, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()

	md, ok := f.latest[symbol]
	if !ok {
		return MarketData{}, false
	}
	if f.config.MaxDataAge > 0 && time.Since(md.Timestamp) > f.config.MaxDataAge {
		return MarketData{}, false
	}
	return md, true
}

// GetOrderBook returns the last book received for a symbol
func (f *Feed) GetOrderBook(symbol string) (OrderBook, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	book, ok := f.books[symbol]
	return book, ok
}

// GetConnectionStatus returns the current connection status
func (f *Feed) GetConnectionStatus() ConnectionStatus {
	f.statusMu.RLock()
	status := f.status
	f.statusMu.RUnlock()

	f.subMu.RLock()
	status.SubscribedCount = len(f.subscriptions)
	f.subMu.RUnlock()
	return status
}

func (f *Feed) connect() error {
	f.logger.Debug("Connecting to websocket", zap.String("url", f.config.WSURL))

	conn, _, err := f.dialer.DialContext(f.ctx, f.config.WSURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		f.touch()
		return nil
	})

	f.connMu.Lock()
	f.conn = conn
	f.lastSeen = time.Now()
	f.connMu.Unlock()

	f.updateStatus(func(status *ConnectionStatus) {
		status.IsConnected = true
	})
	return nil
}

// dropConn closes conn if it is still the current connection.
func (f *Feed) dropConn(conn *websocket.Conn) {
	f.connMu.Lock()
	if f.conn == conn {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()

	f.updateStatus(func(status *ConnectionStatus) {
		status.IsConnected = false
	})
}

func (f *Feed) currentConn() *websocket.Conn {
	f.connMu.RLock()
	defer f.connMu.RUnlock()
	return f.conn
}

func (f *Feed) touch() {
	f.connMu.Lock()
	f.lastSeen = time.Now()
	f.connMu.Unlock()
}

// reconnect dials again and replays every subscription.
func (f *Feed) reconnect() error {
	if err := f.connect(); err != nil {
		f.updateStatus(func(status *ConnectionStatus) {
			status.ErrorCount++
		})
		return fmt.Errorf("reconnection failed: %w", err)
	}

	f.updateStatus(func(status *ConnectionStatus) {
		status.ReconnectCount++
	})
	f.resubscribeAll()
	f.logger.Info("🔄 Reconnection successful")
	return nil
}

func (f *Feed) resubscribeAll() {
	for _, symbol := range f.GetSubscribedSymbols() {
		if err := f.sendSubscription("subscribe", symbol); err != nil {
			f.logger.Warn("Failed to re-subscribe", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func (f *Feed) sendSubscription(method, symbol string) error {
	for _, channel := range []string{"l2Book", "trades"} {
		msg := subscriptionMessage{
			Method:       method,
			Subscription: map[string]string{"type": channel, "coin": symbol},
		}
		if err := f.sendMessage(msg); err != nil {
			return fmt.Errorf("failed to %s %s for %s: %w", method, channel, symbol, err)
		}
	}
	return nil
}

func (f *Feed) sendMessage(msg interface{}) error {
	conn := f.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// sleep waits d or until the feed is stopped.
func (f *Feed) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-f.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// messageProcessor reads messages and owns reconnection.
func (f *Feed) messageProcessor() {
	defer f.wg.Done()

	attempts := 0
	for {
		if f.ctx.Err() != nil {
			return
		}

		conn := f.currentConn()
		if conn == nil {
			if f.config.MaxReconnects > 0 && attempts >= f.config.MaxReconnects {
				f.logger.Error("❌ Maximum reconnection attempts reached", zap.Int("attempts", attempts))
				return
			}
			attempts++
			if !f.sleep(f.config.ReconnectInterval) {
				return
			}
			f.logger.Info("Attempting reconnection",
				zap.Int("attempt", attempts), zap.Int("max", f.config.MaxReconnects))
			if err := f.reconnect(); err != nil {
				f.logger.Warn("Reconnection failed", zap.Error(err))
				continue
			}
			attempts = 0
			continue
		}

		conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			f.logger.Warn("Error reading message", zap.Error(err))
			f.updateStatus(func(status *ConnectionStatus) {
				status.ErrorCount++
			})
			f.dropConn(conn)
			continue
		}

		f.touch()
		if messageType == websocket.TextMessage {
			f.processMessage(data)
			f.updateStatus(func(status *ConnectionStatus) {
				status.MessageCount++
				status.LastMessage = time.Now()
			})
		}
	}
}

func (f *Feed) processMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("Unparseable message", zap.ByteString("data", data))
		return
	}

	switch env.Channel {
	case "l2Book":
		var wb wireBook
		if err := json.Unmarshal(env.Data, &wb); err != nil {
			f.logger.Warn("Failed to decode order book", zap.Error(err))
			return
		}
		f.processOrderBook(wb)
	case "trades":
		var wts []wireTrade
		if err := json.Unmarshal(env.Data, &wts); err != nil {
			f.logger.Warn("Failed to decode trades", zap.Error(err))
			return
		}
		f.processTrades(wts)
	case "subscriptionResponse", "pong":
	default:
		f.logger.Debug("Received unknown message type", zap.String("channel", env.Channel))
	}
}

func (f *Feed) processOrderBook(wb wireBook) {
	book, err := decodeBook(wb)
	if err != nil {
		f.logger.Warn("Invalid order book", zap.String("symbol", wb.Coin), zap.Error(err))
		return
	}

	top, ok := book.TopOfBook()
	if !ok {
		f.logger.Debug("Order book has an empty side", zap.String("symbol", book.Symbol))
		return
	}
	if !isValidQuote(top) {
		f.logger.Warn("Discarding crossed or non-positive book",
			zap.String("symbol", book.Symbol),
			zap.String("bid", top.Bid.String()),
			zap.String("ask", top.Ask.String()))
		return
	}

	f.cacheMu.Lock()
	f.books[book.Symbol] = book
	f.latest[book.Symbol] = top
	f.cacheMu.Unlock()

	f.cbMu.RLock()
	onBook, onTop := f.onOrderBook, f.onMarketData
	f.cbMu.RUnlock()

	if onBook != nil {
		onBook(book)
	}
	if onTop != nil {
		onTop(top)
	}
}

func (f *Feed) processTrades(wts []wireTrade) {
	f.cbMu.RLock()
	onTrade := f.onTrade
	f.cbMu.RUnlock()

	for _, wt := range wts {
		trade, err := decodeTrade(wt)
		if err != nil {
			f.logger.Warn("Invalid trade", zap.String("symbol", wt.Coin), zap.Error(err))
			continue
		}
		if onTrade != nil {
			onTrade(trade)
		}
	}
}

// heartbeatManager pings the venue so idle connections stay open
func (f *Feed) heartbeatManager() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			conn := f.currentConn()
			if conn == nil {
				continue
			}
			deadline := time.Now().Add(f.config.HeartbeatInterval / 2)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				f.logger.Warn("Failed to send ping", zap.Error(err))
				f.updateStatus(func(status *ConnectionStatus) {
					status.ErrorCount++
				})
				continue
			}
			f.updateStatus(func(status *ConnectionStatus) {
				status.LastHeartbeat = time.Now()
			})
		}
	}
}

// connectionMonitor drops connections that have been silent for two
// heartbeats; the read loop then reconnects.
func (f *Feed) connectionMonitor() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.connMu.RLock()
			conn, lastSeen := f.conn, f.lastSeen
			f.connMu.RUnlock()

			if conn != nil && time.Since(lastSeen) > 2*f.config.HeartbeatInterval {
				f.logger.Warn("⚠️ Connection appears stale, forcing reconnect",
					zap.Duration("silent_for", time.Since(lastSeen)))
				f.dropConn(conn)
			}
		}
	}
}

// updateStatus safely updates the connection status
func (f *Feed) updateStatus(updater func(*ConnectionStatus)) {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	updater(&f.status)
}
