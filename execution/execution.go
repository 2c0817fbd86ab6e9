package execution

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config for the signed REST venue adapter.
type Config struct {
	PrivateKeyHex string        `json:"private_key_hex"`
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RateLimitRPS  int           `json:"rate_limit_rps"`
	VaultAddress  string        `json:"vault_address,omitempty"`
}

// Default configuration for the mainnet REST endpoint
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "https://api.hyperliquid.xyz",
		Timeout:      30 * time.Second,
		RateLimitRPS: 100,
	}
}

// Rate limiter implementation
type RateLimiter struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewRateLimiter(rps int) *RateLimiter {
	if rps <= 0 {
		rps = 1
	}
	return &RateLimiter{
		tokens:     rps,
		maxTokens:  rps,
		refillRate: time.Second / time.Duration(rps),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(rl.lastRefill)
	tokensToAdd := int(elapsed / rl.refillRate)

	if tokensToAdd > 0 {
		rl.tokens = min(rl.maxTokens, rl.tokens+tokensToAdd)
		rl.lastRefill = now
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}

	return false
}

type LatencyStats struct {
	Min        float64 `json:"min_ms"`
	Max        float64 `json:"max_ms"`
	Average    float64 `json:"average_ms"`
	P50        float64 `json:"p50_ms"`
	P95        float64 `json:"p95_ms"`
	P99        float64 `json:"p99_ms"`
	SampleSize int64   `json:"sample_size"`
}

type LatencyMetrics struct {
	OrderPlacement    LatencyStats `json:"order_placement"`
	OrderCancellation LatencyStats `json:"order_cancellation"`
	OrderQuery        LatencyStats `json:"order_query"`
}

// RESTExchange talks to the venue's /exchange and /info endpoints. Every
// action is signed with the account key.
type RESTExchange struct {
	config     *Config
	privateKey *ecdsa.PrivateKey
	address    string
	httpClient *http.Client
	logger     *zap.Logger

	rateLimiter *RateLimiter

	latencies     map[string][]float64
	performanceMu sync.RWMutex

	nonce   int64
	nonceMu sync.Mutex
}

// NewRESTExchange parses the account key and derives the signing address.
func NewRESTExchange(config *Config, logger *zap.Logger) (*RESTExchange, error) {
	if config.PrivateKeyHex == "" {
		return nil, ErrMissingAccount
	}

	privateKeyBytes, err := hex.DecodeString(strings.TrimPrefix(config.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}

	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &RESTExchange{
		config:      config,
		privateKey:  privateKey,
		address:     crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.Named("rest_exchange"),
		rateLimiter: NewRateLimiter(config.RateLimitRPS),
		latencies:   make(map[string][]float64),
	}, nil
}

// Address is the account address derived from the signing key.
func (e *RESTExchange) Address() string {
	return e.address
}

// Wire types. Sizes and prices travel as decimal strings.
type wireOrder struct {
	Coin       string        `json:"coin"`
	IsBuy      bool          `json:"is_buy"`
	Size       string        `json:"sz"`
	LimitPx    string        `json:"limit_px"`
	OrderType  wireOrderType `json:"order_type"`
	ReduceOnly bool          `json:"reduce_only"`
	Cloid      string        `json:"cloid,omitempty"`
}

type wireOrderType struct {
	Limit  *wireLimit `json:"limit,omitempty"`
	Market *struct{}  `json:"market,omitempty"`
}

type wireLimit struct {
	Tif string `json:"tif"`
}

type signedRequest struct {
	Action       interface{} `json:"action"`
	Nonce        int64       `json:"nonce"`
	Signature    string      `json:"signature"`
	VaultAddress string      `json:"vaultAddress,omitempty"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type statusesPayload struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type orderStatusEntry struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		Oid     int64  `json:"oid"`
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

type wireOpenOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   string `json:"limitPx"`
	Size      string `json:"sz"`
	OrigSize  string `json:"origSz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
	Cloid     string `json:"cloid,omitempty"`
}

type wireOrderStatus struct {
	Status string `json:"status"`
	Order  struct {
		Order  wireOpenOrder `json:"order"`
		Status string        `json:"status"`
	} `json:"order"`
}

type wireClearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin    string `json:"coin"`
			Szi     string `json:"szi"`
			EntryPx string `json:"entryPx"`
		} `json:"position"`
	} `json:"assetPositions"`
}

// Phrase the venue returns when cancelling an order that no longer rests.
const alreadyDoneMarker = "already canceled, or filled"

// PlaceOrder signs and submits a single order.
func (e *RESTExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	startTime := time.Now()

	if !e.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	action := map[string]interface{}{
		"type":     "order",
		"orders":   []wireOrder{e.convertOrder(req)},
		"grouping": "na",
	}

	defer e.recordLatency("order_placement", startTime)
	resp, err := e.postAction(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	entry, err := firstStatus(resp)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	var status orderStatusEntry
	if err := json.Unmarshal(entry, &status); err != nil {
		return nil, fmt.Errorf("failed to parse order status: %w", err)
	}
	if status.Error != "" {
		return nil, fmt.Errorf("order rejected: %s", status.Error)
	}

	now := time.Now()
	order := &Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Price:         req.Price,
		Status:        OrderStatusOpen,
		RemainingSize: req.Amount,
		IsMaker:       req.PostOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch {
	case status.Resting != nil:
		order.ID = strconv.FormatInt(status.Resting.Oid, 10)
	case status.Filled != nil:
		order.ID = strconv.FormatInt(status.Filled.Oid, 10)
		filled := parseDecimal(status.Filled.TotalSz)
		order.FilledSize = filled
		order.AvgFillPrice = parseDecimal(status.Filled.AvgPx)
		order.LastFillSize = filled
		order.LastFillPrice = order.AvgFillPrice
		order.RemainingSize = decimal.Max(decimal.Zero, req.Amount.Sub(filled))
		order.Status = OrderStatusPartiallyFilled
		if order.RemainingSize.IsZero() {
			order.Status = OrderStatusFilled
		}
	default:
		return nil, fmt.Errorf("no order id in response")
	}

	e.logger.Info("📋 order placed",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("size", order.Amount.String()),
		zap.String("price", order.Price.String()))

	return order, nil
}

// CancelOrder returns (false, nil) when the venue reports the order already gone.
func (e *RESTExchange) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	startTime := time.Now()

	if !e.rateLimiter.Allow() {
		return false, ErrRateLimited
	}

	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	action := map[string]interface{}{
		"type": "cancel",
		"cancels": []interface{}{
			map[string]interface{}{
				"coin": symbol,
				"oid":  oid,
			},
		},
	}

	resp, err := e.postAction(ctx, action)
	e.recordLatency("order_cancellation", startTime)
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	entry, err := firstStatus(resp)
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	var plain string
	if json.Unmarshal(entry, &plain) == nil && plain == "success" {
		e.logger.Info("❌ order cancelled", zap.String("order_id", orderID), zap.String("symbol", symbol))
		return true, nil
	}

	var status orderStatusEntry
	if err := json.Unmarshal(entry, &status); err != nil {
		return false, fmt.Errorf("failed to parse cancel status: %w", err)
	}
	if strings.Contains(status.Error, alreadyDoneMarker) {
		return false, nil
	}
	return false, fmt.Errorf("cancel rejected: %s", status.Error)
}

// GetPositions reads the account's clearinghouse state.
func (e *RESTExchange) GetPositions(ctx context.Context) ([]Position, error) {
	body, err := e.makeAPIRequest(ctx, http.MethodPost, "/info", map[string]interface{}{
		"type": "clearinghouseState",
		"user": e.address,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	var state wireClearinghouseState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}

	var positions []Position
	for _, ap := range state.AssetPositions {
		szi := parseDecimal(ap.Position.Szi)
		if szi.IsZero() {
			continue
		}
		side := PositionSideLong
		if szi.IsNegative() {
			side = PositionSideShort
		}
		positions = append(positions, Position{
			Symbol:     ap.Position.Coin,
			Side:       side,
			Size:       szi.Abs(),
			EntryPrice: parseDecimal(ap.Position.EntryPx),
			OpenedAt:   time.Now(),
		})
	}
	return positions, nil
}

// GetOpenOrders lists resting orders, optionally filtered by symbol.
func (e *RESTExchange) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	body, err := e.makeAPIRequest(ctx, http.MethodPost, "/info", map[string]interface{}{
		"type": "openOrders",
		"user": e.address,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}

	var wire []wireOpenOrder
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}

	result := make([]Order, 0, len(wire))
	for _, w := range wire {
		if symbol != "" && w.Coin != symbol {
			continue
		}
		result = append(result, w.toOrder(OrderStatusOpen))
	}
	return result, nil
}

// GetOrder queries one order by venue id.
func (e *RESTExchange) GetOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	startTime := time.Now()
	defer e.recordLatency("order_query", startTime)

	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	body, err := e.makeAPIRequest(ctx, http.MethodPost, "/info", map[string]interface{}{
		"type": "orderStatus",
		"user": e.address,
		"oid":  oid,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}

	var wire wireOrderStatus
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse order status: %w", err)
	}
	if wire.Status != "order" {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	order := wire.Order.Order.toOrder(mapVenueStatus(wire.Order.Status))
	if order.Symbol == "" {
		order.Symbol = symbol
	}
	return &order, nil
}

func (w wireOpenOrder) toOrder(status OrderStatus) Order {
	side := OrderSideSell
	if w.Side == "B" {
		side = OrderSideBuy
	}

	remaining := parseDecimal(w.Size)
	amount := parseDecimal(w.OrigSize)
	if amount.IsZero() {
		amount = remaining
	}
	filled := decimal.Max(decimal.Zero, amount.Sub(remaining))
	if status == OrderStatusFilled {
		filled = amount
		remaining = decimal.Zero
	}
	if status == OrderStatusOpen && filled.IsPositive() {
		status = OrderStatusPartiallyFilled
	}

	created := time.UnixMilli(w.Timestamp)
	order := Order{
		ID:            strconv.FormatInt(w.Oid, 10),
		ClientOrderID: w.Cloid,
		Symbol:        w.Coin,
		Side:          side,
		Type:          OrderTypeLimit,
		Amount:        amount,
		Price:         parseDecimal(w.LimitPx),
		Status:        status,
		FilledSize:    filled,
		RemainingSize: remaining,
		IsMaker:       true,
		CreatedAt:     created,
		UpdatedAt:     time.Now(),
	}
	if filled.IsPositive() {
		order.AvgFillPrice = order.Price
	}
	return order
}

func mapVenueStatus(s string) OrderStatus {
	switch s {
	case "open":
		return OrderStatusOpen
	case "filled":
		return OrderStatusFilled
	case "canceled", "marginCanceled", "reduceOnlyCanceled":
		return OrderStatusCancelled
	case "rejected":
		return OrderStatusRejected
	}
	return OrderStatusPending
}

func (e *RESTExchange) convertOrder(req OrderRequest) wireOrder {
	wo := wireOrder{
		Coin:    req.Symbol,
		IsBuy:   req.Side == OrderSideBuy,
		Size:    req.Amount.String(),
		LimitPx: req.Price.String(),
		Cloid:   req.ClientOrderID,
	}

	switch {
	case req.Type == OrderTypeMarket:
		wo.OrderType.Market = &struct{}{}
	case req.PostOnly:
		wo.OrderType.Limit = &wireLimit{Tif: "Alo"}
	default:
		wo.OrderType.Limit = &wireLimit{Tif: "Gtc"}
	}
	return wo
}

func (e *RESTExchange) postAction(ctx context.Context, action interface{}) (*exchangeResponse, error) {
	signature, err := e.signAction(action)
	if err != nil {
		return nil, fmt.Errorf("failed to sign action: %w", err)
	}

	body, err := e.makeAPIRequest(ctx, http.MethodPost, "/exchange", signedRequest{
		Action:       action,
		Nonce:        e.nextNonce(),
		Signature:    signature,
		VaultAddress: e.config.VaultAddress,
	})
	if err != nil {
		return nil, err
	}

	var resp exchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Status == "err" {
		return nil, fmt.Errorf("request rejected: %s", string(resp.Response))
	}
	return &resp, nil
}

func firstStatus(resp *exchangeResponse) (json.RawMessage, error) {
	var payload statusesPayload
	if err := json.Unmarshal(resp.Response, &payload); err != nil {
		return nil, fmt.Errorf("invalid response format: %w", err)
	}
	if len(payload.Data.Statuses) == 0 {
		return nil, fmt.Errorf("no status in response")
	}
	return payload.Data.Statuses[0], nil
}

// nextNonce is a strictly increasing millisecond timestamp.
func (e *RESTExchange) nextNonce() int64 {
	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()

	n := time.Now().UnixMilli()
	if n <= e.nonce {
		n = e.nonce + 1
	}
	e.nonce = n
	return n
}

// Sign action with keccak256 + secp256k1
func (e *RESTExchange) signAction(action interface{}) (string, error) {
	actionBytes, err := json.Marshal(action)
	if err != nil {
		return "", err
	}

	hash := crypto.Keccak256Hash(actionBytes)

	signature, err := crypto.Sign(hash.Bytes(), e.privateKey)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(signature), nil
}

func (e *RESTExchange) makeAPIRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.config.BaseURL+endpoint, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// Get latency metrics
func (e *RESTExchange) GetLatencyMetrics() LatencyMetrics {
	e.performanceMu.RLock()
	defer e.performanceMu.RUnlock()

	return LatencyMetrics{
		OrderPlacement:    e.calculateLatencyStats("order_placement"),
		OrderCancellation: e.calculateLatencyStats("order_cancellation"),
		OrderQuery:        e.calculateLatencyStats("order_query"),
	}
}

func (e *RESTExchange) calculateLatencyStats(operation string) LatencyStats {
	latencies, exists := e.latencies[operation]
	if !exists || len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	var sum float64
	for _, latency := range sorted {
		sum += latency
	}

	stats := LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Average:    sum / float64(len(sorted)),
		SampleSize: int64(len(sorted)),
	}

	stats.P50 = sorted[int(float64(len(sorted))*0.5)]
	stats.P95 = sorted[int(float64(len(sorted))*0.95)]
	stats.P99 = sorted[int(float64(len(sorted))*0.99)]

	return stats
}

// Keeps the last 1000 measurements per operation
func (e *RESTExchange) recordLatency(operation string, startTime time.Time) {
	latency := float64(time.Since(startTime).Nanoseconds()) / 1000000.0

	e.performanceMu.Lock()
	defer e.performanceMu.Unlock()

	e.latencies[operation] = append(e.latencies[operation], latency)
	if len(e.latencies[operation]) > 1000 {
		e.latencies[operation] = e.latencies[operation][len(e.latencies[operation])-1000:]
	}
}

func validateRequest(req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidOrder, req.Amount)
	}
	if req.Type == OrderTypeLimit && !req.Price.IsPositive() {
		return fmt.Errorf("%w: limit price must be positive, got %s", ErrInvalidOrder, req.Price)
	}
	if req.Side != OrderSideBuy && req.Side != OrderSideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, req.Side)
	}
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
