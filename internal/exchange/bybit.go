package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// Коды ошибок Bybit v5, которые нужно различать
const (
	bybitRetParamsError  = 10001
	bybitRetOrderMissing = 110001
	bybitQuoteCoin       = "USDT"
)

// Коды сбоев на стороне Bybit: ордер мог быть создан, исход неизвестен
var bybitServerErrors = map[int]bool{
	10000:  true, // server timeout
	10006:  true, // too many visits
	10016:  true, // internal server error
	10018:  true, // ip rate limit
	10019:  true, // service restarting
	10429:  true, // system frequency protection
	170007: true, // backend timeout
	170146: true, // order creation timeout
}

type BybitClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	client     *http.Client
	recvWindow string
}

var _ domain.BrokerGateway = (*BybitClient)(nil)

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type TickerResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
	} `json:"list"`
}

type WalletBalanceResult struct {
	List []struct {
		Coin []struct {
			Coin                string `json:"coin"`
			WalletBalance       string `json:"walletBalance"`
			AvailableToWithdraw string `json:"availableToWithdraw"`
		} `json:"coin"`
	} `json:"list"`
}

type OrderCreateResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type OrderListResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
	} `json:"list"`
}

func NewBybitClient(apiKey, apiSecret, baseURL string) *BybitClient {
	return &BybitClient{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
		recvWindow: domain.BybitRecvWindow,
	}
}

func (b *BybitClient) Venue() string { return "bybit:" + b.baseURL }

// GetPrice получает текущую цену актива
func (b *BybitClient) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	params := url.Values{}
	params.Set("category", domain.BybitCategorySpot)
	params.Set("symbol", symbol)

	var result TickerResult
	if err := b.get(ctx, "/v5/market/tickers", params, false, &result); err != nil {
		return nil, err
	}

	if len(result.List) == 0 || result.List[0].LastPrice == "" {
		return nil, fmt.Errorf("%w: no price data for symbol %s", domain.ErrNotFound, symbol)
	}

	price, err := strconv.ParseFloat(result.List[0].LastPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse price for %s: %v", domain.ErrUnavailable, symbol, err)
	}

	return &domain.Quote{Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}

// PlaceOrder размещает рыночный или лимитный ордер с orderLinkId = client order id
func (b *BybitClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderHandle, error) {
	side := "Buy"
	if req.Side == domain.SideSell {
		side = "Sell"
	}

	params := map[string]interface{}{
		"category":    domain.BybitCategorySpot,
		"symbol":      req.Symbol,
		"side":        side,
		"qty":         strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"orderLinkId": req.ClientOrderID,
	}
	if req.OrderType == domain.OrderTypeLimit {
		params["orderType"] = "Limit"
		params["price"] = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	} else {
		params["orderType"] = "Market"
		params["marketUnit"] = "baseCoin"
	}
	if req.TradeType == domain.TradeMarginBuy || req.TradeType == domain.TradeShortSell {
		params["isLeverage"] = 1
	}

	var result OrderCreateResult
	if err := b.post(ctx, "/v5/order/create", params, &result); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// неизвестный символ при создании ордера это отказ, а не потерянный ордер
			return nil, fmt.Errorf("%w: %v", domain.ErrRejected, err)
		}
		return nil, err
	}

	return &domain.OrderHandle{
		OrderID:       result.OrderID,
		ClientOrderID: req.ClientOrderID,
		Status:        domain.OrderStatusNew,
	}, nil
}

// GetOrderStatus ищет ордер по orderLinkId среди открытых, затем в истории
func (b *BybitClient) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*domain.OrderHandle, error) {
	params := url.Values{}
	params.Set("category", domain.BybitCategorySpot)
	params.Set("symbol", symbol)
	params.Set("orderLinkId", clientOrderID)

	for _, endpoint := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var result OrderListResult
		if err := b.get(ctx, endpoint, params, true, &result); err != nil {
			return nil, err
		}
		if len(result.List) == 0 {
			continue
		}

		o := result.List[0]
		filled, _ := strconv.ParseFloat(o.CumExecQty, 64)
		avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
		return &domain.OrderHandle{
			OrderID:       o.OrderID,
			ClientOrderID: o.OrderLinkID,
			Status:        bybitOrderStatus(o.OrderStatus),
			FilledQty:     filled,
			AvgPrice:      avg,
		}, nil
	}

	return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, clientOrderID)
}

// GetPosition для спота позиция это баланс базовой монеты
func (b *BybitClient) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	coin := strings.TrimSuffix(symbol, bybitQuoteCoin)
	qty, _, err := b.coinBalance(ctx, coin)
	if err != nil {
		return nil, err
	}
	return &domain.Position{Symbol: symbol, Quantity: qty}, nil
}

// GetBalance получает баланс USDT
func (b *BybitClient) GetBalance(ctx context.Context) (*domain.Balance, error) {
	total, available, err := b.coinBalance(ctx, bybitQuoteCoin)
	if err != nil {
		return nil, err
	}
	return &domain.Balance{Currency: bybitQuoteCoin, Cash: total, Available: available}, nil
}

func (b *BybitClient) coinBalance(ctx context.Context, coin string) (total, available float64, err error) {
	params := url.Values{}
	params.Set("accountType", domain.BybitAccountUnified)
	params.Set("coin", coin)

	var result WalletBalanceResult
	if err := b.get(ctx, "/v5/account/wallet-balance", params, true, &result); err != nil {
		return 0, 0, err
	}

	if len(result.List) == 0 {
		return 0, 0, nil
	}
	for _, c := range result.List[0].Coin {
		if c.Coin != coin {
			continue
		}
		// пустые строки у Bybit означают ноль
		if c.WalletBalance != "" {
			if total, err = strconv.ParseFloat(c.WalletBalance, 64); err != nil {
				return 0, 0, fmt.Errorf("failed to parse balance for %s: %w", coin, err)
			}
		}
		if c.AvailableToWithdraw != "" {
			if available, err = strconv.ParseFloat(c.AvailableToWithdraw, 64); err != nil {
				return 0, 0, fmt.Errorf("failed to parse balance for %s: %w", coin, err)
			}
		}
		return total, available, nil
	}
	return 0, 0, nil
}

func (b *BybitClient) get(ctx context.Context, endpoint string, params url.Values, signed bool, out interface{}) error {
	query := params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+endpoint+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		b.setAuthHeaders(req, timestamp, b.generateSignature(timestamp, query))
	}
	return b.do(req, out)
}

func (b *BybitClient) post(ctx context.Context, endpoint string, params map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+endpoint, strings.NewReader(string(jsonData)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	b.setAuthHeaders(req, timestamp, b.generateSignature(timestamp, string(jsonData)))
	return b.do(req, out)
}

// do выполняет запрос и сводит ошибки к таксономии движка:
// сеть, 5xx, rate limit и серверные retCode -> ErrUnavailable, остальные retCode -> ErrRejected или ErrNotFound
func (b *BybitClient) do(req *http.Request, out interface{}) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to execute request: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", domain.ErrUnavailable, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: http status %d", domain.ErrUnavailable, resp.StatusCode)
	}

	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: failed to unmarshal response: %v", domain.ErrUnavailable, err)
	}

	switch {
	case env.RetCode == 0:
	case bybitServerErrors[env.RetCode]:
		return fmt.Errorf("%w: bybit %d: %s", domain.ErrUnavailable, env.RetCode, env.RetMsg)
	case env.RetCode == bybitRetOrderMissing:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, env.RetMsg)
	case env.RetCode == bybitRetParamsError && strings.Contains(strings.ToLower(env.RetMsg), "symbol"):
		return fmt.Errorf("%w: %s", domain.ErrNotFound, env.RetMsg)
	default:
		return fmt.Errorf("%w: bybit %d: %s", domain.ErrRejected, env.RetCode, env.RetMsg)
	}

	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%w: failed to unmarshal result: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// generateSignature генерирует подпись для запросов (GET и POST)
func (b *BybitClient) generateSignature(timestamp, payload string) string {
	message := timestamp + b.apiKey + b.recvWindow + payload
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// setAuthHeaders устанавливает заголовки авторизации для запроса
func (b *BybitClient) setAuthHeaders(req *http.Request, timestamp, signature string) {
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", b.recvWindow)
}

func bybitOrderStatus(s string) string {
	switch s {
	case "Filled":
		return domain.OrderStatusFilled
	case "PartiallyFilled":
		return domain.OrderStatusPartiallyFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return domain.OrderStatusCancelled
	case "Rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusNew
	}
}
