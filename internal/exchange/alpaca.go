package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// AlpacaClient шлюз для акций США через Alpaca trading и market data API
type AlpacaClient struct {
	trading *alpaca.Client
	data    *marketdata.Client
	dataURL string
}

var _ domain.BrokerGateway = (*AlpacaClient)(nil)

func NewAlpacaClient(apiKey, apiSecret, baseURL, dataURL string) *AlpacaClient {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}

	return &AlpacaClient{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data:    marketdata.NewClient(opts),
		dataURL: dataURL,
	}
}

// Venue все сессии Alpaca с одним адресом данных видят одни котировки
func (a *AlpacaClient) Venue() string { return "alpaca:" + a.dataURL }

// GetPrice цена последней сделки
func (a *AlpacaClient) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	trade, err := a.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return nil, alpacaError(err)
	}
	if trade == nil {
		return nil, fmt.Errorf("%w: no trades for %s", domain.ErrNotFound, symbol)
	}
	return &domain.Quote{Symbol: symbol, Price: trade.Price, Timestamp: trade.Timestamp}, nil
}

func (a *AlpacaClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	qty := decimal.NewFromFloat(req.Quantity)
	r := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Side == domain.SideSell {
		r.Side = alpaca.Sell
	}
	if req.OrderType == domain.OrderTypeLimit {
		limit := decimal.NewFromFloat(req.LimitPrice)
		r.Type = alpaca.Limit
		r.LimitPrice = &limit
		r.TimeInForce = alpaca.GTC
	}

	order, err := a.trading.PlaceOrder(r)
	if err != nil {
		return nil, alpacaError(err)
	}
	return alpacaHandle(order), nil
}

func (a *AlpacaClient) GetOrderStatus(ctx context.Context, _ string, clientOrderID string) (*domain.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	order, err := a.trading.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return nil, alpacaError(err)
	}
	return alpacaHandle(order), nil
}

func (a *AlpacaClient) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	pos, err := a.trading.GetPosition(symbol)
	if err != nil {
		err = alpacaError(err)
		// Alpaca отвечает 404, если позиции нет
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.Position{Symbol: symbol}, nil
		}
		return nil, err
	}
	return &domain.Position{
		Symbol:        symbol,
		Quantity:      pos.Qty.InexactFloat64(),
		AvgEntryPrice: pos.AvgEntryPrice.InexactFloat64(),
	}, nil
}

func (a *AlpacaClient) GetBalance(ctx context.Context) (*domain.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	acct, err := a.trading.GetAccount()
	if err != nil {
		return nil, alpacaError(err)
	}
	return &domain.Balance{
		Currency:  acct.Currency,
		Cash:      acct.Cash.InexactFloat64(),
		Available: acct.BuyingPower.InexactFloat64(),
	}, nil
}

func alpacaHandle(o *alpaca.Order) *domain.OrderHandle {
	h := &domain.OrderHandle{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Status:        alpacaOrderStatus(o.Status),
		FilledQty:     o.FilledQty.InexactFloat64(),
	}
	if o.FilledAvgPrice != nil {
		h.AvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return h
}

func alpacaOrderStatus(s string) string {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusNew
	}
}

// alpacaError: 404 -> ErrNotFound, 4xx -> ErrRejected, остальное -> ErrUnavailable
func alpacaError(err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrRejected, err)
	}
}
