package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillm/trigger-bot/internal/domain"
)

func newBybitTestServer(t *testing.T, handler http.HandlerFunc) *BybitClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBybitClient("key", "secret", srv.URL)
}

func TestBybitClient_GetPrice(t *testing.T) {
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" || r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","lastPrice":"43210.5"}]}}`))
	})

	q, err := c.GetPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPrice() error = %v", err)
	}
	if q.Price != 43210.5 {
		t.Errorf("Price = %v, want 43210.5", q.Price)
	}
}

func TestBybitClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusBadGateway, `bad gateway`, domain.ErrUnavailable},
		{"rate limit", http.StatusOK, `{"retCode":10006,"retMsg":"Too many visits"}`, domain.ErrUnavailable},
		{"server timeout", http.StatusOK, `{"retCode":10000,"retMsg":"Server Timeout"}`, domain.ErrUnavailable},
		{"internal error", http.StatusOK, `{"retCode":10016,"retMsg":"Internal server error"}`, domain.ErrUnavailable},
		{"invalid symbol", http.StatusOK, `{"retCode":10001,"retMsg":"params error: Symbol Invalid"}`, domain.ErrNotFound},
		{"empty list", http.StatusOK, `{"retCode":0,"result":{"list":[]}}`, domain.ErrNotFound},
		{"garbage", http.StatusOK, `not json`, domain.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			if _, err := c.GetPrice(context.Background(), "BTCUSDT"); !errors.Is(err, tt.want) {
				t.Errorf("GetPrice() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBybitClient_PlaceOrder(t *testing.T) {
	var body map[string]interface{}
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-BAPI-SIGN") == "" || r.Header.Get("X-BAPI-API-KEY") != "key" {
			t.Errorf("missing auth headers")
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"retCode":0,"result":{"orderId":"b-1","orderLinkId":"c-1"}}`))
	})

	h, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		ClientOrderID: "c-1", Symbol: "BTCUSDT", Side: domain.SideSell,
		OrderType: domain.OrderTypeLimit, Quantity: 0.01, LimitPrice: 45000,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if h.OrderID != "b-1" || h.ClientOrderID != "c-1" {
		t.Errorf("handle = %+v", h)
	}
	if body["orderLinkId"] != "c-1" || body["side"] != "Sell" || body["orderType"] != "Limit" || body["price"] != "45000" {
		t.Errorf("request body = %v", body)
	}
}

func TestBybitClient_PlaceOrderErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"insufficient balance", `{"retCode":170131,"retMsg":"Insufficient balance."}`, domain.ErrRejected},
		{"params error", `{"retCode":10001,"retMsg":"params error: qty invalid"}`, domain.ErrRejected},
		{"unknown symbol", `{"retCode":10001,"retMsg":"params error: Symbol Invalid"}`, domain.ErrRejected},
		{"server timeout", `{"retCode":10000,"retMsg":"Server Timeout"}`, domain.ErrUnavailable},
		{"internal error", `{"retCode":10016,"retMsg":"Internal server error"}`, domain.ErrUnavailable},
		{"service restarting", `{"retCode":10019,"retMsg":"Service is restarting"}`, domain.ErrUnavailable},
		{"creation timeout", `{"retCode":170146,"retMsg":"Order creation timeout"}`, domain.ErrUnavailable},
		{"rate limit", `{"retCode":10006,"retMsg":"Too many visits"}`, domain.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
				ClientOrderID: "c-1", Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeMarket, Quantity: 1,
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("PlaceOrder() error = %v, want %v", err, tt.want)
			}
			if tt.want == domain.ErrUnavailable && errors.Is(err, domain.ErrRejected) {
				t.Errorf("PlaceOrder() error = %v is both unavailable and rejected", err)
			}
		})
	}
}

func TestBybitClient_GetOrderStatusFallsBackToHistory(t *testing.T) {
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("orderLinkId") != "c-1" {
			t.Errorf("orderLinkId = %q", r.URL.Query().Get("orderLinkId"))
		}
		switch r.URL.Path {
		case "/v5/order/realtime":
			w.Write([]byte(`{"retCode":0,"result":{"list":[]}}`))
		case "/v5/order/history":
			w.Write([]byte(`{"retCode":0,"result":{"list":[{"orderId":"b-1","orderLinkId":"c-1","orderStatus":"Filled","cumExecQty":"0.5","avgPrice":"100.25"}]}}`))
		}
	})

	h, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "c-1")
	if err != nil {
		t.Fatalf("GetOrderStatus() error = %v", err)
	}
	if h.Status != domain.OrderStatusFilled || h.FilledQty != 0.5 || h.AvgPrice != 100.25 {
		t.Errorf("handle = %+v", h)
	}
}

func TestBybitClient_GetOrderStatusNotFound(t *testing.T) {
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[]}}`))
	})

	if _, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "c-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetOrderStatus() error = %v, want ErrNotFound", err)
	}
}

func TestBybitClient_GetPosition(t *testing.T) {
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("coin") != "BTC" {
			t.Errorf("coin = %q, want BTC", r.URL.Query().Get("coin"))
		}
		w.Write([]byte(`{"retCode":0,"result":{"list":[{"coin":[{"coin":"BTC","walletBalance":"1.5","availableToWithdraw":""}]}]}}`))
	})

	pos, err := c.GetPosition(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if pos.Quantity != 1.5 {
		t.Errorf("Quantity = %v, want 1.5", pos.Quantity)
	}
}

func TestBybitOrderStatus(t *testing.T) {
	tests := map[string]string{
		"New":                     domain.OrderStatusNew,
		"PartiallyFilled":         domain.OrderStatusPartiallyFilled,
		"Filled":                  domain.OrderStatusFilled,
		"PartiallyFilledCanceled": domain.OrderStatusCancelled,
		"Rejected":                domain.OrderStatusRejected,
	}
	for in, want := range tests {
		if got := bybitOrderStatus(in); got != want {
			t.Errorf("bybitOrderStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
