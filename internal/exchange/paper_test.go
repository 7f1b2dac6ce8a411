package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillm/trigger-bot/internal/domain"
)

func TestPaperBroker_MarketOrderFillsImmediately(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(10000)
	p.SetPrice("AAPL", 100)

	h, err := p.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: "c-1", Symbol: "AAPL", Side: domain.SideBuy,
		OrderType: domain.OrderTypeMarket, Quantity: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if h.Status != domain.OrderStatusFilled || h.AvgPrice != 100 || h.FilledQty != 10 {
		t.Errorf("handle = %+v", h)
	}

	pos, _ := p.GetPosition(ctx, "AAPL")
	if pos.Quantity != 10 || pos.AvgEntryPrice != 100 {
		t.Errorf("position = %+v", pos)
	}
	bal, _ := p.GetBalance(ctx)
	if bal.Cash != 9000 {
		t.Errorf("cash = %v, want 9000", bal.Cash)
	}
}

func TestPaperBroker_LimitOrderRestsUntilCrossed(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(10000)
	p.SetPrice("AAPL", 105)

	_, err := p.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: "c-1", Symbol: "AAPL", Side: domain.SideBuy,
		OrderType: domain.OrderTypeLimit, Quantity: 1, LimitPrice: 100,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}

	h, _ := p.GetOrderStatus(ctx, "AAPL", "c-1")
	if h.Status != domain.OrderStatusNew {
		t.Errorf("status before cross = %s, want NEW", h.Status)
	}

	p.SetPrice("AAPL", 99.5)
	h, _ = p.GetOrderStatus(ctx, "AAPL", "c-1")
	if h.Status != domain.OrderStatusFilled || h.AvgPrice != 100 {
		t.Errorf("after cross = %+v", h)
	}
}

func TestPaperBroker_Rejections(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(50)
	p.SetPrice("AAPL", 100)

	tests := []struct {
		name string
		req  domain.OrderRequest
	}{
		{"zero quantity", domain.OrderRequest{ClientOrderID: "a", Symbol: "AAPL", Side: domain.SideBuy, OrderType: domain.OrderTypeMarket}},
		{"insufficient cash", domain.OrderRequest{ClientOrderID: "b", Symbol: "AAPL", Side: domain.SideBuy, OrderType: domain.OrderTypeMarket, Quantity: 1}},
		{"unknown symbol", domain.OrderRequest{ClientOrderID: "c", Symbol: "XXX", Side: domain.SideSell, OrderType: domain.OrderTypeMarket, Quantity: 1}},
		{"no limit price", domain.OrderRequest{ClientOrderID: "d", Symbol: "AAPL", Side: domain.SideSell, OrderType: domain.OrderTypeLimit, Quantity: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.PlaceOrder(ctx, tt.req); !errors.Is(err, domain.ErrRejected) {
				t.Errorf("PlaceOrder() error = %v, want ErrRejected", err)
			}
		})
	}
}

func TestPaperBroker_FaultInjection(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(10000)
	p.SetPrice("AAPL", 100)

	p.FailNext(OpGetPrice, domain.ErrUnavailable)
	if _, err := p.GetPrice(ctx, "AAPL"); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("GetPrice() error = %v, want ErrUnavailable", err)
	}
	if _, err := p.GetPrice(ctx, "AAPL"); err != nil {
		t.Errorf("second GetPrice() error = %v", err)
	}
	if got := p.Calls(OpGetPrice); got != 2 {
		t.Errorf("Calls(GetPrice) = %d, want 2", got)
	}

	p.LoseNextAck()
	req := domain.OrderRequest{ClientOrderID: "lost", Symbol: "AAPL", Side: domain.SideBuy, OrderType: domain.OrderTypeMarket, Quantity: 1}
	if _, err := p.PlaceOrder(ctx, req); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("PlaceOrder() error = %v, want ErrUnavailable", err)
	}
	h, err := p.GetOrderStatus(ctx, "AAPL", "lost")
	if err != nil {
		t.Fatalf("GetOrderStatus() error = %v", err)
	}
	if h.Status != domain.OrderStatusFilled {
		t.Errorf("lost ack order status = %s, want FILLED", h.Status)
	}

	if _, err := p.GetOrderStatus(ctx, "AAPL", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetOrderStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPaperFeed_MirrorsMarketPrice(t *testing.T) {
	ctx := context.Background()
	market := NewPaperBroker(0)
	market.SetPrice("BTCUSDT", 50000)

	paper := NewPaperBroker(1e6)
	feed := NewPaperFeed(market, paper)

	if _, err := paper.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: "lim", Symbol: "BTCUSDT", Side: domain.SideBuy,
		OrderType: domain.OrderTypeLimit, LimitPrice: 49000, Quantity: 1,
	}); err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}

	market.SetPrice("BTCUSDT", 48500)
	q, err := feed.GetPrice(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPrice() error = %v", err)
	}
	if q.Price != 48500 {
		t.Errorf("price = %v, want 48500", q.Price)
	}

	h, err := paper.GetOrderStatus(ctx, "BTCUSDT", "lim")
	if err != nil {
		t.Fatalf("GetOrderStatus() error = %v", err)
	}
	if h.Status != domain.OrderStatusFilled {
		t.Errorf("limit order status = %s, want FILLED after feed crossed it", h.Status)
	}

	if _, err := feed.GetPrice(ctx, "ETHUSDT"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown symbol error = %v, want ErrNotFound", err)
	}
	if feed.Venue() != paper.Venue() || feed.Venue() == market.Venue() {
		t.Errorf("feed venue = %s, want paper venue %s", feed.Venue(), paper.Venue())
	}
}
