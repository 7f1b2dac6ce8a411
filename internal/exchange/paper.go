package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// Операции PaperBroker для FailNext и Calls
const (
	OpGetPrice       = "GetPrice"
	OpPlaceOrder     = "PlaceOrder"
	OpGetOrderStatus = "GetOrderStatus"
	OpGetPosition    = "GetPosition"
	OpGetBalance     = "GetBalance"
)

type paperOrder struct {
	handle domain.OrderHandle
	req    domain.OrderRequest
	placed time.Time
}

// PaperBroker брокер в памяти: рыночные ордера исполняются сразу,
// лимитные ждут SetPrice. Поддерживает инъекцию сбоев для тестов.
type PaperBroker struct {
	mu        sync.Mutex
	prices    map[string]float64
	orders    map[string]*paperOrder
	positions map[string]*domain.Position
	cash      float64
	failures  map[string][]error
	lostAcks  int
	calls     map[string]int
}

var _ domain.BrokerGateway = (*PaperBroker)(nil)

func NewPaperBroker(cash float64) *PaperBroker {
	return &PaperBroker{
		prices:    make(map[string]float64),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*domain.Position),
		cash:      cash,
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// Venue у каждого paper-брокера свои цены
func (p *PaperBroker) Venue() string { return fmt.Sprintf("paper:%p", p) }

// SetPrice обновляет цену и исполняет лимитные ордера, которые она пересекла
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prices[symbol] = price
	for _, o := range p.orders {
		if o.req.Symbol != symbol || o.handle.Status != domain.OrderStatusNew {
			continue
		}
		if o.req.Side == domain.SideBuy && price <= o.req.LimitPrice ||
			o.req.Side == domain.SideSell && price >= o.req.LimitPrice {
			p.fill(o, o.req.LimitPrice)
		}
	}
}

// FailNext ставит ошибку в очередь для следующего вызова операции
func (p *PaperBroker) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// LoseNextAck следующий PlaceOrder примет ордер, но вернет ErrUnavailable,
// как будто ответ брокера потерялся в сети
func (p *PaperBroker) LoseNextAck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lostAcks++
}

// Calls количество вызовов операции
func (p *PaperBroker) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Orders снимок всех принятых ордеров
func (p *PaperBroker) Orders() []domain.OrderHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.OrderHandle, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o.handle)
	}
	return out
}

func (p *PaperBroker) begin(op string) error {
	p.calls[op]++
	if q := p.failures[op]; len(q) > 0 {
		p.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (p *PaperBroker) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpGetPrice); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	price, ok := p.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: symbol %s", domain.ErrNotFound, symbol)
	}
	return &domain.Quote{Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}

func (p *PaperBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpPlaceOrder); err != nil {
		return nil, err
	}

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrRejected)
	}
	if _, exists := p.orders[req.ClientOrderID]; exists {
		return nil, fmt.Errorf("%w: duplicate client order id %s", domain.ErrRejected, req.ClientOrderID)
	}

	price, hasPrice := p.prices[req.Symbol]
	if req.OrderType == domain.OrderTypeMarket && !hasPrice {
		return nil, fmt.Errorf("%w: no market for %s", domain.ErrRejected, req.Symbol)
	}
	if req.OrderType == domain.OrderTypeLimit && req.LimitPrice <= 0 {
		return nil, fmt.Errorf("%w: limit price must be positive", domain.ErrRejected)
	}
	if req.Side == domain.SideBuy {
		cost := req.Quantity * req.LimitPrice
		if req.OrderType == domain.OrderTypeMarket {
			cost = req.Quantity * price
		}
		if cost > p.cash {
			return nil, fmt.Errorf("%w: insufficient cash %.2f < %.2f", domain.ErrRejected, p.cash, cost)
		}
	}

	o := &paperOrder{
		handle: domain.OrderHandle{
			OrderID:       uuid.NewString(),
			ClientOrderID: req.ClientOrderID,
			Status:        domain.OrderStatusNew,
		},
		req:    req,
		placed: time.Now(),
	}
	p.orders[req.ClientOrderID] = o

	switch {
	case req.OrderType == domain.OrderTypeMarket:
		p.fill(o, price)
	case hasPrice && (req.Side == domain.SideBuy && price <= req.LimitPrice ||
		req.Side == domain.SideSell && price >= req.LimitPrice):
		p.fill(o, req.LimitPrice)
	}

	if p.lostAcks > 0 {
		p.lostAcks--
		return nil, fmt.Errorf("%w: connection reset after submit", domain.ErrUnavailable)
	}

	h := o.handle
	return &h, nil
}

func (p *PaperBroker) GetOrderStatus(_ context.Context, _ string, clientOrderID string) (*domain.OrderHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpGetOrderStatus); err != nil {
		return nil, err
	}

	o, ok := p.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, clientOrderID)
	}
	h := o.handle
	return &h, nil
}

func (p *PaperBroker) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpGetPosition); err != nil {
		return nil, err
	}

	pos, ok := p.positions[symbol]
	if !ok {
		return &domain.Position{Symbol: symbol}, nil
	}
	cp := *pos
	return &cp, nil
}

func (p *PaperBroker) GetBalance(_ context.Context) (*domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpGetBalance); err != nil {
		return nil, err
	}
	return &domain.Balance{Currency: "USD", Cash: p.cash, Available: p.cash}, nil
}

// fill вызывается под p.mu
func (p *PaperBroker) fill(o *paperOrder, price float64) {
	o.handle.Status = domain.OrderStatusFilled
	o.handle.FilledQty = o.req.Quantity
	o.handle.AvgPrice = price

	pos, ok := p.positions[o.req.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: o.req.Symbol}
		p.positions[o.req.Symbol] = pos
	}

	qty := o.req.Quantity
	if o.req.Side == domain.SideSell {
		pos.Quantity -= qty
		p.cash += qty * price
		return
	}

	if total := pos.Quantity + qty; total != 0 {
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Quantity + price*qty) / total
	}
	pos.Quantity += qty
	p.cash -= qty * price
}

// PaperFeed paper-брокер с ценами реального рынка: каждая полученная цена
// передается в SetPrice, чтобы лимитные ордера исполнялись по живому рынку.
// Ордера, позиции и площадка остаются у PaperBroker.
type PaperFeed struct {
	*PaperBroker
	market domain.PriceSource
}

var _ domain.BrokerGateway = (*PaperFeed)(nil)

func NewPaperFeed(market domain.PriceSource, paper *PaperBroker) *PaperFeed {
	return &PaperFeed{PaperBroker: paper, market: market}
}

func (f *PaperFeed) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	q, err := f.market.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	f.PaperBroker.SetPrice(symbol, q.Price)
	return q, nil
}
