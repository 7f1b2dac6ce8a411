package exchange

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// RateLimited ограничивает частоту запросов к брокеру одним token bucket на сессию
type RateLimited struct {
	next    domain.BrokerGateway
	limiter *rate.Limiter
}

var _ domain.BrokerGateway = (*RateLimited)(nil)

// NewRateLimited rps <= 0 отключает ограничение
func NewRateLimited(next domain.BrokerGateway, rps float64, burst int) domain.BrokerGateway {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (r *RateLimited) Venue() string { return domain.VenueOf(r.next) }

func (r *RateLimited) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GetPrice(ctx, symbol)
}

// PlaceOrder ожидание лимита до отправки: ошибка здесь значит, что ордер не ушел
func (r *RateLimited) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderHandle, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.PlaceOrder(ctx, req)
}

func (r *RateLimited) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*domain.OrderHandle, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GetOrderStatus(ctx, symbol, clientOrderID)
}

func (r *RateLimited) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GetPosition(ctx, symbol)
}

func (r *RateLimited) GetBalance(ctx context.Context) (*domain.Balance, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GetBalance(ctx)
}
