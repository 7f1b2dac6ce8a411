package domain

import (
	"context"
	"fmt"
)

// BrokerGateway единый контракт брокера: цены, отправка и статус ордеров
type BrokerGateway interface {
	// GetPrice возвращает ErrUnavailable при сетевой ошибке и ErrNotFound для неизвестного символа
	GetPrice(ctx context.Context, symbol string) (*Quote, error)
	// PlaceOrder возвращает ErrRejected при отказе брокера и ErrUnavailable,
	// если результат неизвестен
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error)
	// GetOrderStatus ищет ордер по client order id
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderHandle, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetBalance(ctx context.Context) (*Balance, error)
}

// PriceSource источник цен для PriceCache
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (*Quote, error)
}

// Venued источник цен, знающий свою площадку. Сессии одной площадки
// отдают одинаковые цены и делят запрос в PriceCache.
type Venued interface {
	Venue() string
}

// VenueOf площадка источника; без Venue() каждый источник считается отдельной площадкой
func VenueOf(src PriceSource) string {
	if v, ok := src.(Venued); ok {
		return v.Venue()
	}
	return fmt.Sprintf("%T@%p", src, src)
}

// NotificationSink принимает события движка, никогда не блокирует
type NotificationSink interface {
	Emit(event Event)
}

// GatewayProvider выдает сессию брокера пользователя
type GatewayProvider interface {
	Get(ctx context.Context, userID string) (BrokerGateway, error)
}
