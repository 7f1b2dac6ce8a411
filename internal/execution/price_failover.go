package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/pkg/utils"
)

// FailoverSource failover механизм для получения цен: основной источник,
// затем запасные, затем последняя известная цена не старше maxAge
type FailoverSource struct {
	primarySource   domain.PriceSource
	fallbackSources []domain.PriceSource
	maxAge          time.Duration
	logger          *utils.Logger

	mu    sync.Mutex
	cache map[string]domain.Quote
}

var _ domain.PriceSource = (*FailoverSource)(nil)

// NewFailoverSource maxAge = 0 отключает отдачу последней известной цены
func NewFailoverSource(primarySource domain.PriceSource, maxAge time.Duration, logger *utils.Logger) *FailoverSource {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &FailoverSource{
		primarySource: primarySource,
		maxAge:        maxAge,
		logger:        logger,
		cache:         make(map[string]domain.Quote),
	}
}

// AddFallbackSource добавляет запасной источник цен
func (pf *FailoverSource) AddFallbackSource(source domain.PriceSource) {
	pf.fallbackSources = append(pf.fallbackSources, source)
}

// GetPrice получает цену с failover
func (pf *FailoverSource) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	// Пробуем основной источник
	q, err := pf.primarySource.GetPrice(ctx, symbol)
	if err == nil {
		pf.remember(q)
		return q, nil
	}
	// неизвестный символ не лечится сменой источника
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	firstErr := err

	// Основной источник недоступен, пробуем fallback
	for i, source := range pf.fallbackSources {
		q, err := source.GetPrice(ctx, symbol)
		if err == nil {
			pf.logger.Warn("⚠️ Using fallback source #%d for %s price", i+1, symbol)
			pf.remember(q)
			return q, nil
		}
	}

	// Все источники недоступны, используем кеш если есть
	if pf.maxAge > 0 {
		pf.mu.Lock()
		cached, ok := pf.cache[symbol]
		pf.mu.Unlock()
		if ok {
			if age := time.Since(cached.Timestamp); age < pf.maxAge {
				pf.logger.Warn("⚠️ Using cached price for %s (age: %v)", symbol, age)
				return &cached, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: no price source answered for %s: %v", domain.ErrUnavailable, symbol, firstErr)
}

func (pf *FailoverSource) remember(q *domain.Quote) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	c := *q
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	pf.cache[q.Symbol] = c
}

// FailoverGateway шлюз пользователя, цены которого идут через FailoverSource.
// Ордера уходят в исходный шлюз без изменений.
type FailoverGateway struct {
	domain.BrokerGateway
	prices *FailoverSource
}

var _ domain.BrokerGateway = (*FailoverGateway)(nil)

func NewFailoverGateway(gw domain.BrokerGateway, maxAge time.Duration, logger *utils.Logger) *FailoverGateway {
	return &FailoverGateway{BrokerGateway: gw, prices: NewFailoverSource(gw, maxAge, logger)}
}

func (g *FailoverGateway) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	return g.prices.GetPrice(ctx, symbol)
}

func (g *FailoverGateway) Venue() string { return domain.VenueOf(g.BrokerGateway) }
