package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// Credentials доступ пользователя к брокеру
type Credentials struct {
	Broker    string
	APIKey    string
	APISecret string
	BaseURL   string
	DataURL   string
}

// Factory создает сессию брокера для пользователя
type Factory func(ctx context.Context, userID string) (domain.BrokerGateway, error)

// Pool кэш сессий брокера по пользователям: TTL простоя и вытеснение LRU
type Pool struct {
	mu       sync.Mutex // одна сессия на пользователя при одновременных Get
	factory  Factory
	sessions *expirable.LRU[string, domain.BrokerGateway]
	evicted  atomic.Int64
}

var _ domain.GatewayProvider = (*Pool)(nil)

// NewPool ttl <= 0 отключает истечение, maxSessions <= 0 снимает лимит
func NewPool(factory Factory, ttl time.Duration, maxSessions int) *Pool {
	p := &Pool{factory: factory}
	if maxSessions < 0 {
		maxSessions = 0
	}
	if ttl < 0 {
		ttl = 0
	}
	p.sessions = expirable.NewLRU[string, domain.BrokerGateway](maxSessions, func(string, domain.BrokerGateway) {
		p.evicted.Add(1)
	}, ttl)
	return p
}

// Get возвращает живую сессию или создает новую. Обращение продлевает TTL.
func (p *Pool) Get(ctx context.Context, userID string) (domain.BrokerGateway, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gw, ok := p.sessions.Get(userID); ok {
		p.sessions.Add(userID, gw)
		return gw, nil
	}

	gw, err := p.factory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to open broker session for %s: %w", userID, err)
	}
	p.sessions.Add(userID, gw)
	return gw, nil
}

// Evict возвращает число сессий, вытесненных с прошлого вызова.
// Просроченные сессии удаляет фоновая очистка LRU.
func (p *Pool) Evict() int {
	return int(p.evicted.Swap(0))
}

// Len число живых сессий
func (p *Pool) Len() int {
	return len(p.sessions.Keys())
}
