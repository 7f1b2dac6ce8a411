package execution

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/metrics"
)

// PriceCache цены на одно поколение планировщика: все наблюдатели одного
// поколения получают одну и ту же цену и один запрос на площадку и символ.
// Цена запрашивается через шлюз пользователя, чей наблюдатель спросил первым.
type PriceCache struct {
	mu      sync.Mutex
	gen     uint64
	entries map[string]priceEntry
	stats   CacheStats

	group singleflight.Group
}

type priceEntry struct {
	quote domain.Quote
	err   error
}

// CacheStats счетчики кэша
type CacheStats struct {
	Generation uint64 `json:"generation"`
	Fetches    int64  `json:"fetches"`
	Hits       int64  `json:"hits"`
	Errors     int64  `json:"errors"`
}

func NewPriceCache() *PriceCache {
	return &PriceCache{
		entries: make(map[string]priceEntry),
	}
}

// Advance начинает новое поколение и сбрасывает кэш
func (c *PriceCache) Advance(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen <= c.gen {
		return
	}
	c.gen = gen
	c.stats.Generation = gen
	c.entries = make(map[string]priceEntry)
}

// Get цена символа на площадке src для поколения asOf. Ошибки тоже кэшируются на поколение.
// Запрос из устаревшего поколения идет к источнику напрямую и не кэшируется.
func (c *PriceCache) Get(ctx context.Context, src domain.PriceSource, symbol string, asOf uint64) (*domain.Quote, error) {
	key := domain.VenueOf(src) + "|" + symbol

	c.mu.Lock()
	if asOf == c.gen {
		if e, ok := c.entries[key]; ok {
			c.stats.Hits++
			c.mu.Unlock()
			metrics.IncPriceCacheHit()
			return e.result()
		}
	}
	c.mu.Unlock()

	// общий запрос не должен оборваться из-за отмены одного наблюдателя
	fetchCtx := context.WithoutCancel(ctx)
	v, _, _ := c.group.Do(strconv.FormatUint(asOf, 10)+"/"+key, func() (interface{}, error) {
		c.mu.Lock()
		if asOf == c.gen {
			if e, ok := c.entries[key]; ok {
				c.stats.Hits++
				c.mu.Unlock()
				return e, nil
			}
		}
		c.mu.Unlock()

		e := c.fetch(fetchCtx, src, symbol)

		c.mu.Lock()
		if asOf == c.gen {
			c.entries[key] = e
		}
		c.mu.Unlock()
		return e, nil
	})
	return v.(priceEntry).result()
}

func (c *PriceCache) fetch(ctx context.Context, src domain.PriceSource, symbol string) priceEntry {
	q, err := src.GetPrice(ctx, symbol)
	if err == nil && (q == nil || q.Price <= 0) {
		err = fmt.Errorf("%w: non-positive price for %s", domain.ErrUnavailable, symbol)
	}
	metrics.IncPriceFetch(err)

	c.mu.Lock()
	c.stats.Fetches++
	if err != nil {
		c.stats.Errors++
	}
	c.mu.Unlock()

	if err != nil {
		return priceEntry{err: err}
	}
	return priceEntry{quote: *q}
}

// Stats снимок счетчиков
func (c *PriceCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (e priceEntry) result() (*domain.Quote, error) {
	if e.err != nil {
		return nil, e.err
	}
	q := e.quote
	return &q, nil
}
