package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/exchange"
)

type countingSource struct {
	calls atomic.Int32
	price float64
	err   error
	delay time.Duration
}

func (s *countingSource) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Quote{Symbol: symbol, Price: s.price, Timestamp: time.Now()}, nil
}

func TestPriceCache_OneFetchPerGeneration(t *testing.T) {
	src := &countingSource{price: 550, delay: 10 * time.Millisecond}
	cache := NewPriceCache()
	cache.Advance(1)

	var wg sync.WaitGroup
	prices := make([]float64, 10)
	for i := range prices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := cache.Get(context.Background(), src, "2330", 1)
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			prices[i] = q.Price
		}(i)
	}
	wg.Wait()

	if got := src.calls.Load(); got != 1 {
		t.Errorf("source calls = %d, want 1", got)
	}
	for i, p := range prices {
		if p != 550 {
			t.Errorf("watcher %d saw %v, want 550", i, p)
		}
	}

	src.price = 540
	cache.Advance(2)
	q, _ := cache.Get(context.Background(), src, "2330", 2)
	if q.Price != 540 || src.calls.Load() != 2 {
		t.Errorf("after Advance price = %v calls = %d", q.Price, src.calls.Load())
	}
}

func TestPriceCache_ErrorsCachedForGeneration(t *testing.T) {
	src := &countingSource{err: domain.ErrUnavailable}
	cache := NewPriceCache()
	cache.Advance(1)

	for i := 0; i < 3; i++ {
		if _, err := cache.Get(context.Background(), src, "2330", 1); !errors.Is(err, domain.ErrUnavailable) {
			t.Errorf("Get() error = %v, want ErrUnavailable", err)
		}
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("source calls = %d, want 1", got)
	}

	stats := cache.Stats()
	if stats.Fetches != 1 || stats.Errors != 1 || stats.Hits != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPriceCache_NonPositivePriceIsUnavailable(t *testing.T) {
	src := &countingSource{price: 0}
	cache := NewPriceCache()
	cache.Advance(1)
	if _, err := cache.Get(context.Background(), src, "2330", 1); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}
}

func TestPriceCache_OlderGenerationNotCached(t *testing.T) {
	src := &countingSource{price: 100}
	cache := NewPriceCache()
	cache.Advance(5)

	cache.Get(context.Background(), src, "AAPL", 4)
	cache.Get(context.Background(), src, "AAPL", 5)
	cache.Get(context.Background(), src, "AAPL", 5)

	if got := src.calls.Load(); got != 2 {
		t.Errorf("source calls = %d, want 2", got)
	}
}

type venueSource struct {
	countingSource
	venue string
}

func (s *venueSource) Venue() string { return s.venue }

func TestPriceCache_SharesFetchPerVenue(t *testing.T) {
	ctx := context.Background()
	alice := &venueSource{countingSource: countingSource{price: 260}, venue: "alpaca:data"}
	bob := &venueSource{countingSource: countingSource{price: 260}, venue: "alpaca:data"}
	paper := &venueSource{countingSource: countingSource{price: 100}, venue: "paper:1"}

	cache := NewPriceCache()
	cache.Advance(1)

	tests := []struct {
		name string
		src  domain.PriceSource
		want float64
	}{
		{"first session of venue fetches", alice, 260},
		{"second session of same venue shares", bob, 260},
		{"other venue fetches its own price", paper, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := cache.Get(ctx, tt.src, "AAPL", 1)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if q.Price != tt.want {
				t.Errorf("price = %v, want %v", q.Price, tt.want)
			}
		})
	}

	if a, b, p := alice.calls.Load(), bob.calls.Load(), paper.calls.Load(); a != 1 || b != 0 || p != 1 {
		t.Errorf("calls alice=%d bob=%d paper=%d, want 1, 0, 1", a, b, p)
	}
}

func TestPriceCache_SourcesWithoutVenueAreSeparate(t *testing.T) {
	ctx := context.Background()
	global := &countingSource{err: domain.ErrNotFound}
	user := &countingSource{price: 260}

	cache := NewPriceCache()
	cache.Advance(1)
	if _, err := cache.Get(ctx, global, "AAPL", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	q, err := cache.Get(ctx, user, "AAPL", 1)
	if err != nil || q.Price != 260 {
		t.Fatalf("Get() = %v, %v, want 260 from the user's source", q, err)
	}
	if user.calls.Load() != 1 {
		t.Errorf("user source calls = %d, want 1", user.calls.Load())
	}
}

func TestFailoverGateway(t *testing.T) {
	ctx := context.Background()
	broker := exchange.NewPaperBroker(1000)
	broker.SetPrice("AAPL", 100)
	gw := NewFailoverGateway(broker, time.Minute, nil)

	if gw.Venue() != broker.Venue() {
		t.Errorf("venue = %s, want %s", gw.Venue(), broker.Venue())
	}
	if _, err := gw.GetPrice(ctx, "AAPL"); err != nil {
		t.Fatalf("GetPrice() error = %v", err)
	}

	broker.FailNext(exchange.OpGetPrice, domain.ErrUnavailable)
	q, err := gw.GetPrice(ctx, "AAPL")
	if err != nil || q.Price != 100 {
		t.Errorf("GetPrice() = %v, %v, want last known 100", q, err)
	}
	if _, err := gw.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: "c1", Symbol: "AAPL", Side: domain.SideBuy,
		OrderType: domain.OrderTypeMarket, Quantity: 1,
	}); err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if broker.Calls(exchange.OpPlaceOrder) != 1 {
		t.Errorf("orders did not reach the wrapped broker")
	}
}

func TestFailoverSource(t *testing.T) {
	primary := &countingSource{err: domain.ErrUnavailable}
	fallback := &countingSource{price: 101}
	f := NewFailoverSource(primary, 0, nil)
	f.AddFallbackSource(fallback)

	q, err := f.GetPrice(context.Background(), "AAPL")
	if err != nil || q.Price != 101 {
		t.Fatalf("GetPrice() = %v, %v", q, err)
	}

	notFound := NewFailoverSource(&countingSource{err: domain.ErrNotFound}, 0, nil)
	notFound.AddFallbackSource(fallback)
	if _, err := notFound.GetPrice(context.Background(), "XXX"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetPrice() error = %v, want ErrNotFound", err)
	}
}

func TestFailoverSource_LastKnownPrice(t *testing.T) {
	primary := &countingSource{price: 100}
	f := NewFailoverSource(primary, time.Minute, nil)
	if _, err := f.GetPrice(context.Background(), "AAPL"); err != nil {
		t.Fatalf("GetPrice() error = %v", err)
	}

	primary.err = domain.ErrUnavailable
	q, err := f.GetPrice(context.Background(), "AAPL")
	if err != nil || q.Price != 100 {
		t.Errorf("GetPrice() = %v, %v, want cached 100", q, err)
	}
}
