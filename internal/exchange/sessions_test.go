package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
)

func TestPool_ReusesAndExpires(t *testing.T) {
	ctx := context.Background()
	ttl := 50 * time.Millisecond
	created := 0
	pool := NewPool(func(ctx context.Context, userID string) (domain.BrokerGateway, error) {
		created++
		return NewPaperBroker(0), nil
	}, ttl, 10)

	a, _ := pool.Get(ctx, "u1")
	b, _ := pool.Get(ctx, "u1")
	if a != b || created != 1 {
		t.Errorf("session not reused: created = %d", created)
	}

	time.Sleep(2 * ttl)
	c, _ := pool.Get(ctx, "u1")
	if c == a || created != 2 {
		t.Errorf("expired session reused: created = %d", created)
	}
	pool.Evict() // первая сессия могла уже уйти при фоновой очистке

	time.Sleep(2 * ttl)
	if pool.Len() != 0 {
		t.Errorf("Len() = %d, want 0", pool.Len())
	}

	deadline := time.Now().Add(time.Second)
	evicted := 0
	for evicted == 0 && time.Now().Before(deadline) {
		evicted += pool.Evict()
		time.Sleep(10 * time.Millisecond)
	}
	if evicted != 1 {
		t.Errorf("Evict() = %d, want 1", evicted)
	}
	if got := pool.Evict(); got != 0 {
		t.Errorf("second Evict() = %d, want 0", got)
	}
}

func TestPool_AccessExtendsTTL(t *testing.T) {
	ctx := context.Background()
	ttl := 200 * time.Millisecond
	created := 0
	pool := NewPool(func(ctx context.Context, userID string) (domain.BrokerGateway, error) {
		created++
		return NewPaperBroker(0), nil
	}, ttl, 10)

	first, _ := pool.Get(ctx, "u1")
	for i := 0; i < 4; i++ {
		time.Sleep(ttl / 4)
		if gw, _ := pool.Get(ctx, "u1"); gw != first {
			t.Fatalf("session expired while in use (step %d)", i)
		}
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
}

func TestPool_LRUEviction(t *testing.T) {
	ctx := context.Background()
	gateways := map[string]domain.BrokerGateway{}
	pool := NewPool(func(ctx context.Context, userID string) (domain.BrokerGateway, error) {
		gw := NewPaperBroker(0)
		gateways[userID] = gw
		return gw, nil
	}, time.Hour, 2)

	pool.Get(ctx, "u1")
	pool.Get(ctx, "u2")
	pool.Get(ctx, "u1") // u2 становится самой старой
	pool.Get(ctx, "u3")

	if pool.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", pool.Len())
	}
	first := gateways["u1"]
	if gw, _ := pool.Get(ctx, "u1"); gw != first {
		t.Errorf("u1 was evicted")
	}
	old := gateways["u2"]
	if gw, _ := pool.Get(ctx, "u2"); gw == old {
		t.Errorf("u2 should have been evicted")
	}
}

func TestPool_FactoryError(t *testing.T) {
	pool := NewPool(func(ctx context.Context, userID string) (domain.BrokerGateway, error) {
		return nil, domain.ErrConfiguration
	}, time.Hour, 2)

	if _, err := pool.Get(context.Background(), "u1"); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("Get() error = %v, want ErrConfiguration", err)
	}
	if pool.Len() != 0 {
		t.Errorf("failed session cached")
	}
}

func TestNewGateway(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{"bybit", Credentials{Broker: domain.BrokerBybit, APIKey: "k", APISecret: "s"}, false},
		{"alpaca", Credentials{Broker: domain.BrokerAlpaca, APIKey: "k", APISecret: "s"}, false},
		{"bybit without key", Credentials{Broker: domain.BrokerBybit}, true},
		{"unknown", Credentials{Broker: "ib"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGateway(tt.creds, 5)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewGateway() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("NewGateway() error = %v, want ErrConfiguration", err)
			}
		})
	}
}
