package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kirillm/trigger-bot/internal/domain"
)

func TestPostgresStorage_StateRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	pg, err := OpenPostgres(dsn, 5, 2, time.Minute)
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	s := NewStore(pg)
	defer s.Close()

	ctx := context.Background()
	o := testTrigger(uuid.NewString())
	o.UserID = "pg-" + uuid.NewString()[:8]
	if err := s.CreateTrigger(ctx, o); err != nil {
		t.Fatalf("CreateTrigger() error = %v", err)
	}

	if _, err := s.WriteAheadPending(ctx, o.Ref(), domain.OrderIntent{LevelIndex: -1, Symbol: o.Symbol, Side: domain.SideBuy, Quantity: 1}); err != nil {
		t.Fatalf("WriteAheadPending() error = %v", err)
	}

	got, err := s.GetTrigger(ctx, o.UserID, o.ID)
	if err != nil {
		t.Fatalf("GetTrigger() error = %v", err)
	}
	if got.Status != domain.TriggerTriggered || got.WriteAhead == nil || got.Version != 2 {
		t.Errorf("trigger = status %s version %d write-ahead %v", got.Status, got.Version, got.WriteAhead)
	}

	// более старая версия не должна перезаписать новую
	stale := &domain.StateRecord{UserID: o.UserID, Kind: domain.KindTrigger, EntityID: o.ID, Version: 1, Status: "pending", Data: []byte(`{}`), UpdatedAt: time.Now()}
	if err := pg.Put(ctx, stale); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("stale Put() error = %v, want ErrConflict", err)
	}
}
