package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kirillm/trigger-bot/internal/domain"
)

var envKeys = []string{
	"BROKER", "BROKER_API_KEY", "BROKER_API_SECRET", "PAPER_CASH", "PAPER_PRICE_FEED", "STORAGE_BACKEND", "PEBBLE_PATH",
	"DB_PASSWORD", "DB_PORT", "SCHEDULER_RESOLUTION", "GRID_POLL_INTERVAL", "TRIGGER_POLL_INTERVAL",
	"PRICE_TOLERANCE", "MAX_GRIDS_PER_USER", "API_HOST", "API_PORT", "API_ALLOWED_ORIGINS",
	"API_ADMIN_KEY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Broker.Broker != domain.BrokerPaper || cfg.Storage.Backend != BackendPebble {
		t.Errorf("broker/backend = %s/%s", cfg.Broker.Broker, cfg.Storage.Backend)
	}
	if cfg.Engine.GridPollInterval != 60*time.Second || cfg.Engine.TriggerPollInterval != 30*time.Second {
		t.Errorf("poll intervals = %v/%v", cfg.Engine.GridPollInterval, cfg.Engine.TriggerPollInterval)
	}
	if cfg.Engine.PriceTolerance != 0.01 || cfg.Engine.MaxGridsPerUser != 50 {
		t.Errorf("tolerance = %v, max grids = %d", cfg.Engine.PriceTolerance, cfg.Engine.MaxGridsPerUser)
	}
	if cfg.Engine.TriggerRetention != 30*24*time.Hour {
		t.Errorf("retention = %v", cfg.Engine.TriggerRetention)
	}
	if cfg.API.Host != "127.0.0.1" || cfg.API.Port != 8080 || len(cfg.API.AllowedOrigins) != 0 || cfg.API.AdminKey != "" {
		t.Errorf("api = %+v", cfg.API)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GRID_POLL_INTERVAL", "5s")
	t.Setenv("API_ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("API_HOST", "0.0.0.0")
	t.Setenv("API_ADMIN_KEY", "root-key")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Engine.GridPollInterval != 5*time.Second {
		t.Errorf("grid poll = %v", cfg.Engine.GridPollInterval)
	}
	if len(cfg.API.AllowedOrigins) != 2 || cfg.API.AllowedOrigins[1] != "http://b.test" {
		t.Errorf("origins = %q", cfg.API.AllowedOrigins)
	}
	if cfg.API.Host != "0.0.0.0" || cfg.API.AdminKey != "root-key" {
		t.Errorf("api = %+v", cfg.API)
	}
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad duration", map[string]string{"GRID_POLL_INTERVAL": "soon"}, "GRID_POLL_INTERVAL"},
		{"bad int", map[string]string{"DB_PORT": "x"}, "DB_PORT"},
		{"unknown broker", map[string]string{"BROKER": "nyse"}, "unknown BROKER"},
		{"unknown price feed", map[string]string{"PAPER_PRICE_FEED": "nyse"}, "PAPER_PRICE_FEED"},
		{"alpaca feed without keys", map[string]string{"PAPER_PRICE_FEED": "alpaca"}, "BROKER_API_KEY"},
		{"bybit without keys", map[string]string{"BROKER": "bybit"}, "BROKER_API_KEY"},
		{"postgres without password", map[string]string{"STORAGE_BACKEND": "postgres"}, "DB_PASSWORD"},
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "mysql"}, "STORAGE_BACKEND"},
		{"poll below resolution", map[string]string{"SCHEDULER_RESOLUTION": "10s", "TRIGGER_POLL_INTERVAL": "5s"}, "SCHEDULER_RESOLUTION"},
		{"negative tolerance", map[string]string{"PRICE_TOLERANCE": "-1"}, "PRICE_TOLERANCE"},
		{"bad port", map[string]string{"API_PORT": "70000"}, "API_PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("FromEnv() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

const strategiesYAML = `
users:
  - id: alice
    broker: alpaca
    api_key: ${TEST_ALPACA_KEY}
    api_secret: secret
    access_key: ${TEST_ACCESS_KEY}
    telegram_chat_id: 42
    lang: ru
    ladders:
      - symbol: AAPL
        lower_price: 150
        upper_price: 200
        levels: 10
        quantity: 1
        poll_interval: 2m
        start: true
    triggers:
      - symbol: MSFT
        condition: "<="
        threshold: 300
        action: buy
        quantity: 2
        expires_in: 24h
  - id: bob
`

func TestLoadStrategies(t *testing.T) {
	t.Setenv("TEST_ALPACA_KEY", "key-from-env")
	t.Setenv("TEST_ACCESS_KEY", "alice-access")
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	if err := os.WriteFile(path, []byte(strategiesYAML), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	s, err := LoadStrategies(path)
	if err != nil {
		t.Fatalf("LoadStrategies() error = %v", err)
	}
	if len(s.Users) != 2 {
		t.Fatalf("users = %d, want 2", len(s.Users))
	}

	alice, ok := s.User("alice")
	if !ok {
		t.Fatal("alice not found")
	}
	if alice.APIKey != "key-from-env" {
		t.Errorf("api key = %q, want expanded from env", alice.APIKey)
	}
	if c := alice.Credentials(); c.Broker != domain.BrokerAlpaca || c.APISecret != "secret" {
		t.Errorf("credentials = %+v", c)
	}

	keys := s.AccessKeys()
	if len(keys) != 1 || keys["alice"] != "alice-access" {
		t.Errorf("access keys = %v, want only alice", keys)
	}

	bob, _ := s.User("bob")
	if bob.Broker != domain.BrokerPaper {
		t.Errorf("bob broker = %q, want paper default", bob.Broker)
	}

	l := alice.Ladders[0].ToLadder("alice")
	if l.UserID != "alice" || l.LevelCount != 10 || l.PollIntervalSeconds != 120 || !alice.Ladders[0].Start {
		t.Errorf("ladder = %+v", l)
	}

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	o := alice.Triggers[0].ToTrigger("alice", now)
	if o.OrderAction != domain.SideBuy || o.ConditionOperator != domain.OpLessOrEqual {
		t.Errorf("trigger = %+v", o)
	}
	if o.ExpiresAt == nil || !o.ExpiresAt.Equal(now.Add(24*time.Hour)) {
		t.Errorf("expires at = %v", o.ExpiresAt)
	}
}

func TestParseStrategies_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "users:\n  - broker: paper\n"},
		{"duplicate user", "users:\n  - id: a\n  - id: a\n"},
		{"unknown broker", "users:\n  - id: a\n    broker: nyse\n"},
		{"bybit without secret", "users:\n  - id: a\n    broker: bybit\n    api_key: k\n"},
		{"bad poll interval", "users:\n  - id: a\n    ladders:\n      - symbol: X\n        poll_interval: often\n"},
		{"bad expiry", "users:\n  - id: a\n    triggers:\n      - symbol: X\n        expires_in: never\n"},
		{"shared access key", "users:\n  - id: a\n    access_key: k\n  - id: b\n    access_key: k\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStrategies([]byte(tt.yaml))
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("ParseStrategies() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestParseStrategies_InvalidYAML(t *testing.T) {
	if _, err := ParseStrategies([]byte("users: [")); err == nil {
		t.Error("expected parse error")
	}
}
