package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// Config содержит все настройки приложения
type Config struct {
	Broker         BrokerConfig
	Storage        StorageConfig
	Telegram       TelegramConfig
	Engine         EngineConfig
	Sessions       SessionConfig
	Policy         PolicyConfig
	API            APIConfig
	StrategiesFile string
	LogLevel       string
}

// BrokerConfig источник рыночных цен процесса
type BrokerConfig struct {
	Broker    string
	APIKey    string
	APISecret string
	BaseURL   string
	DataURL   string
	PaperCash float64
	PriceFeed string // живые цены для paper: "", bybit, alpaca
}

type StorageConfig struct {
	Backend    string // pebble, postgres
	PebblePath string
	Database   DatabaseConfig
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type TelegramConfig struct {
	BotToken string
}

// EngineConfig параметры планировщика, наблюдателей и исполнения
type EngineConfig struct {
	SchedulerResolution time.Duration
	GridPollInterval    time.Duration
	TriggerPollInterval time.Duration
	StaleAfter          time.Duration
	PriceTolerance      float64
	MaxGridsPerUser     int
	ReconcileGrace      time.Duration
	SlippagePercent     float64
	PriceMaxAge         time.Duration
	TriggerRetention    time.Duration
	CleanupSchedule     string
	ReportSchedule      string
	EvictSchedule       string
}

type SessionConfig struct {
	TTL         time.Duration
	MaxSessions int
	RateLimit   float64 // запросов в секунду на сессию
}

type PolicyConfig struct {
	File    string
	Profile string
}

type APIConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	AdminKey       string
}

// Storage backends
const (
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// Load загружает конфигурацию из .env файла
func Load() (*Config, error) {
	// Загружаем .env файл (если есть)
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found, using environment variables")
	}
	return FromEnv()
}

// FromEnv читает конфигурацию из переменных окружения
func FromEnv() (*Config, error) {
	p := &envParser{}

	config := &Config{
		Broker: BrokerConfig{
			Broker:    strings.ToLower(getEnv("BROKER", domain.BrokerPaper)),
			APIKey:    getEnv("BROKER_API_KEY", ""),
			APISecret: getEnv("BROKER_API_SECRET", ""),
			BaseURL:   getEnv("BROKER_BASE_URL", ""),
			DataURL:   getEnv("BROKER_DATA_URL", ""),
			PaperCash: p.getFloat("PAPER_CASH", "1000000"),
			PriceFeed: strings.ToLower(getEnv("PAPER_PRICE_FEED", "")),
		},
		Storage: StorageConfig{
			Backend:    strings.ToLower(getEnv("STORAGE_BACKEND", BackendPebble)),
			PebblePath: getEnv("PEBBLE_PATH", "data/state"),
			Database: DatabaseConfig{
				Host:            getEnv("DB_HOST", "localhost"),
				Port:            p.getInt("DB_PORT", "5432"),
				User:            getEnv("DB_USER", "postgres"),
				Password:        getEnv("DB_PASSWORD", ""),
				DBName:          getEnv("DB_NAME", "trigger_bot"),
				SSLMode:         getEnv("DB_SSLMODE", "disable"),
				MaxOpenConns:    p.getInt("DB_MAX_OPEN_CONNS", "25"),
				MaxIdleConns:    p.getInt("DB_MAX_IDLE_CONNS", "5"),
				ConnMaxLifetime: p.getDuration("DB_CONN_MAX_LIFETIME", "5m"),
			},
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		},
		Engine: EngineConfig{
			SchedulerResolution: p.getDuration("SCHEDULER_RESOLUTION", "1s"),
			GridPollInterval:    p.getDuration("GRID_POLL_INTERVAL", "60s"),
			TriggerPollInterval: p.getDuration("TRIGGER_POLL_INTERVAL", "30s"),
			StaleAfter:          p.getDuration("STALE_ORDER_AFTER", "10m"),
			PriceTolerance:      p.getFloat("PRICE_TOLERANCE", "0.01"),
			MaxGridsPerUser:     p.getInt("MAX_GRIDS_PER_USER", "50"),
			ReconcileGrace:      p.getDuration("RECONCILE_GRACE", "2m"),
			SlippagePercent:     p.getFloat("SLIPPAGE_PERCENT", "0"),
			PriceMaxAge:         p.getDuration("PRICE_MAX_AGE", "30s"),
			TriggerRetention:    p.getDuration("TRIGGER_RETENTION", "720h"),
			CleanupSchedule:     getEnv("CLEANUP_SCHEDULE", "0 0 3 * * *"),
			ReportSchedule:      getEnv("REPORT_SCHEDULE", "0 0 * * * *"),
			EvictSchedule:       getEnv("EVICT_SCHEDULE", "0 */5 * * * *"),
		},
		Sessions: SessionConfig{
			TTL:         p.getDuration("SESSION_TTL", "30m"),
			MaxSessions: p.getInt("MAX_SESSIONS", "50"),
			RateLimit:   p.getFloat("BROKER_RPS", "5"),
		},
		Policy: PolicyConfig{
			File:    getEnv("POLICY_FILE", ""),
			Profile: getEnv("POLICY_PROFILE", ""),
		},
		API: APIConfig{
			Host:           getEnv("API_HOST", "127.0.0.1"),
			Port:           p.getInt("API_PORT", "8080"),
			AllowedOrigins: splitList(getEnv("API_ALLOWED_ORIGINS", "")),
			AdminKey:       getEnv("API_ADMIN_KEY", ""),
		},
		StrategiesFile: getEnv("STRATEGIES_FILE", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate проверяет обязательные поля конфигурации
func (c *Config) Validate() error {
	switch c.Broker.Broker {
	case domain.BrokerPaper:
		if c.Broker.PaperCash < 0 {
			return fmt.Errorf("PAPER_CASH must not be negative")
		}
		switch c.Broker.PriceFeed {
		case "", domain.BrokerBybit:
		case domain.BrokerAlpaca:
			if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
				return fmt.Errorf("BROKER_API_KEY and BROKER_API_SECRET are required for alpaca price feed")
			}
		default:
			return fmt.Errorf("unknown PAPER_PRICE_FEED %q", c.Broker.PriceFeed)
		}
	case domain.BrokerBybit, domain.BrokerAlpaca:
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("BROKER_API_KEY and BROKER_API_SECRET are required for %s", c.Broker.Broker)
		}
	default:
		return fmt.Errorf("unknown BROKER %q", c.Broker.Broker)
	}

	switch c.Storage.Backend {
	case BackendPebble:
		if c.Storage.PebblePath == "" {
			return fmt.Errorf("PEBBLE_PATH is required")
		}
	case BackendPostgres:
		if c.Storage.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}

	e := c.Engine
	if e.SchedulerResolution <= 0 || e.GridPollInterval <= 0 || e.TriggerPollInterval <= 0 {
		return fmt.Errorf("scheduler resolution and poll intervals must be positive")
	}
	if e.GridPollInterval < e.SchedulerResolution || e.TriggerPollInterval < e.SchedulerResolution {
		return fmt.Errorf("poll intervals must not be shorter than SCHEDULER_RESOLUTION")
	}
	if e.PriceTolerance < 0 {
		return fmt.Errorf("PRICE_TOLERANCE must not be negative")
	}
	if e.MaxGridsPerUser <= 0 {
		return fmt.Errorf("MAX_GRIDS_PER_USER must be positive")
	}
	if c.Sessions.MaxSessions <= 0 || c.Sessions.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL and MAX_SESSIONS must be positive")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API_PORT %d", c.API.Port)
	}
	return nil
}

// envParser запоминает первую ошибку разбора
type envParser struct {
	err error
}

func (p *envParser) getInt(key, def string) int {
	v, err := strconv.Atoi(getEnv(key, def))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *envParser) getFloat(key, def string) float64 {
	v, err := strconv.ParseFloat(getEnv(key, def), 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *envParser) getDuration(key, def string) time.Duration {
	v, err := time.ParseDuration(getEnv(key, def))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
