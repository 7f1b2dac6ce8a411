package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/internal/exchange"
)

// Strategies файл пользователей и начальных стратегий
type Strategies struct {
	Users []UserConfig `yaml:"users"`
}

// UserConfig пользователь: брокер, чат уведомлений, стратегии
type UserConfig struct {
	ID             string          `yaml:"id"`
	Broker         string          `yaml:"broker"`
	APIKey         string          `yaml:"api_key"`
	APISecret      string          `yaml:"api_secret"`
	BaseURL        string          `yaml:"base_url"`
	DataURL        string          `yaml:"data_url"`
	AccessKey      string          `yaml:"access_key"` // ключ X-API-Key пользователя
	TelegramChatID int64           `yaml:"telegram_chat_id"`
	Lang           string          `yaml:"lang"`
	Ladders        []LadderConfig  `yaml:"ladders"`
	Triggers       []TriggerConfig `yaml:"triggers"`
}

type LadderConfig struct {
	Symbol          string  `yaml:"symbol"`
	SymbolName      string  `yaml:"symbol_name"`
	LowerPrice      float64 `yaml:"lower_price"`
	UpperPrice      float64 `yaml:"upper_price"`
	Levels          int     `yaml:"levels"`
	Quantity        float64 `yaml:"quantity"`
	OrderType       string  `yaml:"order_type"`
	TradeType       string  `yaml:"trade_type"`
	PollInterval    string  `yaml:"poll_interval"`
	StopLossPrice   float64 `yaml:"stop_loss_price"`
	TakeProfitPrice float64 `yaml:"take_profit_price"`
	MaxPosition     float64 `yaml:"max_position"`
	MaxCapital      float64 `yaml:"max_capital"`
	Start           bool    `yaml:"start"`
}

type TriggerConfig struct {
	Symbol     string  `yaml:"symbol"`
	SymbolName string  `yaml:"symbol_name"`
	Condition  string  `yaml:"condition"`
	Threshold  float64 `yaml:"threshold"`
	Action     string  `yaml:"action"`
	OrderType  string  `yaml:"order_type"`
	LimitPrice float64 `yaml:"limit_price"`
	TradeType  string  `yaml:"trade_type"`
	Quantity   float64 `yaml:"quantity"`
	Note       string  `yaml:"note"`
	ExpiresIn  string  `yaml:"expires_in"`
}

// LoadStrategies читает YAML; ${VAR} в файле подставляется из окружения
func LoadStrategies(path string) (*Strategies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategies file: %w", err)
	}
	return ParseStrategies([]byte(os.ExpandEnv(string(data))))
}

func ParseStrategies(data []byte) (*Strategies, error) {
	var s Strategies
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse strategies: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate проверяет пользователей; параметры стратегий проверяет менеджер при создании
func (s *Strategies) Validate() error {
	seen := make(map[string]bool)
	keys := make(map[string]string)
	for i := range s.Users {
		u := &s.Users[i]
		if u.ID == "" {
			return fmt.Errorf("%w: user #%d has no id", domain.ErrConfiguration, i+1)
		}
		if seen[u.ID] {
			return fmt.Errorf("%w: duplicate user %s", domain.ErrConfiguration, u.ID)
		}
		seen[u.ID] = true

		if u.AccessKey != "" {
			if other, ok := keys[u.AccessKey]; ok {
				return fmt.Errorf("%w: users %s and %s share access_key", domain.ErrConfiguration, other, u.ID)
			}
			keys[u.AccessKey] = u.ID
		}

		u.Broker = strings.ToLower(u.Broker)
		if u.Broker == "" {
			u.Broker = domain.BrokerPaper
		}
		switch u.Broker {
		case domain.BrokerPaper:
		case domain.BrokerBybit, domain.BrokerAlpaca:
			if u.APIKey == "" || u.APISecret == "" {
				return fmt.Errorf("%w: user %s: api_key and api_secret required for %s", domain.ErrConfiguration, u.ID, u.Broker)
			}
		default:
			return fmt.Errorf("%w: user %s: unknown broker %q", domain.ErrConfiguration, u.ID, u.Broker)
		}

		for _, l := range u.Ladders {
			if l.PollInterval != "" {
				if _, err := time.ParseDuration(l.PollInterval); err != nil {
					return fmt.Errorf("%w: user %s ladder %s: poll_interval: %v", domain.ErrConfiguration, u.ID, l.Symbol, err)
				}
			}
		}
		for _, t := range u.Triggers {
			if t.ExpiresIn != "" {
				if _, err := time.ParseDuration(t.ExpiresIn); err != nil {
					return fmt.Errorf("%w: user %s trigger %s: expires_in: %v", domain.ErrConfiguration, u.ID, t.Symbol, err)
				}
			}
		}
	}
	return nil
}

// User ищет пользователя по id
func (s *Strategies) User(id string) (*UserConfig, bool) {
	for i := range s.Users {
		if s.Users[i].ID == id {
			return &s.Users[i], true
		}
	}
	return nil, false
}

// AccessKeys ключи API пользователей: userID -> ключ
func (s *Strategies) AccessKeys() map[string]string {
	keys := make(map[string]string, len(s.Users))
	for _, u := range s.Users {
		if u.AccessKey != "" {
			keys[u.ID] = u.AccessKey
		}
	}
	return keys
}

// Credentials доступ пользователя к брокеру
func (u *UserConfig) Credentials() exchange.Credentials {
	return exchange.Credentials{
		Broker:    u.Broker,
		APIKey:    u.APIKey,
		APISecret: u.APISecret,
		BaseURL:   u.BaseURL,
		DataURL:   u.DataURL,
	}
}

// ToLadder сетка пользователя по описанию из файла
func (l LadderConfig) ToLadder(userID string) *domain.GridLadder {
	var pollSeconds int
	if d, err := time.ParseDuration(l.PollInterval); err == nil {
		pollSeconds = int(d / time.Second)
	}
	return &domain.GridLadder{
		UserID:              userID,
		Symbol:              l.Symbol,
		SymbolName:          l.SymbolName,
		LowerPrice:          l.LowerPrice,
		UpperPrice:          l.UpperPrice,
		LevelCount:          l.Levels,
		QuantityPerLevel:    l.Quantity,
		PollIntervalSeconds: pollSeconds,
		OrderType:           l.OrderType,
		TradeType:           l.TradeType,
		StopLossPrice:       l.StopLossPrice,
		TakeProfitPrice:     l.TakeProfitPrice,
		MaxPosition:         l.MaxPosition,
		MaxCapital:          l.MaxCapital,
	}
}

// ToTrigger триггер пользователя по описанию из файла; expires_in отсчитывается от now
func (t TriggerConfig) ToTrigger(userID string, now time.Time) *domain.TriggerOrder {
	o := &domain.TriggerOrder{
		UserID:            userID,
		Symbol:            t.Symbol,
		SymbolName:        t.SymbolName,
		ConditionOperator: t.Condition,
		ThresholdPrice:    t.Threshold,
		OrderAction:       strings.ToUpper(t.Action),
		OrderType:         t.OrderType,
		LimitPrice:        t.LimitPrice,
		TradeType:         t.TradeType,
		Quantity:          t.Quantity,
		Note:              t.Note,
	}
	if d, err := time.ParseDuration(t.ExpiresIn); err == nil && d > 0 {
		exp := now.Add(d)
		o.ExpiresAt = &exp
	}
	return o
}
