package exchange

import (
	"fmt"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// Адреса по умолчанию
const (
	DefaultBybitURL      = "https://api.bybit.com"
	DefaultAlpacaURL     = "https://paper-api.alpaca.markets"
	DefaultAlpacaDataURL = "https://data.alpaca.markets"
)

// NewGateway создает шлюз реального брокера по учетным данным.
// Paper-брокер общий для процесса и создается отдельно.
func NewGateway(c Credentials, rps float64) (domain.BrokerGateway, error) {
	var gw domain.BrokerGateway
	switch c.Broker {
	case domain.BrokerBybit:
		if c.APIKey == "" || c.APISecret == "" {
			return nil, fmt.Errorf("%w: bybit api key/secret required", domain.ErrConfiguration)
		}
		gw = NewBybitClient(c.APIKey, c.APISecret, orDefault(c.BaseURL, DefaultBybitURL))
	case domain.BrokerAlpaca:
		if c.APIKey == "" || c.APISecret == "" {
			return nil, fmt.Errorf("%w: alpaca api key/secret required", domain.ErrConfiguration)
		}
		gw = NewAlpacaClient(c.APIKey, c.APISecret,
			orDefault(c.BaseURL, DefaultAlpacaURL), orDefault(c.DataURL, DefaultAlpacaDataURL))
	default:
		return nil, fmt.Errorf("%w: unknown broker %q", domain.ErrConfiguration, c.Broker)
	}
	return NewRateLimited(gw, rps, 1), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
