package telegram

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kirillm/trigger-bot/internal/domain"
)

// Lang представляет язык
type Lang string

const (
	LangEN Lang = "en"
	LangRU Lang = "ru"
)

// ParseLang разбирает код языка из конфигурации, по умолчанию английский
func ParseLang(s string) Lang {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ru", "rus", "russian":
		return LangRU
	default:
		return LangEN
	}
}

// Formatter форматирует уведомления для пользователя
type Formatter struct {
	lang Lang
}

// NewFormatter создает новый форматтер
func NewFormatter(lang Lang) *Formatter {
	if lang != LangRU && lang != LangEN {
		lang = LangEN
	}
	return &Formatter{lang: lang}
}

// SetLang устанавливает язык
func (f *Formatter) SetLang(lang Lang) {
	f.lang = lang
}

// GetLang возвращает текущий язык
func (f *Formatter) GetLang() Lang {
	return f.lang
}

var translations = map[string]map[Lang]string{
	domain.EventLevelFilled:          {LangEN: "Grid level filled", LangRU: "Уровень сетки исполнен"},
	domain.EventOrderTriggered:       {LangEN: "Trigger fired", LangRU: "Триггер сработал"},
	domain.EventOrderSubmitted:       {LangEN: "Order submitted", LangRU: "Ордер отправлен"},
	domain.EventOrderFilled:          {LangEN: "Order filled", LangRU: "Ордер исполнен"},
	domain.EventOrderFailed:          {LangEN: "Order failed", LangRU: "Ордер не исполнен"},
	domain.EventOrderExpired:         {LangEN: "Trigger expired", LangRU: "Срок триггера истек"},
	domain.EventBoundaryReached:      {LangEN: "Price left the grid range", LangRU: "Цена вышла за границы сетки"},
	domain.EventReconciliationNeeded: {LangEN: "Manual check required", LangRU: "Требуется ручная проверка"},
	domain.EventStaleOrder:           {LangEN: "Order is stale", LangRU: "Ордер завис"},
	domain.EventLadderHalted:         {LangEN: "Grid halted", LangRU: "Сетка остановлена"},
	domain.EventRiskLimit:            {LangEN: "Risk limit hit", LangRU: "Сработал риск-лимит"},
	domain.EventStatusReport:         {LangEN: "Grid status", LangRU: "Статус сетки"},
	domain.EventSlippage:             {LangEN: "Slippage above threshold", LangRU: "Проскальзывание выше порога"},

	"side":     {LangEN: "Side", LangRU: "Сторона"},
	"price":    {LangEN: "Price", LangRU: "Цена"},
	"quantity": {LangEN: "Quantity", LangRU: "Количество"},
	"level":    {LangEN: "Level", LangRU: "Уровень"},
	"order":    {LangEN: "Order", LangRU: "Ордер"},
	"grid":     {LangEN: "Grid", LangRU: "Сетка"},
	"trigger":  {LangEN: "Trigger", LangRU: "Триггер"},
	"BUY":      {LangEN: "Buy", LangRU: "Покупка"},
	"SELL":     {LangEN: "Sell", LangRU: "Продажа"},
}

// T переводит строку
func (f *Formatter) T(key string) string {
	if trans, ok := translations[key]; ok {
		if val, ok := trans[f.lang]; ok {
			return val
		}
	}
	return key
}

func eventEmoji(typ string) string {
	switch typ {
	case domain.EventLevelFilled, domain.EventOrderFilled:
		return "✅"
	case domain.EventOrderTriggered:
		return "🎯"
	case domain.EventOrderSubmitted:
		return "📝"
	case domain.EventOrderFailed:
		return "❌"
	case domain.EventOrderExpired:
		return "⌛"
	case domain.EventBoundaryReached, domain.EventSlippage:
		return "⚠️"
	case domain.EventReconciliationNeeded, domain.EventStaleOrder:
		return "🔍"
	case domain.EventLadderHalted, domain.EventRiskLimit:
		return "🚨"
	case domain.EventStatusReport:
		return "📊"
	}
	return "📨"
}

// FormatEvent форматирует событие движка в текст сообщения
func (f *Formatter) FormatEvent(ev domain.Event) string {
	var sb strings.Builder

	sb.WriteString(eventEmoji(ev.Type))
	sb.WriteString(" ")
	sb.WriteString(f.T(ev.Type))
	if ev.Symbol != "" {
		sb.WriteString(": ")
		sb.WriteString(ev.Symbol)
	}
	sb.WriteString("\n\n")

	if ev.EntityID != "" {
		kind := f.T("trigger")
		if ev.EntityKind == domain.KindLadder {
			kind = f.T("grid")
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", kind, ev.EntityID))
	}
	if ev.Side != "" && ev.Side != domain.SideNeutral {
		sb.WriteString(fmt.Sprintf("%s: %s\n", f.T("side"), f.T(ev.Side)))
	}
	if ev.LevelIndex >= 0 && ev.EntityKind == domain.KindLadder && ev.Type != domain.EventStatusReport {
		sb.WriteString(fmt.Sprintf("%s: %d\n", f.T("level"), ev.LevelIndex))
	}
	if ev.Price > 0 {
		sb.WriteString(fmt.Sprintf("%s: %s\n", f.T("price"), formatNumber(ev.Price)))
	}
	if ev.Quantity != 0 {
		sb.WriteString(fmt.Sprintf("%s: %s\n", f.T("quantity"), formatNumber(ev.Quantity)))
	}
	if ev.OrderID != "" {
		sb.WriteString(fmt.Sprintf("%s: %s\n", f.T("order"), ev.OrderID))
	}
	if ev.Message != "" {
		sb.WriteString("\n")
		sb.WriteString(ev.Message)
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

func formatNumber(v float64) string {
	return decimal.NewFromFloat(v).Round(8).String()
}

// splitMessage разбивает длинное сообщение на части
func splitMessage(text string, maxLength int) []string {
	if len(text) <= maxLength {
		return []string{text}
	}

	var messages []string
	current := ""
	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxLength {
			if current != "" {
				messages = append(messages, current)
				current = ""
			}
			messages = append(messages, line[:maxLength])
			line = line[maxLength:]
		}
		if current != "" && len(current)+len(line)+1 > maxLength {
			messages = append(messages, current)
			current = line
			continue
		}
		if current != "" {
			current += "\n"
		}
		current += line
	}
	if current != "" {
		messages = append(messages, current)
	}
	return messages
}
