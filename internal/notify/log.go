package notify

import (
	"context"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/pkg/utils"
)

// LogDeliverer пишет события в лог
type LogDeliverer struct {
	logger *utils.Logger
}

func NewLogDeliverer(logger *utils.Logger) *LogDeliverer {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &LogDeliverer{logger: logger}
}

func (l *LogDeliverer) Name() string { return "log" }

func (l *LogDeliverer) Deliver(_ context.Context, ev domain.Event) error {
	switch ev.Type {
	case domain.EventOrderFailed, domain.EventReconciliationNeeded, domain.EventLadderHalted,
		domain.EventRiskLimit, domain.EventStaleOrder, domain.EventSlippage:
		l.logger.Warn("%s %s [%s/%s %s] %s", emojiFor(ev.Type), ev.Type, ev.UserID, ev.EntityKind, ev.EntityID, ev.Message)
	default:
		l.logger.Info("%s %s [%s/%s %s] %s", emojiFor(ev.Type), ev.Type, ev.UserID, ev.EntityKind, ev.EntityID, ev.Message)
	}
	return nil
}

func emojiFor(typ string) string {
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
