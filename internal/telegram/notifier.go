package telegram

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kirillm/trigger-bot/internal/domain"
	"github.com/kirillm/trigger-bot/pkg/utils"
)

const maxMessageLength = 4096

// Sender отправка сообщений через Bot API
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Recipient чат пользователя и язык уведомлений
type Recipient struct {
	ChatID int64
	Lang   Lang
}

// Notifier доставляет события движка в Telegram
type Notifier struct {
	api    Sender
	logger *utils.Logger

	mu         sync.RWMutex
	recipients map[string]Recipient
}

// NewNotifier авторизует бота по токену
func NewNotifier(token string, logger *utils.Logger) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	if logger != nil {
		logger.Info("Telegram bot authorized: @%s", bot.Self.UserName)
	}
	return NewNotifierWithSender(bot, logger), nil
}

func NewNotifierWithSender(api Sender, logger *utils.Logger) *Notifier {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Notifier{
		api:        api,
		logger:     logger,
		recipients: make(map[string]Recipient),
	}
}

// SetRecipient привязывает пользователя к чату
func (n *Notifier) SetRecipient(userID string, chatID int64, lang Lang) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recipients[userID] = Recipient{ChatID: chatID, Lang: lang}
}

func (n *Notifier) recipient(userID string) (Recipient, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.recipients[userID]
	return r, ok
}

func (n *Notifier) Name() string { return "telegram" }

// Deliver отправляет событие в чат пользователя. Пользователи без чата пропускаются
func (n *Notifier) Deliver(ctx context.Context, ev domain.Event) error {
	r, ok := n.recipient(ev.UserID)
	if !ok || r.ChatID == 0 {
		n.logger.Debug("No telegram chat for user %s, skipping %s", ev.UserID, ev.Type)
		return nil
	}

	text := NewFormatter(r.Lang).FormatEvent(ev)
	for _, part := range splitMessage(text, maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(r.ChatID, part)
		if _, err := n.api.Send(msg); err != nil {
			return fmt.Errorf("send telegram message to %d: %w", r.ChatID, err)
		}
	}
	return nil
}
