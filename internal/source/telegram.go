package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

const telegramSourceName = "telegram"

// TelegramBot is the slice of the bot API the chat source uses.
type TelegramBot interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	return w.bot.GetUpdates(config)
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramSource exposes unacknowledged bot updates as chat inbox items.
// Telegram keeps updates until a later offset confirms them, so the server
// holds the inbox state between runs. Entity ids are
// "<chat id>:<message id>:<update id>".
type TelegramSource struct {
	cfg     config.TelegramConfig
	factory BotFactory
	logger  *slog.Logger

	mu  sync.Mutex
	bot TelegramBot
}

func NewTelegramSource(cfg config.TelegramConfig) (*TelegramSource, error) {
	return NewTelegramSourceWithFactory(cfg, defaultBotFactory)
}

// NewTelegramSourceWithFactory creates a TelegramSource with custom bot factory (for testing)
func NewTelegramSourceWithFactory(cfg config.TelegramConfig, factory BotFactory) (*TelegramSource, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramSource{
		cfg:     cfg,
		factory: factory,
		logger:  slog.Default().With("component", "telegram"),
	}, nil
}

func (t *TelegramSource) Name() string        { return telegramSourceName }
func (t *TelegramSource) Kind() domain.Source { return domain.SourceChat }

func (t *TelegramSource) client() (TelegramBot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}

	httpClient := http.DefaultClient
	if t.cfg.Proxy != "" {
		proxyURL, err := url.Parse(t.cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		httpClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.factory(t.cfg.Token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info("authorized", "username", bot.GetSelf().UserName)
	return bot, nil
}

// pending returns unconfirmed updates without acknowledging any of them.
func (t *TelegramSource) pending(ctx context.Context) ([]tgbotapi.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bot, err := t.client()
	if err != nil {
		return nil, err
	}
	u := tgbotapi.NewUpdate(0)
	u.Limit = 100
	u.Timeout = 0
	updates, err := bot.GetUpdates(u)
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	return updates, nil
}

// Fetch returns pending text messages, newest first.
func (t *TelegramSource) Fetch(ctx context.Context, limit int) ([]domain.InboxItem, error) {
	updates, err := t.pending(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.InboxItem
	for i := len(updates) - 1; i >= 0; i-- {
		item, ok := itemFromUpdate(updates[i])
		if !ok {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func itemFromUpdate(u tgbotapi.Update) (domain.InboxItem, bool) {
	msg := u.Message
	if msg == nil || msg.Chat == nil {
		return domain.InboxItem{}, false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return domain.InboxItem{}, false
	}

	item := domain.InboxItem{
		Source:    domain.SourceChat,
		AccountID: telegramSourceName,
		ItemID:    chatEntityID(msg.Chat.ID, msg.MessageID, u.UpdateID),
		Preview:   collapse(text),
		Timestamp: msg.Time(),
		Unread:    true,
	}
	if msg.From != nil {
		item.Sender = senderName(msg.From)
	}
	if msg.Chat.Title != "" {
		item.Subject = msg.Chat.Title
	}
	return item, true
}

func senderName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func chatEntityID(chatID int64, messageID, updateID int) string {
	return fmt.Sprintf("%d:%d:%d", chatID, messageID, updateID)
}

type chatRef struct {
	chatID    int64
	messageID int
	updateID  int
}

func parseChatEntityID(id string) (chatRef, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 {
		return chatRef{}, domain.NewValidationError("entity_id", fmt.Sprintf("%q is not a chat message id", id))
	}
	chatID, err1 := strconv.ParseInt(parts[0], 10, 64)
	msgID, err2 := strconv.Atoi(parts[1])
	updID, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return chatRef{}, domain.NewValidationError("entity_id", fmt.Sprintf("%q is not a chat message id", id))
	}
	return chatRef{chatID: chatID, messageID: msgID, updateID: updID}, nil
}

// Exists reports whether the update is still unconfirmed.
func (t *TelegramSource) Exists(ctx context.Context, _ domain.EntityType, entityID string) (bool, error) {
	ref, err := parseChatEntityID(entityID)
	if err != nil {
		return false, err
	}
	updates, err := t.pending(ctx)
	if err != nil {
		return false, err
	}
	for _, u := range updates {
		if u.UpdateID == ref.updateID {
			return true, nil
		}
	}
	return false, nil
}

// Execute applies action to a chat message. mark_read and ignore confirm
// the update; Telegram offsets are cumulative, so older updates are
// confirmed with it. flag forwards the message to the owner chat.
func (t *TelegramSource) Execute(ctx context.Context, entityType domain.EntityType, entityID string, action domain.Action) error {
	if !entityType.Allows(action) {
		return domain.NewValidationError("action", fmt.Sprintf("action %q is not allowed for %s", action, entityType))
	}
	ref, err := parseChatEntityID(entityID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.client()
	if err != nil {
		return err
	}

	switch action {
	case domain.ActionMarkRead, domain.ActionIgnore:
		u := tgbotapi.NewUpdate(ref.updateID + 1)
		u.Limit = 1
		u.Timeout = 0
		if _, err := bot.GetUpdates(u); err != nil {
			return fmt.Errorf("confirm update %d: %w", ref.updateID, err)
		}
		t.logger.Info("chat message acknowledged", "update_id", ref.updateID, "action", action)
		return nil
	case domain.ActionFlag:
		if t.cfg.OwnerChatID == 0 {
			return fmt.Errorf("flag chat message: owner chat id is not configured")
		}
		fwd := tgbotapi.NewForward(t.cfg.OwnerChatID, ref.chatID, ref.messageID)
		if _, err := bot.Send(fwd); err != nil {
			return fmt.Errorf("forward message %d: %w", ref.messageID, err)
		}
		note := tgbotapi.NewMessage(t.cfg.OwnerChatID, fmt.Sprintf("Flagged at %s", time.Now().Format(time.Kitchen)))
		if _, err := bot.Send(note); err != nil {
			return fmt.Errorf("send flag notice: %w", err)
		}
		t.logger.Info("chat message flagged", "chat_id", ref.chatID, "message_id", ref.messageID)
		return nil
	}
	return fmt.Errorf("action %s is not supported for chat", action)
}
