package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"replybot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram implements domain.Transport for Telegram bots. The Bot API has no
// channel history endpoint, so FetchRecentMessages always errors and the
// context builder degrades to the rolling per-chat context only.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs (empty = allow all)
	parseMode string

	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) BotUserID() string {
	if t.bot == nil {
		return ""
	}
	return strconv.FormatInt(t.bot.Self.ID, 10)
}

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram transport stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(bus, update)
		}
	}
}

func (t *Telegram) handleUpdate(bus domain.MessageBus, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Text == "" {
		return
	}
	if !t.allowed(m.From.ID) {
		t.logger.Warn("telegram message from disallowed user dropped", "user", m.From.ID)
		return
	}

	bus.Publish(t.toInbound(m))
}

func (t *Telegram) allowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) toInbound(m *tgbotapi.Message) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:         strconv.Itoa(m.MessageID),
		Transport:  "telegram",
		ChannelID:  strconv.FormatInt(m.Chat.ID, 10),
		AuthorID:   strconv.FormatInt(m.From.ID, 10),
		AuthorName: m.From.UserName,
		Content:    m.Text,
		FromBot:    m.From.IsBot,
		Timestamp:  time.Unix(int64(m.Date), 0),
	}
	if m.From.FirstName != "" {
		msg.AuthorName = m.From.FirstName
	}
	if m.ReplyToMessage != nil {
		msg.ReferencedID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	for _, ent := range m.Entities {
		if ent.Type == "mention" && ent.User != nil {
			if msg.Mentions == nil {
				msg.Mentions = make(map[string]bool)
			}
			msg.Mentions[strconv.FormatInt(ent.User.ID, 10)] = true
		}
	}
	return msg
}

// FetchRecentMessages is unsupported: the Bot API exposes no chat history.
func (t *Telegram) FetchRecentMessages(_ context.Context, _ string, _ int) ([]domain.InboundMessage, error) {
	return nil, fmt.Errorf("telegram: chat history is not available through the bot API")
}

// FetchMessage is unsupported for the same reason.
func (t *Telegram) FetchMessage(_ context.Context, _, messageID string) (*domain.InboundMessage, error) {
	return nil, fmt.Errorf("telegram: cannot fetch message %s through the bot API", messageID)
}

func (t *Telegram) SendText(_ context.Context, channelID, content string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	msg := tgbotapi.NewMessage(chatID, content)
	msg.ParseMode = t.parseMode
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (t *Telegram) SendReply(ctx context.Context, channelID, content, replyToID string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	replyID, err := strconv.Atoi(replyToID)
	if err != nil {
		return t.SendText(ctx, channelID, content)
	}
	msg := tgbotapi.NewMessage(chatID, content)
	msg.ParseMode = t.parseMode
	msg.ReplyToMessageID = replyID
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram reply: %w", err)
	}
	return nil
}
