package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"replybot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

// Discord implements domain.Transport for Discord.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	logger  *slog.Logger
}

// DiscordConfig configures the Discord transport.
type DiscordConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) BotUserID() string {
	if d.session == nil || d.session.State.User == nil {
		return ""
	}
	return d.session.State.User.ID
}

// Start connects with a bot token and publishes inbound messages until ctx
// is done.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		// The bot's own messages feed the channel context via the pipeline,
		// not via re-ingestion.
		if m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}

		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(m.Content),
		)

		bus.Publish(d.toInbound(m.Message))
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	d.SetActivity("watching")

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// toInbound maps a discordgo message to the transport-neutral shape.
func (d *Discord) toInbound(m *discordgo.Message) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:         m.ID,
		Transport:  "discord",
		ChannelID:  m.ChannelID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		Content:    m.Content,
		FromBot:    m.Author.Bot,
		Timestamp:  m.Timestamp,
	}
	if m.Member != nil && m.Member.Nick != "" {
		msg.AuthorName = m.Member.Nick
	}
	if m.MessageReference != nil {
		msg.ReferencedID = m.MessageReference.MessageID
	}
	if len(m.Mentions) > 0 {
		msg.Mentions = make(map[string]bool, len(m.Mentions))
		for _, u := range m.Mentions {
			msg.Mentions[u.ID] = true
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

// FetchRecentMessages returns up to limit messages from the channel,
// oldest first.
func (d *Discord) FetchRecentMessages(_ context.Context, channelID string, limit int) ([]domain.InboundMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	raw, err := d.session.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("discord history: %w", err)
	}

	// The API returns newest first.
	out := make([]domain.InboundMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		out = append(out, d.toInbound(raw[i]))
	}
	return out, nil
}

func (d *Discord) FetchMessage(_ context.Context, channelID, messageID string) (*domain.InboundMessage, error) {
	m, err := d.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("discord message %s: %w", messageID, err)
	}
	msg := d.toInbound(m)
	return &msg, nil
}

func (d *Discord) SendText(_ context.Context, channelID, content string) error {
	if _, err := d.session.ChannelMessageSend(channelID, content); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func (d *Discord) SendReply(_ context.Context, channelID, content, replyToID string) error {
	_, err := d.session.ChannelMessageSendReply(channelID, content, &discordgo.MessageReference{
		MessageID: replyToID,
		ChannelID: channelID,
	})
	if err != nil {
		return fmt.Errorf("discord reply: %w", err)
	}
	return nil
}

// SetActivity updates the bot's presence line.
func (d *Discord) SetActivity(state string) {
	if d.session == nil {
		return
	}
	if err := d.session.UpdateWatchStatus(0, state); err != nil {
		d.logger.Debug("discord presence update failed", "err", err)
	}
}
