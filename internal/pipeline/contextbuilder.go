package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"replybot/internal/domain"
)

const fetchWindowLimit = 100

// BuildConfig sizes the three slices of a context bundle.
type BuildConfig struct {
	ChannelMessages int
	UserMessages    int
	QuotedMentions  int
}

// DefaultBuildConfig mirrors the sizes the bot has always shipped with.
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{ChannelMessages: 5, UserMessages: 3, QuotedMentions: 1}
}

// ContextBundle is the richer context assembled on demand for one message:
// three disjoint views over the channel's recent history.
type ContextBundle struct {
	ChannelMessages []domain.InboundMessage // recent non-bot channel chatter
	UserMessages    []domain.InboundMessage // by or mentioning the requesting user
	QuotedMentions  []domain.InboundMessage // where the user mentioned the bot
}

// Empty reports whether the bundle carries no context at all.
func (b ContextBundle) Empty() bool {
	return len(b.ChannelMessages) == 0 && len(b.UserMessages) == 0 && len(b.QuotedMentions) == 0
}

// Text renders the bundle as plain text for summarization prompts.
func (b ContextBundle) Text() string {
	var sb strings.Builder
	writeSection := func(header string, msgs []domain.InboundMessage) {
		if len(msgs) == 0 {
			return
		}
		sb.WriteString(header + "\n")
		for _, m := range msgs {
			fmt.Fprintf(&sb, "%s: %s\n", m.AuthorName, m.Content)
		}
	}
	writeSection("Recent channel messages:", b.ChannelMessages)
	writeSection("Recent messages from the user:", b.UserMessages)
	writeSection("Messages where the user addressed the bot:", b.QuotedMentions)
	return sb.String()
}

// ContextBuilder assembles context bundles from the platform transport and
// optionally condenses them with the AI provider.
type ContextBuilder struct {
	logger *slog.Logger
}

func NewContextBuilder(logger *slog.Logger) *ContextBuilder {
	return &ContextBuilder{logger: logger}
}

// Build fetches a bounded window of recent channel messages and partitions
// them into the three bundle slices. Any fetch failure degrades to an empty
// bundle with a warning; context assembly is never fatal.
func (cb *ContextBuilder) Build(ctx context.Context, transport domain.Transport, msg domain.InboundMessage, cfg BuildConfig) ContextBundle {
	var bundle ContextBundle

	messages, err := transport.FetchRecentMessages(ctx, msg.ChannelID, fetchWindowLimit)
	if err != nil {
		cb.logger.Warn("context fetch failed, continuing with empty bundle",
			"channel", msg.ChannelID, "err", err)
		return bundle
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	botID := transport.BotUserID()
	userID := msg.AuthorID

	var channelMsgs, userMsgs, quoted []domain.InboundMessage
	for _, m := range messages {
		if m.ID == msg.ID {
			continue
		}
		if !m.FromBot {
			channelMsgs = append(channelMsgs, m)
		}
		// The user's own messages, plus bot replies addressed to them.
		if m.AuthorID == userID || (m.FromBot && m.MentionsUser(userID)) {
			userMsgs = append(userMsgs, m)
			if m.MentionsUser(botID) {
				quoted = append(quoted, m)
			}
		}
	}

	bundle.ChannelMessages = lastN(channelMsgs, cfg.ChannelMessages)
	bundle.UserMessages = lastN(userMsgs, cfg.UserMessages)
	bundle.QuotedMentions = lastN(quoted, cfg.QuotedMentions)
	return bundle
}

// Summarize asks the provider to extract the facts relevant to the user from
// the bundle and memory observations, without answering any question. The
// output is opaque text substituted into the final prompt. Failures degrade
// to an empty string.
func (cb *ContextBuilder) Summarize(ctx context.Context, provider domain.Provider, bundle ContextBundle, observations []string) string {
	var sb strings.Builder
	sb.WriteString(bundle.Text())
	if len(observations) > 0 {
		sb.WriteString("Known facts about the user:\n")
		for _, o := range observations {
			sb.WriteString("- " + o + "\n")
		}
	}
	if sb.Len() == 0 {
		return ""
	}

	prompt := fmt.Sprintf(`Given the following history and memory, extract only the information relevant to understanding the user and the conversation. Do not answer any question.

History and memory:
%s

Return a brief, structured summary. Context only, no answers.`, sb.String())

	summary, err := provider.GenerateResponse(ctx, []domain.ContextEntry{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		cb.logger.Warn("context summarization failed", "err", err)
		return ""
	}
	return strings.TrimSpace(summary)
}

// lastN returns the trailing n elements of msgs.
func lastN(msgs []domain.InboundMessage, n int) []domain.InboundMessage {
	if n <= 0 || len(msgs) == 0 {
		return nil
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs
}
