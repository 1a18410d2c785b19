package domain

import "context"

// Transport is a chat-platform connection. It delivers InboundMessage events
// to the message bus and exposes the operations the pipeline needs.
type Transport interface {
	Name() string
	// Start connects and blocks publishing inbound messages until ctx is done.
	Start(ctx context.Context, bus MessageBus) error
	// FetchRecentMessages returns up to limit recent messages from a channel,
	// newest last. Transports that cannot fetch history return an error.
	FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]InboundMessage, error)
	// FetchMessage resolves a single message by ID (used for reply references).
	FetchMessage(ctx context.Context, channelID, messageID string) (*InboundMessage, error)
	// SendText delivers one outbound text message.
	SendText(ctx context.Context, channelID, content string) error
	// SendReply delivers a message quoting the given inbound message.
	SendReply(ctx context.Context, channelID, content, replyToID string) error
	// BotUserID returns the bot's own user ID on this transport.
	BotUserID() string
}

// ActivitySetter is an optional extension for transports that can show
// a presence state ("watching", "responding") to users.
type ActivitySetter interface {
	SetActivity(state string)
}

// MessageBus carries inbound messages from transports to the pipeline.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
