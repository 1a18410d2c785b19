package domain

import "time"

// InboundMessage is a user message delivered by a platform transport.
// It is immutable once received; the pipeline references it, never mutates it.
type InboundMessage struct {
	ID           string
	Transport    string // name of the transport that delivered the message
	ChannelID    string
	AuthorID     string
	AuthorName   string // display name shown to other users
	Content      string
	ReferencedID string          // message this one replies to, if any
	Mentions     map[string]bool // user IDs mentioned in the message
	FromBot      bool
	Timestamp    time.Time
}

// MentionsUser reports whether the message mentions the given user ID.
func (m InboundMessage) MentionsUser(userID string) bool {
	return m.Mentions[userID]
}

// ContextEntry is a single turn handed to the AI provider.
// Entries are chronological and never mutated after creation.
type ContextEntry struct {
	Role    string `json:"role"` // "user" | "assistant" | "system"
	Content string `json:"content"`
}

// SearchResult is one hit from the search collaborator.
type SearchResult struct {
	Title       string
	Link        string
	Description string
}
