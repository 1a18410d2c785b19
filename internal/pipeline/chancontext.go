package pipeline

import (
	"fmt"
	"sync"

	"replybot/internal/domain"
)

const defaultContextSize = 5

// ContextStore keeps a bounded per-channel history of recent exchanges.
// Each channel holds at most cap entries; the oldest is evicted first.
// State is volatile and lives for the process lifetime only.
type ContextStore struct {
	mu       sync.Mutex
	contexts map[string][]domain.ContextEntry
	cap      int
}

// NewContextStore creates a store with the given per-channel cap (default 5).
func NewContextStore(cap int) *ContextStore {
	if cap <= 0 {
		cap = defaultContextSize
	}
	return &ContextStore{
		contexts: make(map[string][]domain.ContextEntry),
		cap:      cap,
	}
}

// Append adds entries to a channel's history in order. Every insertion is
// independently subject to the cap: when the history is full the entry at
// index 0 is evicted before the new one is appended.
func (s *ContextStore) Append(channelID string, entries ...domain.ContextEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.contexts[channelID]
	for _, e := range entries {
		if len(history) >= s.cap {
			history = history[1:]
		}
		history = append(history, e)
	}
	s.contexts[channelID] = history
}

// Update records an inbound message in the channel's history. When the
// message replies to another message, the referenced entry is inserted
// first so the provider sees the quoted exchange in order.
func (s *ContextStore) Update(msg domain.InboundMessage, referenced *domain.InboundMessage) {
	var entries []domain.ContextEntry
	if referenced != nil {
		role := "user"
		if referenced.FromBot {
			role = "assistant"
		}
		entries = append(entries, domain.ContextEntry{
			Role:    role,
			Content: fmt.Sprintf("%s: %s", referenced.AuthorName, referenced.Content),
		})
	}
	entries = append(entries, domain.ContextEntry{
		Role:    "user",
		Content: fmt.Sprintf("%s: %s", msg.AuthorName, msg.Content),
	})
	s.Append(msg.ChannelID, entries...)
}

// RecordReply appends the bot's own reply to the channel's history.
func (s *ContextStore) RecordReply(channelID, content string) {
	s.Append(channelID, domain.ContextEntry{Role: "assistant", Content: content})
}

// Get returns a copy of the channel's history, oldest first.
func (s *ContextStore) Get(channelID string) []domain.ContextEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.contexts[channelID]
	out := make([]domain.ContextEntry, len(history))
	copy(out, history)
	return out
}

// Len returns the number of entries stored for a channel.
func (s *ContextStore) Len(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts[channelID])
}
