package domain

import "context"

// MemoryStore keeps small persistent facts about each user.
type MemoryStore interface {
	// GetOrCreateUserEntity returns the entity for the user, creating it
	// lazily on first contact with a seed observation.
	GetOrCreateUserEntity(ctx context.Context, userID, userName string) (*MemoryEntity, error)
	// AddUserObservations appends observations to the user's entity.
	AddUserObservations(ctx context.Context, userID string, observations []string) error
	// Search returns entities whose observations match the query.
	Search(ctx context.Context, query string, limit int) ([]MemoryEntity, error)
	Close() error
}

// MemoryEntity is one remembered subject, keyed by user ID.
type MemoryEntity struct {
	ID           string
	Name         string
	Observations []string
}
