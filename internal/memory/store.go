// Package memory persists per-user facts in SQLite: one entity per user,
// with an append-only list of observations.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"replybot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.MemoryStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		user_id     TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS observations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     TEXT NOT NULL REFERENCES entities(user_id) ON DELETE CASCADE,
		content     TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_observations_user ON observations(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetOrCreateUserEntity returns the user's entity, creating it with a seed
// observation on first contact.
func (s *SQLiteStore) GetOrCreateUserEntity(ctx context.Context, userID, userName string) (*domain.MemoryEntity, error) {
	entity, err := s.getEntity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entity != nil {
		return entity, nil
	}

	s.logger.Debug("creating memory entity", "user", userID, "name", userName)
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entities (user_id, name, created_at) VALUES (?, ?, ?)`,
		userID, userName, time.Now(),
	); err != nil {
		return nil, fmt.Errorf("create entity: %w", err)
	}
	seed := fmt.Sprintf("username: %s", userName)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (user_id, content) VALUES (?, ?)`,
		userID, seed,
	); err != nil {
		return nil, fmt.Errorf("seed observation: %w", err)
	}

	return &domain.MemoryEntity{ID: userID, Name: userName, Observations: []string{seed}}, nil
}

func (s *SQLiteStore) getEntity(ctx context.Context, userID string) (*domain.MemoryEntity, error) {
	var entity domain.MemoryEntity
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name FROM entities WHERE user_id = ?`, userID,
	).Scan(&entity.ID, &entity.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM observations WHERE user_id = ? ORDER BY created_at, id`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		entity.Observations = append(entity.Observations, content)
	}
	return &entity, rows.Err()
}

// AddUserObservations appends observations to an existing entity.
func (s *SQLiteStore) AddUserObservations(ctx context.Context, userID string, observations []string) error {
	if len(observations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, obs := range observations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO observations (user_id, content) VALUES (?, ?)`,
			userID, obs,
		); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
	}
	return tx.Commit()
}

// Search returns entities with at least one observation matching the query.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]domain.MemoryEntity, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT e.user_id, e.name
		 FROM entities e
		 JOIN observations o ON o.user_id = e.user_id
		 WHERE o.content LIKE ? OR e.name LIKE ?
		 LIMIT ?`,
		"%"+query+"%", "%"+query+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	var names []string
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entities := make([]domain.MemoryEntity, 0, len(ids))
	for i, id := range ids {
		entity, err := s.getEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			entity = &domain.MemoryEntity{ID: id, Name: names[i]}
		}
		entities = append(entities, *entity)
	}
	return entities, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
