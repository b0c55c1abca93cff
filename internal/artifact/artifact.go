// Package artifact provides the artifact model and its persistence.
// An artifact is a titled piece of content (commonly source code) owned
// by the conversation that created it. Artifacts are never mutated in
// place: content edits bump a monotonic version counter while the id
// stays stable.
package artifact

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an artifact id does not exist.
var ErrNotFound = errors.New("artifact not found")

// Artifact is a versioned piece of conversation content.
type Artifact struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Language       string    `json:"language"`
	Content        string    `json:"content"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store is the repository interface consumed by the engine, the tool
// dispatcher, and the API. Injected rather than imported so core logic
// stays independent of persistence.
type Store interface {
	Create(a *Artifact) error
	Get(id string) (*Artifact, error)
	UpdateContent(id, content string) (*Artifact, error)
	ListByConversation(conversationID string) ([]*Artifact, error)
}

// SQLiteStore persists artifacts in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and its schema on the given database
// connection.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("artifact store migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS artifacts (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			title           TEXT NOT NULL,
			language        TEXT NOT NULL,
			content         TEXT NOT NULL,
			version         INTEGER NOT NULL DEFAULT 1,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_artifacts_conversation
			ON artifacts(conversation_id, created_at);
	`)
	return err
}

// Create inserts a new artifact. A missing ID is filled with a UUIDv7;
// Version starts at 1.
func (s *SQLiteStore) Create(a *Artifact) error {
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate artifact id: %w", err)
		}
		a.ID = id.String()
	}
	now := time.Now().UTC()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO artifacts (id, conversation_id, title, language, content, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ConversationID, a.Title, a.Language, a.Content, a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// Get returns the artifact with the given id, or ErrNotFound.
func (s *SQLiteStore) Get(id string) (*Artifact, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, title, language, content, version, created_at, updated_at
		FROM artifacts WHERE id = ?
	`, id)
	return scanArtifact(row)
}

// UpdateContent replaces the content of an existing artifact, bumping its
// version. The id never changes.
func (s *SQLiteStore) UpdateContent(id, content string) (*Artifact, error) {
	res, err := s.db.Exec(`
		UPDATE artifacts SET content = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`, content, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("update artifact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(id)
}

// ListByConversation returns a conversation's artifacts in creation order.
func (s *SQLiteStore) ListByConversation(conversationID string) ([]*Artifact, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, title, language, content, version, created_at, updated_at
		FROM artifacts WHERE conversation_id = ? ORDER BY created_at
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.ConversationID, &a.Title, &a.Language, &a.Content,
		&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	return &a, nil
}
