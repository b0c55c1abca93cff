// Package history persists conversations, their messages, and code
// execution records.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation groups the messages of one chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// Message is one turn of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	TokenCount     int       `json:"token_count,omitempty"`
}

// ExecutionRecord is one completed artifact execution, kept for the
// executions feed.
type ExecutionRecord struct {
	ID            string    `json:"id"`
	ArtifactID    string    `json:"artifact_id"`
	Language      string    `json:"language"`
	Success       bool      `json:"success"`
	Output        string    `json:"output,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	ReturnCode    int       `json:"return_code"`
	ExecutionTime float64   `json:"execution_time_seconds"`
	StartedAt     time.Time `json:"started_at"`
}

// Store is a SQLite-backed history store.
type Store struct {
	db          *sql.DB
	maxMessages int
}

// NewStore creates a store on the given database connection, limiting
// GetMessages to maxMessages per conversation.
func NewStore(db *sql.DB, maxMessages int) (*Store, error) {
	if maxMessages <= 0 {
		maxMessages = 200
	}
	s := &Store{db: db, maxMessages: maxMessages}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("history migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			timestamp       TIMESTAMP NOT NULL,
			token_count     INTEGER DEFAULT 0,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, timestamp);

		CREATE TABLE IF NOT EXISTS executions (
			id                     TEXT PRIMARY KEY,
			artifact_id            TEXT NOT NULL,
			language               TEXT NOT NULL,
			success                BOOLEAN NOT NULL,
			output                 TEXT,
			error                  TEXT,
			error_kind             TEXT,
			return_code            INTEGER NOT NULL,
			execution_time_seconds REAL NOT NULL,
			started_at             TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_started
			ON executions(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_executions_artifact
			ON executions(artifact_id, started_at DESC);
	`)
	return err
}

// GetOrCreateConversation ensures a conversation row exists.
func (s *Store) GetOrCreateConversation(id string) (*Conversation, error) {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversations (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, id, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &Conversation{ID: id, CreatedAt: now, UpdatedAt: now}, nil
}

// AddMessage appends a message to a conversation, creating the
// conversation if needed.
func (s *Store) AddMessage(conversationID, role, content string) error {
	if _, err := s.GetOrCreateConversation(conversationID); err != nil {
		return err
	}

	now := time.Now()
	msgID, _ := uuid.NewV7()
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, timestamp, token_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msgID.String(), conversationID, role, content, now, estimateTokens(content))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = s.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// GetMessages returns a conversation's messages in order, oldest first.
func (s *Store) GetMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, timestamp, token_count
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC
		LIMIT ?
	`, conversationID, s.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Timestamp, &m.TokenCount); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetConversation returns a conversation with its messages, or nil if
// it does not exist.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(`SELECT id, created_at, updated_at FROM conversations WHERE id = ?`, id)

	var conv Conversation
	if err := row.Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	messages, err := s.GetMessages(id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return &conv, nil
}

// ListConversations returns conversations without messages, most
// recently updated first.
func (s *Store) ListConversations(limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, updated_at FROM conversations
		ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

// RecordExecution inserts one execution record, assigning it an ID.
func (s *Store) RecordExecution(r *ExecutionRecord) error {
	if r.ID == "" {
		id, _ := uuid.NewV7()
		r.ID = id.String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO executions
			(id, artifact_id, language, success, output, error, error_kind,
			 return_code, execution_time_seconds, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ArtifactID, r.Language, r.Success, r.Output, r.Error, r.ErrorKind,
		r.ReturnCode, r.ExecutionTime, r.StartedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// RecentExecutions returns the latest execution records, newest first.
func (s *Store) RecentExecutions(limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT id, artifact_id, language, success, output, error, error_kind,
		       return_code, execution_time_seconds, started_at
		FROM executions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		var output, errMsg, kind sql.NullString
		if err := rows.Scan(&r.ID, &r.ArtifactID, &r.Language, &r.Success, &output,
			&errMsg, &kind, &r.ReturnCode, &r.ExecutionTime, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		r.Output = output.String
		r.Error = errMsg.String
		r.ErrorKind = kind.String
		records = append(records, &r)
	}
	return records, rows.Err()
}

// ExecutionsToday counts executions since local midnight.
func (s *Store) ExecutionsToday() (int, error) {
	midnight := time.Now().Truncate(24 * time.Hour)
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE started_at >= ?`, midnight).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return count, nil
}

// Stats returns store-wide counters.
func (s *Store) Stats() map[string]any {
	var convCount, msgCount, execCount int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM executions`).Scan(&execCount)
	return map[string]any{
		"conversations": convCount,
		"messages":      msgCount,
		"executions":    execCount,
		"storage":       "sqlite",
	}
}

// estimateTokens is a rough count, about four characters per token.
func estimateTokens(text string) int {
	return len(text) / 4
}
