package subagent

import (
	"database/sql"
	"fmt"
	"time"
)

// RunRecord is a persisted subagent execution, kept for replay and
// evaluation of delegation behavior.
type RunRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	Profile        string    `json:"profile"`
	Task           string    `json:"task"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	Model          string    `json:"model,omitempty"`
	Checkpoints    int       `json:"checkpoints"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	DurationMs     int64     `json:"duration_ms"`
}

// RunStore persists subagent run records.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates the store and its table on the given database
// connection.
func NewRunStore(db *sql.DB) (*RunStore, error) {
	s := &RunStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("subagent run store migrate: %w", err)
	}
	return s, nil
}

func (s *RunStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS subagent_runs (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			name            TEXT NOT NULL,
			profile         TEXT NOT NULL,
			task            TEXT NOT NULL,
			result          TEXT,
			error           TEXT,
			model           TEXT,
			checkpoints     INTEGER NOT NULL DEFAULT 0,
			started_at      TIMESTAMP NOT NULL,
			completed_at    TIMESTAMP NOT NULL,
			duration_ms     INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_subagent_runs_conversation
			ON subagent_runs(conversation_id, started_at DESC);
	`)
	return err
}

// Record inserts a completed run.
func (s *RunStore) Record(r *RunRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO subagent_runs
			(id, conversation_id, name, profile, task, result, error, model,
			 checkpoints, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ConversationID, r.Name, r.Profile, r.Task, r.Result, r.Error, r.Model,
		r.Checkpoints, r.StartedAt, r.CompletedAt, r.DurationMs)
	if err != nil {
		return fmt.Errorf("insert subagent run: %w", err)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (s *RunStore) Recent(limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, name, profile, task, result, error, model,
		       checkpoints, started_at, completed_at, duration_ms
		FROM subagent_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query subagent runs: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		var r RunRecord
		var result, errMsg, mdl sql.NullString
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Name, &r.Profile, &r.Task,
			&result, &errMsg, &mdl, &r.Checkpoints, &r.StartedAt, &r.CompletedAt, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("scan subagent run: %w", err)
		}
		r.Result = result.String
		r.Error = errMsg.String
		r.Model = mdl.String
		records = append(records, &r)
	}
	return records, rows.Err()
}
