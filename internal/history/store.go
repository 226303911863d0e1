// Package history persists session transcripts in SQLite and prunes them
// on a retention schedule.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/transport"
)

// Store is a SQLite-backed transcript store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the database at path.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '',
			is_error INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
		CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Append persists one message at the end of the session's transcript.
func (s *Store) Append(ctx context.Context, sessionID string, msg transport.Message) error {
	toolCalls := ""
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to encode tool calls: %w", err)
		}
		toolCalls = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, tool_call_id, tool_calls, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, msg.Role, msg.Content, msg.ToolCallID, toolCalls, boolToInt(msg.IsError), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Load returns the session's transcript in insertion order. A session with
// no rows yields an empty slice.
func (s *Store) Load(ctx context.Context, sessionID string) ([]transport.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_call_id, tool_calls, is_error
		FROM messages WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	defer rows.Close()

	var msgs []transport.Message
	for rows.Next() {
		var msg transport.Message
		var toolCalls string
		var isError int
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.ToolCallID, &toolCalls, &isError); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		msg.IsError = isError != 0
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Sessions lists every session id with at least one stored message.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM messages ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneBefore deletes messages created before the cutoff and reports how
// many rows went away.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
