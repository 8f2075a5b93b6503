package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arc-agents/arcgo/internal/agent"
)

// SQLiteStore persists session transcripts in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and initializes the schema.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	// WAL mode allows concurrent readers alongside the single writer
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		message_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		tool_calls   TEXT,
		tool_call_id TEXT,
		created_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, message_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// History implements Store. Messages come back oldest first.
func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]agent.Message, error) {
	query := `
		SELECT role, content, tool_calls, tool_call_id, created_at
		FROM (
			SELECT message_id, role, content, tool_calls, tool_call_id, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY message_id DESC
			LIMIT ?
		)
		ORDER BY message_id ASC
	`
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means unbounded
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var msgs []agent.Message
	for rows.Next() {
		var m agent.Message
		var toolCalls, toolCallID sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		if toolCallID.Valid {
			m.ToolCallID = toolCallID.String
		}
		m.Timestamp = time.Unix(createdAt, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msgs ...agent.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, m := range msgs {
		var toolCalls any
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to encode tool calls: %w", err)
			}
			toolCalls = string(data)
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.ExecContext(ctx, query, sessionID, m.Role, m.Content, toolCalls, nullable(m.ToolCallID), ts.Unix()); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return tx.Commit()
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
