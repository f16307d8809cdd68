package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/conclave/internal/types"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when creating an entity whose id is taken.
	ErrDuplicate = errors.New("already exists")
)

// SQLiteStore implements types.ConversationStore using modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ types.ConversationStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created and the schema is applied on open. The special path ":memory:"
// opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                  TEXT PRIMARY KEY,
			agent_id            TEXT NOT NULL DEFAULT '',
			title               TEXT NOT NULL DEFAULT '',
			last_correlation_id TEXT NOT NULL DEFAULT '',
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS turns (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			content_hash    TEXT NOT NULL,
			correlation_id  TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_identity
			ON turns(conversation_id, role, content_hash);

		CREATE INDEX IF NOT EXISTS idx_turns_conversation
			ON turns(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func isConstraintViolation(err error, kind string) bool {
	return err != nil && strings.Contains(err.Error(), kind+" constraint failed")
}

// CreateConversation inserts a new conversation. Zero timestamps are set to now.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, agent_id, title, last_correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(conv.ID),
		string(conv.AgentID),
		conv.Title,
		conv.LastCorrelationID,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err, "UNIQUE") || isConstraintViolation(err, "PRIMARY KEY") {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "agent_id", conv.AgentID)
	return nil
}

// GetConversation returns the conversation with the given id or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id types.ConversationID) (*types.Conversation, error) {
	var conv types.Conversation
	var agentID, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, title, last_correlation_id, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, string(id)).Scan(
		&conv.ID,
		&agentID,
		&conv.Title,
		&conv.LastCorrelationID,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	conv.AgentID = types.AgentID(agentID)

	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// BindAgent binds an unbound conversation to agentID. Binding an already
// bound conversation is a no-op; the first binding wins.
func (s *SQLiteStore) BindAgent(ctx context.Context, id types.ConversationID, agentID types.AgentID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET agent_id = ?, updated_at = ?
		WHERE id = ? AND agent_id = ''
	`, string(agentID), formatTime(time.Now()), string(id))
	if err != nil {
		return fmt.Errorf("binding agent: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetConversation(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// SetCorrelation records the latest upstream correlation id for a conversation.
func (s *SQLiteStore) SetCorrelation(ctx context.Context, id types.ConversationID, correlationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_correlation_id = ?, updated_at = ?
		WHERE id = ?
	`, correlationID, formatTime(time.Now()), string(id))
	if err != nil {
		return fmt.Errorf("setting correlation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveTurn stores a turn unless an identical (conversation, role, content)
// turn already exists, and returns the durable id either way. turn.ID is used
// as the id of a newly inserted row; a blank id gets a fresh one.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *types.Turn) (types.TurnID, error) {
	if !turn.Role.Valid() {
		return "", fmt.Errorf("invalid role %q", turn.Role)
	}
	if turn.ID == "" {
		turn.ID = types.NewTurnID()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	hash := contentHash(turn.Content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, content, content_hash, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, role, content_hash) DO NOTHING
	`,
		string(turn.ID),
		string(turn.ConversationID),
		string(turn.Role),
		turn.Content,
		hash,
		turn.CorrelationID,
		formatTime(turn.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err, "FOREIGN KEY") {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("inserting turn: %w", err)
	}

	var durable string
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM turns
		WHERE conversation_id = ? AND role = ? AND content_hash = ?
	`, string(turn.ConversationID), string(turn.Role), hash).Scan(&durable); err != nil {
		return "", fmt.Errorf("reading turn id: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
			formatTime(turn.CreatedAt), string(turn.ConversationID)); err != nil {
			return "", fmt.Errorf("touching conversation: %w", err)
		}
	} else {
		s.logger.Debug("duplicate turn ignored", "conversation_id", turn.ConversationID, "role", turn.Role, "id", durable)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing turn: %w", err)
	}
	return types.TurnID(durable), nil
}

// ListTurns returns up to limit of the most recent turns in chronological
// order. A limit of zero or less returns every turn.
func (s *SQLiteStore) ListTurns(ctx context.Context, id types.ConversationID, limit int) ([]*types.Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, correlation_id, created_at FROM (
			SELECT seq, id, conversation_id, role, content, correlation_id, created_at
			FROM turns
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*types.Turn
	for rows.Next() {
		var turn types.Turn
		var role, createdAt string
		if err := rows.Scan(&turn.ID, &turn.ConversationID, &role, &turn.Content, &turn.CorrelationID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turn.Role = types.Role(role)
		if turn.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return turns, nil
}
