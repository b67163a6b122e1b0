package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// dialect captures the few differences between sqlite and postgres.
type dialect struct {
	name string
	// lockUser serializes window swaps of one user inside a transaction.
	lockUser string
}

var (
	sqliteDialect = dialect{
		name: "sqlite",
		// Any write statement upgrades the deferred transaction to a write transaction up front.
		lockUser: `UPDATE context_sets SET is_active = is_active WHERE user_id = ? AND 1 = 0`,
	}
	postgresDialect = dialect{
		name:     "postgres",
		lockUser: `SELECT pg_advisory_xact_lock(hashtext(?))`,
	}
)

// rebind turns ? placeholders into $n for postgres.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    tool_calls TEXT NOT NULL DEFAULT '',
    tool_call_id TEXT NOT NULL DEFAULT '',
    memory_metadata TEXT NOT NULL DEFAULT '',
    is_instruction INTEGER NOT NULL DEFAULT 0,
    chat_model TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_user_created ON messages (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS context_sets (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    message_ids TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_context_sets_user_active ON context_sets (user_id, is_active)`,
}

// SQLStore keeps messages and context sets in sqlite or postgres. Every context set is
// kept; exactly one per user is active.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// OpenSQLite opens (and migrates) a sqlite database file.
func OpenSQLite(path string) (*SQLStore, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return newSQLStore(db, sqliteDialect)
}

// OpenPostgres connects to postgres through pgx and migrates the schema.
func OpenPostgres(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, mnemoErrors.InvalidInput("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return newSQLStore(db, postgresDialect)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate %s schema: %w", d.name, err)
		}
	}
	return &SQLStore{db: db, dialect: d, now: message.UTCNow}, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) GetContext(ctx context.Context, userID string) ([]message.Message, error) {
	msgs, _, err := s.activeWindow(ctx, s.db, userID)
	return msgs, err
}

// UpdateContext replaces the window with fn's result inside the swap transaction.
func (s *SQLStore) UpdateContext(ctx context.Context, userID string, fn UpdateFunc) ([]message.Message, error) {
	return s.swap(ctx, userID, fn)
}

func (s *SQLStore) ReplaceContext(ctx context.Context, userID string, msgs []message.Message) ([]message.Message, error) {
	return s.swap(ctx, userID, func([]message.Message) ([]message.Message, error) {
		return msgs, nil
	})
}

func (s *SQLStore) AppendContext(ctx context.Context, userID string, msgs ...message.Message) ([]message.Message, error) {
	return s.swap(ctx, userID, func(current []message.Message) ([]message.Message, error) {
		return append(current, msgs...), nil
	})
}

func (s *SQLStore) RemoveContext(ctx context.Context, userID string, ids ...string) ([]message.Message, error) {
	return s.swap(ctx, userID, func(current []message.Message) ([]message.Message, error) {
		return removeIDs(current, ids), nil
	})
}

// WindowCreatedAt returns when the active window was last replaced.
func (s *SQLStore) WindowCreatedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	var createdAt int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT created_at FROM context_sets WHERE user_id = ? AND is_active = 1 ORDER BY created_at DESC LIMIT 1`,
	), userID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, s.mapErr(err, "read window watermark")
	}
	return time.Unix(0, createdAt).UTC(), true, nil
}

func (s *SQLStore) UserMessagesSince(ctx context.Context, userID string, since time.Time) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+messageColumns+` FROM messages WHERE user_id = ? AND role = ? AND created_at > ? ORDER BY created_at ASC`,
	), userID, string(message.RoleUser), since.UnixNano())
	if err != nil {
		return nil, s.mapErr(err, "query user messages")
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// swap runs build against the current window and activates its result in one transaction.
func (s *SQLStore) swap(ctx context.Context, userID string, build UpdateFunc) ([]message.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.mapErr(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(s.dialect.lockUser), userID); err != nil {
		return nil, s.mapErr(err, "lock user window")
	}

	current, _, err := s.activeWindow(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	built, err := build(current)
	if err != nil {
		return nil, err
	}
	next, err := prepareWindow(userID, built)
	if err != nil {
		return nil, err
	}

	for _, m := range next {
		if err := s.upsertMessage(ctx, tx, userID, m); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE context_sets SET is_active = 0 WHERE user_id = ? AND is_active = 1`,
	), userID); err != nil {
		return nil, s.mapErr(err, "deactivate window")
	}

	idsJSON, err := json.Marshal(messageIDs(next))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO context_sets (id, user_id, message_ids, created_at, is_active) VALUES (?, ?, ?, ?, 1)`,
	), NewID(), userID, string(idsJSON), s.now().UnixNano()); err != nil {
		return nil, s.mapErr(err, "activate window")
	}

	if err := tx.Commit(); err != nil {
		return nil, s.mapErr(err, "commit window")
	}

	slog.Debug("Context window replaced", "user", userID, "messages", len(next), "driver", s.dialect.name)
	return next, nil
}

func (s *SQLStore) upsertMessage(ctx context.Context, tx *sql.Tx, userID string, m message.Message) error {
	rec, err := encodeRecord(m)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO messages (id, user_id, role, content, created_at, tool_calls, tool_call_id, memory_metadata, is_instruction, chat_model)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    role = excluded.role,
    content = excluded.content,
    tool_calls = excluded.tool_calls,
    tool_call_id = excluded.tool_call_id,
    memory_metadata = excluded.memory_metadata,
    is_instruction = excluded.is_instruction,
    chat_model = excluded.chat_model`),
		m.ID, userID, string(m.Role), m.Content, m.CreatedAt.UnixNano(),
		rec.toolCalls, m.ToolCallID, rec.metadata, boolInt(m.IsInstruction), m.ChatModel,
	)
	if err != nil {
		return s.mapErr(err, "save message")
	}
	return nil
}

func (s *SQLStore) activeWindow(ctx context.Context, q queryer, userID string) ([]message.Message, time.Time, error) {
	var (
		idsJSON   string
		createdAt int64
	)
	err := q.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT message_ids, created_at FROM context_sets WHERE user_id = ? AND is_active = 1 ORDER BY created_at DESC LIMIT 1`,
	), userID).Scan(&idsJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, s.mapErr(err, "read active window")
	}

	var ids []string
	if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
		return nil, time.Time{}, mnemoErrors.WrapWithCategory(err, "decode window ids", mnemoErrors.ErrInternal)
	}
	if len(ids) == 0 {
		return nil, time.Unix(0, createdAt).UTC(), nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := q.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+messageColumns+` FROM messages WHERE user_id = ? AND id IN (`+placeholders+`)`,
	), args...)
	if err != nil {
		return nil, time.Time{}, s.mapErr(err, "read window messages")
	}
	defer rows.Close()

	byID := make(map[string]message.Message, len(ids))
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, time.Time{}, err
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, s.mapErr(err, "read window messages")
	}

	out := make([]message.Message, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			slog.Warn("Window references missing message", "user", userID, "message_id", id)
			continue
		}
		out = append(out, m)
	}
	return out, time.Unix(0, createdAt).UTC(), nil
}

func (s *SQLStore) mapErr(err error, op string) error {
	return mnemoErrors.NewDefaultErrorMapper().MapError(fmt.Errorf("%s %s: %w", s.dialect.name, op, err))
}

const messageColumns = `id, role, content, created_at, tool_calls, tool_call_id, memory_metadata, is_instruction, chat_model`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (message.Message, error) {
	var (
		m             message.Message
		role          string
		createdAt     int64
		toolCalls     string
		metadata      string
		isInstruction int
	)
	if err := row.Scan(&m.ID, &role, &m.Content, &createdAt, &toolCalls, &m.ToolCallID, &metadata, &isInstruction, &m.ChatModel); err != nil {
		return message.Message{}, err
	}
	m.Role = message.Role(role)
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	m.IsInstruction = isInstruction != 0
	if err := decodeRecord(&m, record{toolCalls: toolCalls, metadata: metadata}); err != nil {
		return message.Message{}, err
	}
	return m, nil
}

type record struct {
	toolCalls string
	metadata  string
}

func encodeRecord(m message.Message) (record, error) {
	var rec record
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return rec, fmt.Errorf("encode tool calls: %w", err)
		}
		rec.toolCalls = string(b)
	}
	if len(m.MemoryMetadata) > 0 {
		b, err := json.Marshal(m.MemoryMetadata)
		if err != nil {
			return rec, fmt.Errorf("encode memory metadata: %w", err)
		}
		rec.metadata = string(b)
	}
	return rec, nil
}

func decodeRecord(m *message.Message, rec record) error {
	if rec.toolCalls != "" {
		if err := json.Unmarshal([]byte(rec.toolCalls), &m.ToolCalls); err != nil {
			return mnemoErrors.WrapWithCategory(err, "decode tool calls", mnemoErrors.ErrInternal)
		}
	}
	if rec.metadata != "" {
		if err := json.Unmarshal([]byte(rec.metadata), &m.MemoryMetadata); err != nil {
			return mnemoErrors.WrapWithCategory(err, "decode memory metadata", mnemoErrors.ErrInternal)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
