package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vakovalskii/ValeDesk-sub000/internal/observability"
	"github.com/vakovalskii/ValeDesk-sub000/internal/tracing"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
)

// ErrNotFound is returned when a session or scheduled task does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		cwd TEXT,
		allowed_tools TEXT,
		last_prompt TEXT,
		model TEXT,
		temperature REAL,
		is_pinned INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		todos TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS messages_session_id ON messages(session_id);

	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		prompt TEXT,
		schedule TEXT NOT NULL,
		next_run INTEGER NOT NULL,
		is_recurring INTEGER NOT NULL DEFAULT 0,
		notify_before INTEGER,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS scheduled_tasks_next_run ON scheduled_tasks(next_run);
	CREATE INDEX IF NOT EXISTS scheduled_tasks_enabled ON scheduled_tasks(enabled);
`

const sessionColumns = `id, title, status, cwd, allowed_tools, last_prompt, model, temperature,
	is_pinned, input_tokens, output_tokens, created_at, updated_at`

// Store persists sessions, transcripts, todos and scheduled tasks in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at path. Use ":memory:" for
// a throwaway store.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite allows a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Session store opened")
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateParams describes a new session.
type CreateParams struct {
	ID           string
	Title        string
	Cwd          string
	Model        string
	Temperature  *float64
	AllowedTools string
	Prompt       string
}

// CreateSession inserts a new idle session. A missing id is generated.
func (s *Store) CreateSession(ctx context.Context, p CreateParams) (*agent.Session, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()

	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, title, status, cwd, allowed_tools, last_prompt, model, temperature, created_at, updated_at)
		VALUES (?, ?, 'idle', ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Title, nullString(p.Cwd), nullString(p.AllowedTools), nullString(p.Prompt),
		nullString(p.Model), nullFloat(p.Temperature), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info().Str("session_id", id).Msg("Session created")
	return s.GetSession(ctx, id)
}

// GetSession returns one session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*agent.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// ListSessions returns pinned sessions first, then the most recently updated.
func (s *Store) ListSessions(ctx context.Context) ([]agent.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		ORDER BY is_pinned DESC, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []agent.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// UpdateSession applies a partial update and bumps updated_at.
func (s *Store) UpdateSession(ctx context.Context, id string, patch agent.SessionPatch) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UnixMilli()}

	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Cwd != nil {
		add("cwd", *patch.Cwd)
	}
	if patch.Model != nil {
		add("model", *patch.Model)
	}
	if patch.Temperature != nil {
		add("temperature", *patch.Temperature)
	}
	if patch.AllowedTools != nil {
		add("allowed_tools", *patch.AllowedTools)
	}
	if patch.LastPrompt != nil {
		add("last_prompt", *patch.LastPrompt)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return expectRow(res, "session", id)
}

// DeleteSession removes a session with its transcript.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := expectRow(res, "session", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// SetPinned pins or unpins a session.
func (s *Store) SetPinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET is_pinned = ? WHERE id = ?`, boolInt(pinned), id)
	if err != nil {
		return fmt.Errorf("failed to pin session: %w", err)
	}
	return expectRow(res, "session", id)
}

// ResetRunningSessions marks sessions left running by a previous process as
// idle and returns how many were reset.
func (s *Store) ResetRunningSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = 'idle', updated_at = ? WHERE status = 'running'`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to reset running sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn().Int64("count", n).Msg("Reset sessions left running")
	}
	return n, nil
}

// AddTokens accumulates token usage.
func (s *Store) AddTokens(ctx context.Context, id string, usage agent.TokenUsage) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions
		SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ?
		WHERE id = ?`, usage.InputTokens, usage.OutputTokens, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to add tokens: %w", err)
	}
	return expectRow(res, "session", id)
}

// Append stores a transcript entry. Re-appending an entry with the same
// uuid is a no-op.
func (s *Store) Append(ctx context.Context, sessionID string, msg agent.Message) (err error) {
	ctx, span := s.startSpan(ctx, "session.append_message", sessionID, attribute.String("type", string(msg.Type)))
	defer endSpan(span, &err)
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if msg.UUID == "" {
		msg.UUID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if err := expectRow(res, "session", sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO messages (id, session_id, data, created_at) VALUES (?, ?, ?, ?)`,
		msg.UUID, sessionID, string(data), msg.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return tx.Commit()
}

// Messages returns a session's transcript in append order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]agent.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM messages WHERE session_id = ? ORDER BY rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []agent.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg agent.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Skipping malformed message")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ReadHistory returns the session with its transcript and todos.
func (s *Store) ReadHistory(ctx context.Context, sessionID string) (_ *agent.History, err error) {
	ctx, span := s.startSpan(ctx, "session.read_history", sessionID)
	defer endSpan(span, &err)
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	todos, err := s.Todos(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("messages", len(messages)))
	return &agent.History{Session: sess, Messages: messages, Todos: todos}, nil
}

// TruncateHistoryAfter keeps the transcript up to and including the entry
// with messageUUID and deletes everything after it. An empty uuid clears
// the transcript.
func (s *Store) TruncateHistoryAfter(ctx context.Context, sessionID, messageUUID string) error {
	if messageUUID == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to clear history: %w", err)
		}
		return nil
	}

	var rowID int64
	err := s.db.QueryRowContext(ctx, `SELECT rowid FROM messages WHERE session_id = ? AND id = ?`,
		sessionID, messageUUID).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageUUID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to locate message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND rowid > ?`, sessionID, rowID); err != nil {
		return fmt.Errorf("failed to truncate history: %w", err)
	}
	return nil
}

// SaveTodos replaces a session's todo list.
func (s *Store) SaveTodos(ctx context.Context, sessionID string, todos []agent.TodoItem) error {
	if todos == nil {
		todos = []agent.TodoItem{}
	}
	data, err := json.Marshal(todos)
	if err != nil {
		return fmt.Errorf("failed to marshal todos: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET todos = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to save todos: %w", err)
	}
	return expectRow(res, "session", sessionID)
}

// Todos returns a session's todo list.
func (s *Store) Todos(ctx context.Context, sessionID string) ([]agent.TodoItem, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT todos FROM sessions WHERE id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load todos: %w", err)
	}
	if !data.Valid || data.String == "" {
		return []agent.TodoItem{}, nil
	}
	var todos []agent.TodoItem
	if err := json.Unmarshal([]byte(data.String), &todos); err != nil {
		return nil, fmt.Errorf("failed to decode todos: %w", err)
	}
	return todos, nil
}

// RecentCwds returns distinct working directories, most recently used first.
func (s *Store) RecentCwds(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cwd, MAX(updated_at) AS latest FROM sessions
		WHERE cwd IS NOT NULL AND cwd != ''
		GROUP BY cwd ORDER BY latest DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cwds: %w", err)
	}
	defer rows.Close()

	var cwds []string
	for rows.Next() {
		var cwd string
		var latest int64
		if err := rows.Scan(&cwd, &latest); err != nil {
			return nil, err
		}
		cwds = append(cwds, cwd)
	}
	return cwds, rows.Err()
}

// PruneSessions deletes unpinned, non-running sessions not updated since
// cutoff and returns how many were removed.
func (s *Store) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM sessions WHERE is_pinned = 0 AND status != 'running' AND updated_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id IN (`+stale+`)`, cutoff.UnixMilli()); err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id IN (`+stale+`)`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) startSpan(ctx context.Context, name, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = tracing.WithSessionKey(ctx, sessionID)
	attrs = append(attrs, attribute.String("session_id", sessionID))
	return tracing.StartSpan(ctx, "valedesk.session", name, attrs...)
}

func endSpan(span trace.Span, errp *error) {
	if *errp != nil {
		span.RecordError(*errp)
		span.SetStatus(codes.Error, (*errp).Error())
	}
	span.End()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*agent.Session, error) {
	var (
		sess                                    agent.Session
		status                                  string
		cwd, allowedTools, lastPrompt, modelCol sql.NullString
		temperature                             sql.NullFloat64
		pinned                                  int
	)
	if err := row.Scan(&sess.ID, &sess.Title, &status, &cwd, &allowedTools, &lastPrompt, &modelCol,
		&temperature, &pinned, &sess.InputTokens, &sess.OutputTokens, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Status = agent.SessionStatus(status)
	sess.Cwd = cwd.String
	sess.AllowedTools = allowedTools.String
	sess.LastPrompt = lastPrompt.String
	sess.Model = modelCol.String
	if temperature.Valid {
		t := temperature.Float64
		sess.Temperature = &t
	}
	sess.IsPinned = pinned != 0
	return &sess, nil
}

// validateSessionID rejects ids that would be unsafe as file or URL segments.
func validateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("session id %q contains invalid characters", id)
	}
	return nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
