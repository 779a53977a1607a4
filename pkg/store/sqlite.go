package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/pkg/sqliteutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS contexts (
	id   TEXT PRIMARY KEY,
	type TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	primary_context_id TEXT NOT NULL,
	status             TEXT NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	kind               TEXT NOT NULL DEFAULT '',
	config             TEXT NOT NULL DEFAULT '{}',
	meta               TEXT NOT NULL DEFAULT '{}',
	public_meta        TEXT NOT NULL DEFAULT '{}',
	start_date         TEXT NOT NULL,
	last_message_date  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, last_message_date);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	date       TEXT NOT NULL,
	type       TEXT NOT NULL,
	data       BLOB,
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

CREATE TABLE IF NOT EXISTS session_contexts (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	text       TEXT NOT NULL,
	time       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_contexts_session ON session_contexts(session_id, id);

CREATE TABLE IF NOT EXISTS artifacts (
	id         TEXT PRIMARY KEY,
	session_id TEXT,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	content    BLOB,
	meta       TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_user ON artifacts(user_id, kind);
`

// SQLite owns one database handle and hands out the five ports backed by it.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sqliteutil.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Stores returns the port bundle backed by this database.
func (s *SQLite) Stores() Store {
	return Store{
		Sessions:        &sqliteSessions{db: s.db},
		Messages:        &sqliteMessages{db: s.db},
		Contexts:        &sqliteContexts{db: s.db},
		SessionContexts: &sqliteSessionContexts{db: s.db},
		Artifacts:       &sqliteArtifacts{db: s.db},
	}
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteSessions struct {
	db *sql.DB
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// --- SessionStore ---

func (s *sqliteSessions) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return Invalid("session_id", "must not be empty")
	}
	if sess.UserID == "" {
		return Invalid("user_id", "must not be empty")
	}
	if sess.Status == "" {
		sess.Status = StatusIdle
	}
	if sess.StartDate.IsZero() {
		sess.StartDate = time.Now()
	}
	if sess.LastMessageDate.IsZero() {
		sess.LastMessageDate = sess.StartDate
	}

	config, err := marshalMap(sess.Config)
	if err != nil {
		return Invalid("config", err.Error())
	}
	meta, err := marshalMap(sess.Meta)
	if err != nil {
		return Invalid("meta", err.Error())
	}
	publicMeta, err := marshalMap(sess.PublicMeta)
	if err != nil {
		return Invalid("public_meta", err.Error())
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, primary_context_id, status, title, kind, config, meta, public_meta, start_date, last_message_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.PrimaryContextID, string(sess.Status), sess.Title, sess.Kind,
		config, meta, publicMeta, fmtTime(sess.StartDate), fmtTime(sess.LastMessageDate))
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("session %s: %w", sess.ID, ErrConflict)
		}
		return backendErr("creating session", err)
	}
	return nil
}

func (s *sqliteSessions) Get(ctx context.Context, id string) (*Session, error) {
	return s.getSession(ctx, "SELECT id, user_id, primary_context_id, status, title, kind, config, meta, public_meta, start_date, last_message_date FROM sessions WHERE id = ?", id)
}

func (s *sqliteSessions) GetForUser(ctx context.Context, id, userID string) (*Session, error) {
	return s.getSession(ctx, "SELECT id, user_id, primary_context_id, status, title, kind, config, meta, public_meta, start_date, last_message_date FROM sessions WHERE id = ? AND user_id = ?", id, userID)
}

func (s *sqliteSessions) getSession(ctx context.Context, query string, args ...any) (*Session, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, backendErr("getting session", err)
	}
	return sess, nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var status, config, meta, publicMeta, startDate, lastMessageDate string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.PrimaryContextID, &status, &sess.Title, &sess.Kind,
		&config, &meta, &publicMeta, &startDate, &lastMessageDate)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if sess.Config, err = unmarshalMap(config); err != nil {
		return nil, err
	}
	if sess.Meta, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	if sess.PublicMeta, err = unmarshalMap(publicMeta); err != nil {
		return nil, err
	}
	if sess.StartDate, err = parseTime(startDate); err != nil {
		return nil, err
	}
	if sess.LastMessageDate, err = parseTime(lastMessageDate); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sqliteSessions) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, primary_context_id, status, title, kind, config, meta, public_meta, start_date, last_message_date
		FROM sessions WHERE user_id = ? ORDER BY last_message_date DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, backendErr("listing sessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var status, config, meta, publicMeta, startDate, lastMessageDate string
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.PrimaryContextID, &status, &sess.Title, &sess.Kind,
			&config, &meta, &publicMeta, &startDate, &lastMessageDate); err != nil {
			return nil, backendErr("scanning session", err)
		}
		sess.Status = SessionStatus(status)
		if sess.Config, err = unmarshalMap(config); err != nil {
			return nil, err
		}
		if sess.Meta, err = unmarshalMap(meta); err != nil {
			return nil, err
		}
		if sess.PublicMeta, err = unmarshalMap(publicMeta); err != nil {
			return nil, err
		}
		if sess.StartDate, err = parseTime(startDate); err != nil {
			return nil, err
		}
		if sess.LastMessageDate, err = parseTime(lastMessageDate); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *sqliteSessions) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return 0, backendErr("counting sessions", err)
	}
	return n, nil
}

func (s *sqliteSessions) UpdateMeta(ctx context.Context, id string, patch SessionPatch) error {
	var sets []string
	var args []any

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Kind != nil {
		sets = append(sets, "kind = ?")
		args = append(args, *patch.Kind)
	}
	if patch.Config != nil {
		v, err := marshalMap(patch.Config)
		if err != nil {
			return Invalid("config", err.Error())
		}
		sets = append(sets, "config = ?")
		args = append(args, v)
	}
	if patch.Meta != nil {
		v, err := marshalMap(patch.Meta)
		if err != nil {
			return Invalid("meta", err.Error())
		}
		sets = append(sets, "meta = ?")
		args = append(args, v)
	}
	if patch.PublicMeta != nil {
		v, err := marshalMap(patch.PublicMeta)
		if err != nil {
			return Invalid("public_meta", err.Error())
		}
		sets = append(sets, "public_meta = ?")
		args = append(args, v)
	}
	if patch.LastMessageDate != nil {
		sets = append(sets, "last_message_date = ?")
		args = append(args, fmtTime(*patch.LastMessageDate))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return backendErr("updating session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteSessions) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backendErr("deleting session", err)
	}
	defer func() { _ = tx.Rollback() }()

	var primaryContextID string
	err = tx.QueryRowContext(ctx, "SELECT primary_context_id FROM sessions WHERE id = ?", id).Scan(&primaryContextID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return backendErr("deleting session", err)
	}

	// Artifacts reference the session without a foreign key (they may
	// outlive it when user-scoped), so session-scoped rows go explicitly.
	if _, err := tx.ExecContext(ctx, "DELETE FROM artifacts WHERE session_id = ?", id); err != nil {
		return backendErr("deleting session artifacts", err)
	}
	// Messages and session_contexts cascade via foreign keys.
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return backendErr("deleting session row", err)
	}
	if primaryContextID != "" {
		if _, err := tx.ExecContext(ctx, "DELETE FROM contexts WHERE id = ?", primaryContextID); err != nil {
			return backendErr("deleting primary context", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return backendErr("deleting session", err)
	}
	return nil
}

func isConstraintErr(err error) bool {
	// modernc surfaces constraint violations in the error text; we only
	// need a conflict/not-conflict split here.
	return err != nil && strings.Contains(err.Error(), "constraint")
}
