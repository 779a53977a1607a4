package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type sqliteContexts struct {
	db *sql.DB
}

func (s *sqliteContexts) Create(ctx context.Context, c *Context) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	data, err := marshalMap(c.Data)
	if err != nil {
		return Invalid("data", err.Error())
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO contexts (id, type, data) VALUES (?, ?, ?)", c.ID, c.Type, data)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("context %s: %w", c.ID, ErrConflict)
		}
		return backendErr("creating context", err)
	}
	return nil
}

func (s *sqliteContexts) Get(ctx context.Context, id string) (*Context, error) {
	var c Context
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT id, type, data FROM contexts WHERE id = ?", id).
		Scan(&c.ID, &c.Type, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("context %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, backendErr("getting context", err)
	}
	if c.Data, err = unmarshalMap(data); err != nil {
		return nil, backendErr("decoding context", err)
	}
	return &c, nil
}

func (s *sqliteContexts) GetByType(ctx context.Context, typ string) ([]*Context, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, type, data FROM contexts WHERE type = ? ORDER BY id ASC", typ)
	if err != nil {
		return nil, backendErr("listing contexts", err)
	}
	defer rows.Close()

	var out []*Context
	for rows.Next() {
		var c Context
		var data string
		if err := rows.Scan(&c.ID, &c.Type, &data); err != nil {
			return nil, backendErr("scanning context", err)
		}
		if c.Data, err = unmarshalMap(data); err != nil {
			return nil, backendErr("decoding context", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *sqliteContexts) Update(ctx context.Context, c *Context) error {
	data, err := marshalMap(c.Data)
	if err != nil {
		return Invalid("data", err.Error())
	}
	res, err := s.db.ExecContext(ctx, "UPDATE contexts SET type = ?, data = ? WHERE id = ?", c.Type, data, c.ID)
	if err != nil {
		return backendErr("updating context", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("context %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *sqliteContexts) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM contexts WHERE id = ?", id)
	if err != nil {
		return backendErr("deleting context", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("context %s: %w", id, ErrNotFound)
	}
	return nil
}

type sqliteSessionContexts struct {
	db *sql.DB
}

func (s *sqliteSessionContexts) Create(ctx context.Context, sc *SessionContext) error {
	if sc.SessionID == "" {
		return Invalid("session_id", "must not be empty")
	}
	if sc.Type == "" {
		return Invalid("type", "must not be empty")
	}
	if sc.ID == "" {
		sc.ID = NewID()
	}
	if sc.Time.IsZero() {
		sc.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO session_contexts (id, session_id, type, text, time) VALUES (?, ?, ?, ?, ?)",
		sc.ID, sc.SessionID, sc.Type, sc.Text, fmtTime(sc.Time))
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("session context %s: %w", sc.ID, ErrConflict)
		}
		return backendErr("creating session context", err)
	}
	return nil
}

func (s *sqliteSessionContexts) ListBySession(ctx context.Context, sessionID string) ([]*SessionContext, error) {
	return s.list(ctx, "SELECT id, session_id, type, text, time FROM session_contexts WHERE session_id = ? ORDER BY id ASC", sessionID)
}

func (s *sqliteSessionContexts) ListByType(ctx context.Context, sessionID, typ string) ([]*SessionContext, error) {
	return s.list(ctx, "SELECT id, session_id, type, text, time FROM session_contexts WHERE session_id = ? AND type = ? ORDER BY id ASC", sessionID, typ)
}

func (s *sqliteSessionContexts) list(ctx context.Context, query string, args ...any) ([]*SessionContext, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backendErr("listing session contexts", err)
	}
	defer rows.Close()

	var out []*SessionContext
	for rows.Next() {
		var sc SessionContext
		var t string
		if err := rows.Scan(&sc.ID, &sc.SessionID, &sc.Type, &sc.Text, &t); err != nil {
			return nil, backendErr("scanning session context", err)
		}
		if sc.Time, err = parseTime(t); err != nil {
			return nil, backendErr("decoding session context time", err)
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

func (s *sqliteSessionContexts) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM session_contexts WHERE id = ?", id)
	if err != nil {
		return backendErr("deleting session context", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session context %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteSessionContexts) DeleteByType(ctx context.Context, sessionID, typ string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM session_contexts WHERE session_id = ? AND type = ?", sessionID, typ)
	if err != nil {
		return backendErr("deleting session contexts by type", err)
	}
	return nil
}
