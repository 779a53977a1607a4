package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const artifactColumns = "id, session_id, user_id, kind, title, meta, created_at, updated_at"

type sqliteArtifacts struct {
	db *sql.DB
}

func (s *sqliteArtifacts) Create(ctx context.Context, a *Artifact) error {
	if a.UserID == "" {
		return Invalid("user_id", "must not be empty")
	}
	if a.Kind == "" {
		a.Kind = ArtifactInline
	}
	if a.ID == "" {
		a.ID = NewID()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt

	meta, err := marshalMap(a.Meta)
	if err != nil {
		return Invalid("meta", err.Error())
	}

	var sessionID any
	if a.SessionID != "" {
		sessionID = a.SessionID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, session_id, user_id, kind, title, content, meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, sessionID, a.UserID, string(a.Kind), a.Title, a.Content, meta,
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("artifact %s: %w", a.ID, ErrConflict)
		}
		return backendErr("creating artifact", err)
	}
	return nil
}

func (s *sqliteArtifacts) Get(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+artifactColumns+" FROM artifacts WHERE id = ?", id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, backendErr("getting artifact", err)
	}
	return a, nil
}

// Update rewrites title, kind and meta. Content changes go through
// UpdateContent so listings never drag blobs along.
func (s *sqliteArtifacts) Update(ctx context.Context, a *Artifact) error {
	meta, err := marshalMap(a.Meta)
	if err != nil {
		return Invalid("meta", err.Error())
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE artifacts SET kind = ?, title = ?, meta = ?, updated_at = ? WHERE id = ?",
		string(a.Kind), a.Title, meta, fmtTime(time.Now()), a.ID)
	if err != nil {
		return backendErr("updating artifact", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (s *sqliteArtifacts) UpdateContent(ctx context.Context, id string, content []byte) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE artifacts SET content = ?, updated_at = ? WHERE id = ?",
		content, fmtTime(time.Now()), id)
	if err != nil {
		return backendErr("updating artifact content", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteArtifacts) GetContent(ctx context.Context, id string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, "SELECT content FROM artifacts WHERE id = ?", id).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, backendErr("getting artifact content", err)
	}
	return content, nil
}

func (s *sqliteArtifacts) ListBySession(ctx context.Context, sessionID string) ([]*Artifact, error) {
	return s.list(ctx, "SELECT "+artifactColumns+" FROM artifacts WHERE session_id = ? ORDER BY id ASC", sessionID)
}

func (s *sqliteArtifacts) ListByKind(ctx context.Context, userID string, kind ArtifactKind) ([]*Artifact, error) {
	return s.list(ctx, "SELECT "+artifactColumns+" FROM artifacts WHERE user_id = ? AND kind = ? ORDER BY id ASC", userID, string(kind))
}

func (s *sqliteArtifacts) list(ctx context.Context, query string, args ...any) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backendErr("listing artifacts", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, backendErr("scanning artifact", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteArtifacts) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM artifacts WHERE session_id = ?", sessionID).Scan(&n)
	if err != nil {
		return 0, backendErr("counting artifacts", err)
	}
	return n, nil
}

func (s *sqliteArtifacts) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM artifacts WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return 0, backendErr("counting artifacts by user", err)
	}
	return n, nil
}

func (s *sqliteArtifacts) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM artifacts WHERE id = ?", id)
	if err != nil {
		return backendErr("deleting artifact", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanArtifact(sc rowScanner) (*Artifact, error) {
	var a Artifact
	var sessionID sql.NullString
	var kind, meta, createdAt, updatedAt string
	if err := sc.Scan(&a.ID, &sessionID, &a.UserID, &kind, &a.Title, &meta, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.SessionID = sessionID.String
	a.Kind = ArtifactKind(kind)
	var err error
	if a.Meta, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
