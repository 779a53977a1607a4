package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = "id, session_id, date, type, data, metadata"

type sqliteMessages struct {
	db *sql.DB
}

// Create inserts the message and stamps the owning session's
// last_message_date inside the same transaction.
func (s *sqliteMessages) Create(ctx context.Context, m *Message) error {
	if m.SessionID == "" {
		return Invalid("session_id", "must not be empty")
	}
	if !ValidMessageType(m.Type) {
		return Invalid("type", fmt.Sprintf("unknown message type %q", m.Type))
	}
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Date.IsZero() {
		m.Date = time.Now()
	}
	metadata, err := marshalMap(m.Metadata)
	if err != nil {
		return Invalid("metadata", err.Error())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backendErr("creating message", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (id, session_id, date, type, data, metadata) VALUES (?, ?, ?, ?, ?, ?)",
		m.ID, m.SessionID, fmtTime(m.Date), string(m.Type), m.Data, metadata); err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("message %s: %w", m.ID, ErrConflict)
		}
		return backendErr("inserting message", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE sessions SET last_message_date = ? WHERE id = ?", fmtTime(m.Date), m.SessionID)
	if err != nil {
		return backendErr("stamping last_message_date", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", m.SessionID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return backendErr("creating message", err)
	}
	return nil
}

func (s *sqliteMessages) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, backendErr("getting message", err)
	}
	return m, nil
}

func (s *sqliteMessages) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	v, err := marshalMap(metadata)
	if err != nil {
		return Invalid("metadata", err.Error())
	}
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET metadata = ? WHERE id = ?", v, id)
	if err != nil {
		return backendErr("updating message metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListBySession pages through a session's messages. Pages are returned in
// ascending id order regardless of direction; HasMore is detected by
// fetching one extra row.
func (s *sqliteMessages) ListBySession(ctx context.Context, sessionID string, limit int, cursor string, dir ListDirection) (*MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	descending := false

	switch dir {
	case DirectionAfter:
		if cursor == "" {
			rows, err = s.db.QueryContext(ctx,
				"SELECT "+messageColumns+" FROM messages WHERE session_id = ? ORDER BY id ASC LIMIT ?",
				sessionID, limit+1)
		} else {
			rows, err = s.db.QueryContext(ctx,
				"SELECT "+messageColumns+" FROM messages WHERE session_id = ? AND id > ? ORDER BY id ASC LIMIT ?",
				sessionID, cursor, limit+1)
		}
	case DirectionBefore, "":
		descending = true
		if cursor == "" {
			rows, err = s.db.QueryContext(ctx,
				"SELECT "+messageColumns+" FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?",
				sessionID, limit+1)
		} else {
			rows, err = s.db.QueryContext(ctx,
				"SELECT "+messageColumns+" FROM messages WHERE session_id = ? AND id < ? ORDER BY id DESC LIMIT ?",
				sessionID, cursor, limit+1)
		}
	default:
		return nil, Invalid("direction", fmt.Sprintf("unknown direction %q", dir))
	}
	if err != nil {
		return nil, backendErr("listing messages", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	page := &MessagePage{}
	if len(msgs) > limit {
		page.HasMore = true
		msgs = msgs[:limit]
	}
	if descending {
		// Rows came newest-first; the next page continues past the oldest
		// row returned. Flip to ascending for callers.
		if len(msgs) > 0 {
			page.NextCursor = msgs[len(msgs)-1].ID
		}
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	} else if len(msgs) > 0 {
		page.NextCursor = msgs[len(msgs)-1].ID
	}
	page.Messages = msgs
	return page, nil
}

// ListAfter returns messages with id strictly greater than afterID in
// ascending order. The checkpoint anchor itself is excluded.
func (s *sqliteMessages) ListAfter(ctx context.Context, sessionID, afterID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE session_id = ? AND id > ? ORDER BY id ASC LIMIT ?",
		sessionID, afterID, limit)
	if err != nil {
		return nil, backendErr("listing messages after", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *sqliteMessages) ListByType(ctx context.Context, sessionID string, t MessageType, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE session_id = ? AND type = ? ORDER BY id ASC LIMIT ?",
		sessionID, string(t), limit)
	if err != nil {
		return nil, backendErr("listing messages by type", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *sqliteMessages) GetLatest(ctx context.Context, sessionID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT 1", sessionID)
	m, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest message: %w", ErrNotFound)
	}
	if err != nil {
		return nil, backendErr("getting latest message", err)
	}
	return m, nil
}

func (s *sqliteMessages) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&n)
	if err != nil {
		return 0, backendErr("counting messages", err)
	}
	return n, nil
}

func (s *sqliteMessages) CountByType(ctx context.Context, sessionID string, t MessageType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ? AND type = ?", sessionID, string(t)).Scan(&n)
	if err != nil {
		return 0, backendErr("counting messages by type", err)
	}
	return n, nil
}

func (s *sqliteMessages) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return backendErr("deleting message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc rowScanner) (*Message, error) {
	var m Message
	var date, typ, metadata string
	if err := sc.Scan(&m.ID, &m.SessionID, &date, &typ, &m.Data, &metadata); err != nil {
		return nil, err
	}
	m.Type = MessageType(typ)
	var err error
	if m.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	if m.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessageRow(row *sql.Row) (*Message, error) {
	return scanMessage(row)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, backendErr("scanning message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("scanning messages", err)
	}
	return out, nil
}
