package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	MessageUser      = "user"
	MessageAssistant = "assistant"
)

type Thread struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	SessionID    string    `json:"session_id,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity"`
}

type Message struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func scanThread(row *sql.Row) (Thread, error) {
	var (
		t          Thread
		lastActive string
	)
	err := row.Scan(&t.ID, &t.AgentID, &t.SessionID, &t.UnreadCount, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	t.LastActivity = parseTime(lastActive)
	return t, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (Thread, error) {
	return scanThread(s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, COALESCE(session_id, ''), unread_count, last_activity
		FROM threads WHERE id = ?`, id))
}

func (s *Store) ThreadByAgent(ctx context.Context, agentID string) (Thread, error) {
	return scanThread(s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, COALESCE(session_id, ''), unread_count, last_activity
		FROM threads WHERE agent_id = ?`, agentID))
}

func (s *Store) execThread(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) IncrementUnread(ctx context.Context, threadID string) error {
	return s.execThread(ctx, `UPDATE threads SET unread_count = unread_count + 1 WHERE id = ?`, threadID)
}

func (s *Store) ClearUnread(ctx context.Context, threadID string) error {
	return s.execThread(ctx, `UPDATE threads SET unread_count = 0 WHERE id = ?`, threadID)
}

// GetSessionID returns the agent's last handshake session id.
func (s *Store) GetSessionID(ctx context.Context, agentID string) (string, bool, error) {
	var id sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM threads WHERE agent_id = ?`, agentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session %s: %w", agentID, err)
	}
	if !id.Valid || id.String == "" {
		return "", false, nil
	}
	return id.String, true, nil
}

// SetSessionID overwrites the agent's session id and touches its thread.
func (s *Store) SetSessionID(ctx context.Context, agentID, sessionID string) error {
	err := s.execThread(ctx, `UPDATE threads SET session_id = ?, last_activity = ? WHERE agent_id = ?`,
		sessionID, formatTime(s.now()), agentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("set session %s: %w", agentID, err)
	}
	return err
}

// AddMessage appends a message and touches the thread.
func (s *Store) AddMessage(ctx context.Context, threadID, role, content string) (Message, error) {
	if role != MessageUser && role != MessageAssistant {
		return Message{}, fmt.Errorf("%w: message role %q", ErrInvalid, role)
	}
	now := s.now()
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE threads SET last_activity = ? WHERE id = ?`, formatTime(now), threadID)
		if err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO messages (thread_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			threadID, role, content, formatTime(now))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, ThreadID: threadID, Role: role, Content: content, CreatedAt: now.UTC()}, nil
}

// Messages returns a page of a thread's messages, oldest first.
func (s *Store) Messages(ctx context.Context, threadID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(ctx, `
		SELECT id, thread_id, role, content, created_at FROM messages
		WHERE thread_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`, threadID, limit, offset)
}

// MessagesSince returns messages with an id greater than sinceID.
func (s *Store) MessagesSince(ctx context.Context, threadID string, sinceID int64) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, thread_id, role, content, created_at FROM messages
		WHERE thread_id = ? AND id > ? ORDER BY id ASC`, threadID, sinceID)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			m       Message
			created string
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
