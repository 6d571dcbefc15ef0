package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Close reasons recorded on a session
const (
	CloseReasonTokenLimit = "token_limit"
	CloseReasonManual     = "manual"
)

// Session is one conversation window between a user and the agent on a channel.
// At most one session per (user, channel) is open at a time.
type Session struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Channel     string     `json:"channel"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	TokenCount  int        `json:"token_count"`
	Summary     string     `json:"summary,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
}

// Active reports whether the session is still open
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// Message is a persisted conversation turn. ToolCalls holds the JSON array
// of calls on assistant turns; ToolCallID and ToolName are set on tool results.
type Message struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

const sessionColumns = `id, user_id, channel, started_at, ended_at, token_count, summary, close_reason`

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Channel, &started, &ended,
		&sess.TokenCount, &sess.Summary, &sess.CloseReason); err != nil {
		return nil, err
	}
	sess.StartedAt = fromUnix(started)
	sess.EndedAt = fromNullUnix(ended)
	return &sess, nil
}

// CreateSession opens a new session for (userID, channel). It fails with
// ErrConflict when one is already open.
func (s *Store) CreateSession(ctx context.Context, userID, channel string) (*Session, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, channel, started_at) VALUES (?, ?, ?, ?)`,
		id, userID, channel, unix(s.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("open session for %s/%s: %w", userID, channel, ErrConflict)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession returns a session by id, open or closed
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return sess, nil
}

// GetActiveSession returns the open session for (userID, channel)
func (s *Store) GetActiveSession(ctx context.Context, userID, channel string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND channel = ? AND ended_at IS NULL`,
		userID, channel))
	if err != nil {
		return nil, notFound(err, "active session", userID+"/"+channel)
	}
	return sess, nil
}

// ListSessions returns a user's sessions, newest first
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		userID, limitOr(limit, 50))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// AddSessionTokens adds n to the session's token counter and returns the new total
func (s *Store) AddSessionTokens(ctx context.Context, id string, n int) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`UPDATE sessions SET token_count = token_count + ? WHERE id = ? RETURNING token_count`,
		n, id).Scan(&total)
	if err != nil {
		return 0, notFound(err, "session", id)
	}
	return total, nil
}

// CloseSession ends an open session with a summary and reason. Closing is
// one-shot: a second close returns ErrSessionClosed and leaves the row untouched.
func (s *Store) CloseSession(ctx context.Context, id, summary, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, summary = ?, close_reason = ? WHERE id = ? AND ended_at IS NULL`,
		unix(s.now()), summary, reason, id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("session %s: %w", id, ErrSessionClosed)
}

// UpdateSessionSummary replaces the stored summary of a session
func (s *Store) UpdateSessionSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "session", id)
}

// LatestClosedSummary returns the summary of the most recently closed
// session for (userID, channel), or "" when there is none.
func (s *Store) LatestClosedSummary(ctx context.Context, userID, channel string) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM sessions
		 WHERE user_id = ? AND channel = ? AND ended_at IS NOT NULL
		 ORDER BY ended_at DESC, rowid DESC LIMIT 1`,
		userID, channel).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return summary, err
}

// AppendMessage appends one message to an open session
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	return s.AppendMessages(ctx, m.SessionID, []*Message{m})
}

// AppendMessages appends messages to an open session in order, atomically.
// Appending to a closed session returns ErrSessionClosed.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var ended sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT ended_at FROM sessions WHERE id = ?`, sessionID).Scan(&ended)
		if err != nil {
			return notFound(err, "session", sessionID)
		}
		if ended.Valid {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
		}

		now := s.now()
		for _, m := range msgs {
			var toolCalls any
			if len(m.ToolCalls) > 0 {
				toolCalls = string(m.ToolCalls)
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id, tool_name, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				sessionID, m.Role, m.Content, toolCalls, m.ToolCallID, m.ToolName, unix(now))
			if err != nil {
				return fmt.Errorf("append message: %w", err)
			}
			m.SessionID = sessionID
			m.ID, _ = res.LastInsertId()
			m.CreatedAt = fromUnix(unix(now))
		}
		return nil
	})
}

// GetMessages returns a session's messages in append order
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, tool_call_id, tool_name, created_at
		 FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var toolCalls sql.NullString
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls,
			&m.ToolCallID, &m.ToolName, &created); err != nil {
			return nil, err
		}
		if toolCalls.Valid && toolCalls.String != "" {
			m.ToolCalls = json.RawMessage(toolCalls.String)
		}
		m.CreatedAt = fromUnix(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
