package db

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Note sources
const (
	NoteSourceUser       = "user"
	NoteSourceExtraction = "extraction"
)

// MemoryEntry is a keyed fact the agent saved about a user
type MemoryEntry struct {
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Note is a free-form note, written by the user or extracted from a conversation
type Note struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Favorite is a bookmarked snippet
type Favorite struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SetMemory upserts a memory entry
func (s *Store) SetMemory(ctx context.Context, userID, key, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memory (user_id, key, content, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		userID, key, content, unix(s.now()))
	if err != nil {
		return fmt.Errorf("set memory: %w", err)
	}
	return nil
}

// GetMemory returns one memory entry
func (s *Store) GetMemory(ctx context.Context, userID, key string) (*MemoryEntry, error) {
	var e MemoryEntry
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, key, content, updated_at FROM agent_memory WHERE user_id = ? AND key = ?`,
		userID, key).Scan(&e.UserID, &e.Key, &e.Content, &updated)
	if err != nil {
		return nil, notFound(err, "memory", key)
	}
	e.UpdatedAt = fromUnix(updated)
	return &e, nil
}

// ListMemory returns a user's memory entries, most recently updated first
func (s *Store) ListMemory(ctx context.Context, userID string) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, key, content, updated_at FROM agent_memory WHERE user_id = ? ORDER BY updated_at DESC, key`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var updated int64
		if err := rows.Scan(&e.UserID, &e.Key, &e.Content, &updated); err != nil {
			return nil, err
		}
		e.UpdatedAt = fromUnix(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteMemory removes a memory entry
func (s *Store) DeleteMemory(ctx context.Context, userID, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_memory WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return err
	}
	return requireAffected(res, "memory", key)
}

// AddNote appends a note. An empty source means NoteSourceUser.
func (s *Store) AddNote(ctx context.Context, userID, content, source string) (*Note, error) {
	if source == "" {
		source = NoteSourceUser
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (user_id, content, source, created_at) VALUES (?, ?, ?, ?)`,
		userID, content, source, unix(now))
	if err != nil {
		return nil, fmt.Errorf("add note: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Note{ID: id, UserID: userID, Content: content, Source: source, CreatedAt: fromUnix(unix(now))}, nil
}

// ListNotes returns a user's most recent notes, newest first
func (s *Store) ListNotes(ctx context.Context, userID string, limit int) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, source, created_at FROM notes WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limitOr(limit, 20))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		var created int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content, &n.Source, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = fromUnix(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetPreference merges one preference into the user's map; the last write wins
func (s *Store) SetPreference(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, unix(s.now()))
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

// GetPreferences returns the user's preference map
func (s *Store) GetPreferences(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM preferences WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prefs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		prefs[k] = v
	}
	return prefs, rows.Err()
}

// AddFavorite bookmarks a snippet
func (s *Store) AddFavorite(ctx context.Context, userID, title, content string) (*Favorite, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO favorites (user_id, title, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, title, content, unix(now))
	if err != nil {
		return nil, fmt.Errorf("add favorite: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Favorite{ID: id, UserID: userID, Title: title, Content: content, CreatedAt: fromUnix(unix(now))}, nil
}

// ListFavorites returns a user's favorites, newest first
func (s *Store) ListFavorites(ctx context.Context, userID string) ([]Favorite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, content, created_at FROM favorites WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Favorite
	for rows.Next() {
		var f Favorite
		var created int64
		if err := rows.Scan(&f.ID, &f.UserID, &f.Title, &f.Content, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = fromUnix(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFavorite removes a favorite owned by userID
func (s *Store) DeleteFavorite(ctx context.Context, userID string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM favorites WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return requireAffected(res, "favorite", strconv.FormatInt(id, 10))
}
