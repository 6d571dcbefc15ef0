package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is an account. Channel identities map onto it through ChannelLinks.
type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	HasPassword bool      `json:"has_password"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChannelLink binds a user to an identity on one channel
type ChannelLink struct {
	ID            int64             `json:"id"`
	UserID        string            `json:"user_id"`
	Channel       string            `json:"channel"`
	ChannelUserID string            `json:"channel_user_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

const userColumns = `id, name, role, password_hash != '', created_at`

func scanUser(row scanner) (*User, error) {
	var u User
	var created int64
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.HasPassword, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromUnix(created)
	return &u, nil
}

// CreateUser inserts a new user. An empty role falls back to "member".
func (s *Store) CreateUser(ctx context.Context, id, name, role string) (*User, error) {
	if id == "" {
		return nil, errors.New("user id is required")
	}
	if role == "" {
		role = "member"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)`,
		id, name, role, unix(s.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", id, ErrConflict)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser returns a user by id
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

// EnsureUser returns the user, creating it with the given name and role when missing
func (s *Store) EnsureUser(ctx context.Context, id, name, role string) (*User, error) {
	u, err := s.GetUser(ctx, id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	u, err = s.CreateUser(ctx, id, name, role)
	if errors.Is(err, ErrConflict) {
		return s.GetUser(ctx, id)
	}
	return u, err
}

// ListUsers returns all users ordered by creation
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user. Channel links and API keys cascade.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireAffected(res, "user", id)
}

// SetUserRole changes a user's role
func (s *Store) SetUserRole(ctx context.Context, id, role string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "user", id)
}

// SetPassword stores a bcrypt hash of password
func (s *Store) SetPassword(ctx context.Context, id, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, string(hash), id)
	if err != nil {
		return err
	}
	return requireAffected(res, "user", id)
}

// CheckPassword verifies password and returns the user
func (s *Store) CheckPassword(ctx context.Context, id, password string) (*User, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id = ?`, id).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.GetUser(ctx, id)
}

// LinkChannel binds userID to channelUserID on channel. Re-linking the same
// pair is a no-op; a channel identity already bound to another user is a conflict.
func (s *Store) LinkChannel(ctx context.Context, userID, channel, channelUserID string, metadata map[string]string) (*ChannelLink, error) {
	meta := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, err
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_links (user_id, channel, channel_user_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (channel, channel_user_id) DO UPDATE SET metadata = excluded.metadata
		 WHERE channel_links.user_id = excluded.user_id`,
		userID, channel, channelUserID, meta, unix(s.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("link %s/%s: %w", channel, channelUserID, ErrConflict)
		}
		return nil, fmt.Errorf("link channel: %w", err)
	}
	link, err := s.GetChannelLink(ctx, channel, channelUserID)
	if err != nil {
		return nil, err
	}
	if link.UserID != userID {
		return nil, fmt.Errorf("link %s/%s: %w", channel, channelUserID, ErrConflict)
	}
	return link, nil
}

const linkColumns = `id, user_id, channel, channel_user_id, metadata, created_at`

func scanLink(row scanner) (*ChannelLink, error) {
	var l ChannelLink
	var meta string
	var created int64
	if err := row.Scan(&l.ID, &l.UserID, &l.Channel, &l.ChannelUserID, &meta, &created); err != nil {
		return nil, err
	}
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &l.Metadata)
	}
	l.CreatedAt = fromUnix(created)
	return &l, nil
}

// GetChannelLink returns the link for a channel identity
func (s *Store) GetChannelLink(ctx context.Context, channel, channelUserID string) (*ChannelLink, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM channel_links WHERE channel = ? AND channel_user_id = ?`,
		channel, channelUserID))
	if err != nil {
		return nil, notFound(err, "channel link", channel+"/"+channelUserID)
	}
	return l, nil
}

// ResolveChannelUser maps a channel identity to a user id
func (s *Store) ResolveChannelUser(ctx context.Context, channel, channelUserID string) (string, error) {
	l, err := s.GetChannelLink(ctx, channel, channelUserID)
	if err != nil {
		return "", err
	}
	return l.UserID, nil
}

// UserChannelLink returns the user's identity on channel
func (s *Store) UserChannelLink(ctx context.Context, userID, channel string) (*ChannelLink, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM channel_links WHERE user_id = ? AND channel = ?`,
		userID, channel))
	if err != nil {
		return nil, notFound(err, "channel link", userID+"/"+channel)
	}
	return l, nil
}

// ListChannelLinks returns all links of a user
func (s *Store) ListChannelLinks(ctx context.Context, userID string) ([]ChannelLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM channel_links WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []ChannelLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}
