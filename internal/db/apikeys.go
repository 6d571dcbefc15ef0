package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyPrefix    = "gbot_"
	apiKeyLookupLen = len(apiKeyPrefix) + 8
)

// APIKey is the stored half of an API key. The plaintext is shown once on creation.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// CreateAPIKey generates a key for userID. It returns the plaintext, which is
// never stored, together with the persisted record.
func (s *Store) CreateAPIKey(ctx context.Context, userID, name string) (string, *APIKey, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return "", nil, err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	plaintext := apiKeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	key := &APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		Prefix:    plaintext[:apiKeyLookupLen],
		CreatedAt: fromUnix(unix(s.now())),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, name, prefix, key_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.Name, key.Prefix, string(hash), unix(key.CreatedAt))
	if err != nil {
		return "", nil, fmt.Errorf("create api key: %w", err)
	}
	return plaintext, key, nil
}

// VerifyAPIKey checks a plaintext key and returns its owner
func (s *Store) VerifyAPIKey(ctx context.Context, plaintext string) (*User, error) {
	if !strings.HasPrefix(plaintext, apiKeyPrefix) || len(plaintext) <= apiKeyLookupLen {
		return nil, ErrInvalidCredentials
	}

	type candidate struct{ id, userID, hash string }
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, key_hash FROM api_keys WHERE prefix = ?`, plaintext[:apiKeyLookupLen])
	if err != nil {
		return nil, err
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.userID, &c.hash); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(c.hash), []byte(plaintext)) != nil {
			continue
		}
		_, _ = s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, unix(s.now()), c.id)
		return s.GetUser(ctx, c.userID)
	}
	return nil, ErrInvalidCredentials
}

// ListAPIKeys returns a user's keys without their hashes
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, prefix, created_at, last_used_at FROM api_keys WHERE user_id = ? ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		var k APIKey
		var created int64
		var used sql.NullInt64
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &created, &used); err != nil {
			return nil, err
		}
		k.CreatedAt = fromUnix(created)
		k.LastUsedAt = fromNullUnix(used)
		out = append(out, k)
	}
	return out, rows.Err()
}
