// Copyright 2025 The Analyst Copilot Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// APIKey is a long-lived credential. Only the SHA-256 hash of the key is
// stored; the plaintext exists once at creation time.
type APIKey struct {
	ID         string
	UserID     string
	Name       string
	KeyHash    string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
}

// CreateAPIKey persists a key record.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) (string, error) {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO api_keys (id, user_id, name, key_hash, active, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		key.ID, key.UserID, key.Name, key.KeyHash, key.Active, key.CreatedAt,
		nullableTime(key.ExpiresAt))
	if err != nil {
		if isDuplicateError(err) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("failed to create api key: %w", err)
	}
	return key.ID, nil
}

// FindAPIKeyByHash resolves an active, unexpired key by its hash.
func (s *Store) FindAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	var lastUsed, expires sql.NullTime
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, user_id, name, key_hash, active, created_at, last_used_at, expires_at
		 FROM api_keys WHERE key_hash = ?`), hash).
		Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.Active, &k.CreatedAt, &lastUsed, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load api key: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	if !k.Active {
		return nil, ErrNotFound
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return &k, nil
}

// TouchAPIKey records key usage.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// RevokeAPIKey deactivates a key.
func (s *Store) RevokeAPIKey(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE api_keys SET active = ? WHERE id = ? AND user_id = ?`),
		false, id, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAPIKeys returns a user's keys, newest first. Hashes are included; the
// HTTP layer must not serialize them.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, name, key_hash, active, created_at, last_used_at, expires_at
		 FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed, expires sql.NullTime
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.Active,
			&k.CreatedAt, &lastUsed, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			k.LastUsedAt = &t
		}
		if expires.Valid {
			t := expires.Time
			k.ExpiresAt = &t
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}
