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

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store persists audit entries in insertion order.
type Store interface {
	// Insert assigns the entry's ID and persists it.
	Insert(ctx context.Context, e *Entry) error

	// LastHash returns the hash of the most recently inserted entry, or
	// "" when the chain is empty.
	LastHash(ctx context.Context) (string, error)

	// List returns entries in insertion order. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*Entry, error)

	// Get returns one entry by id.
	Get(ctx context.Context, id int64) (*Entry, error)
}

// Chain appends hash-linked entries to a Store. Append is serialized so the
// previous_hash link always refers to the immediately preceding entry.
type Chain struct {
	store Store
	mu    sync.Mutex

	// lastHash caches the chain head; loaded lazily from the store.
	lastHash string
	loaded   bool
}

// NewChain creates a chain over the given store.
func NewChain(store Store) *Chain {
	return &Chain{store: store}
}

// Record is the Append input. CreatedAt is assigned by the chain.
type Record struct {
	Action       string
	UserID       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	Severity     Severity
	IPAddress    string
	UserAgent    string
}

// Append builds, hashes and persists one entry linked to the current head.
func (c *Chain) Append(ctx context.Context, rec Record) (*Entry, error) {
	if rec.Action == "" {
		return nil, fmt.Errorf("audit action is required")
	}
	if rec.Severity == "" {
		rec.Severity = SeverityLow
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		head, err := c.store.LastHash(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load chain head: %w", err)
		}
		c.lastHash = head
		c.loaded = true
	}

	entry := &Entry{
		Action:       rec.Action,
		UserID:       rec.UserID,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		Details:      rec.Details,
		Severity:     rec.Severity,
		IPAddress:    rec.IPAddress,
		UserAgent:    rec.UserAgent,
		PreviousHash: c.lastHash,
		CreatedAt:    time.Now().UTC(),
	}

	hash, err := ComputeHash(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to hash audit entry: %w", err)
	}
	entry.Hash = hash

	if err := c.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	c.lastHash = entry.Hash
	return entry, nil
}

// MustAppend logs instead of failing; used on paths where the audited
// operation has already happened and must not be rolled back.
func (c *Chain) MustAppend(ctx context.Context, rec Record) {
	if _, err := c.Append(ctx, rec); err != nil {
		slog.Error("audit append failed", "action", rec.Action, "error", err)
	}
}

// VerifyChain recomputes every entry hash and checks the previous_hash links.
// limit <= 0 verifies the whole chain.
func (c *Chain) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	entries, err := c.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	result := &VerifyResult{Valid: true, Total: len(entries)}

	var prevHash string
	for i, entry := range entries {
		recomputed, err := ComputeHash(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to recompute hash for entry %d: %w", entry.ID, err)
		}

		if recomputed != entry.Hash {
			result.Valid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("entry %d: stored hash does not match recomputed hash", entry.ID))
			prevHash = entry.Hash
			continue
		}

		// Only check linkage from the second verified entry; when List is
		// limited we may not see the true genesis.
		if i > 0 && entry.PreviousHash != prevHash {
			result.Valid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("entry %d: previous_hash does not match predecessor", entry.ID))
			prevHash = entry.Hash
			continue
		}

		result.Verified++
		prevHash = entry.Hash
	}

	return result, nil
}
