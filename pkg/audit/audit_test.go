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
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChain(t *testing.T) (*Chain, *SQLStore) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)

	return NewChain(store), store
}

func TestChainAppendLinksEntries(t *testing.T) {
	ctx := context.Background()
	chain, _ := newTestChain(t)

	first, err := chain.Append(ctx, Record{
		Action:   ActionIngestStart,
		UserID:   "user-1",
		Severity: SeverityLow,
		Details:  map[string]any{"job_id": "job-1"},
	})
	require.NoError(t, err)
	assert.Empty(t, first.PreviousHash)
	assert.NotEmpty(t, first.Hash)

	second, err := chain.Append(ctx, Record{
		Action:   ActionIngestComplete,
		UserID:   "user-1",
		Severity: SeverityLow,
	})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.Greater(t, second.ID, first.ID)
}

func TestVerifyChainUntampered(t *testing.T) {
	ctx := context.Background()
	chain, _ := newTestChain(t)

	for i := 0; i < 5; i++ {
		_, err := chain.Append(ctx, Record{
			Action:  ActionSearchQuery,
			UserID:  "analyst",
			Details: map[string]any{"results": i},
		})
		require.NoError(t, err)
	}

	result, err := chain.VerifyChain(ctx, 0)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 5, result.Verified)
	assert.Empty(t, result.Errors)
}

func TestVerifyChainDetectsTamperedDetails(t *testing.T) {
	ctx := context.Background()
	chain, store := newTestChain(t)

	var target *Entry
	for i := 0; i < 3; i++ {
		entry, err := chain.Append(ctx, Record{
			Action:  ActionIngestComplete,
			Details: map[string]any{"chunks_created": 10 + i},
		})
		require.NoError(t, err)
		if i == 1 {
			target = entry
		}
	}

	// Mutate the middle entry's details behind the chain's back.
	_, err := store.db.Exec(
		`UPDATE audit_logs SET details = ? WHERE id = ?`,
		`{"chunks_created":9999}`, target.ID)
	require.NoError(t, err)

	result, err := chain.VerifyChain(ctx, 0)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "entry 2")
	assert.Equal(t, 2, result.Verified)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	ctx := context.Background()
	chain, store := newTestChain(t)

	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, Record{Action: ActionAuthLogin})
		require.NoError(t, err)
	}

	// Rewrite an entry wholesale: consistent hash, broken link.
	forged := &Entry{
		Action:    ActionAuthLogin,
		Severity:  SeverityLow,
		CreatedAt: mustGet(t, store, 2).CreatedAt,
	}
	forged.PreviousHash = "0000000000000000000000000000000000000000000000000000000000000000"
	hash, err := ComputeHash(forged)
	require.NoError(t, err)
	_, err = store.db.Exec(
		`UPDATE audit_logs SET previous_hash = ?, hash = ? WHERE id = 2`,
		forged.PreviousHash, hash)
	require.NoError(t, err)

	result, err := chain.VerifyChain(ctx, 0)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestComputeHashDeterministic(t *testing.T) {
	entry := &Entry{
		Action:   ActionPIIDetected,
		UserID:   "u",
		Details:  map[string]any{"b": 2, "a": 1},
		Severity: SeverityMedium,
	}

	h1, err := ComputeHash(entry)
	require.NoError(t, err)
	h2, err := ComputeHash(entry)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestAppendRequiresAction(t *testing.T) {
	chain, _ := newTestChain(t)
	_, err := chain.Append(context.Background(), Record{})
	assert.Error(t, err)
}

func mustGet(t *testing.T, store *SQLStore, id int64) *Entry {
	t.Helper()
	entry, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return entry
}
