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

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/cache"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTokenService(t *testing.T) (*TokenService, *cache.MemoryCache) {
	t.Helper()
	revoked := cache.NewMemoryCache()
	svc, err := NewTokenService(TokenConfig{Secret: testSecret}, revoked)
	require.NoError(t, err)
	return svc, revoked
}

func TestTokenIssueAndValidate(t *testing.T) {
	svc, _ := newTokenService(t)
	ctx := context.Background()

	token, expires, err := svc.Issue("user-1", "casey", []string{"analyst"})
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	claims, err := svc.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "casey", claims.Username)
	assert.Equal(t, []string{"analyst"}, claims.Roles)
	assert.NotEmpty(t, claims.TokenID)
	assert.Equal(t, MethodJWT, claims.Method)
	assert.True(t, claims.HasRole("analyst"))
	assert.False(t, claims.HasRole("admin"))
}

func TestTokenValidateRejectsTampering(t *testing.T) {
	svc, _ := newTokenService(t)
	ctx := context.Background()

	token, _, err := svc.Issue("user-1", "casey", nil)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, token+"x")
	require.ErrorIs(t, err, ErrInvalidToken)

	// token signed with a different secret
	other, err := NewTokenService(TokenConfig{Secret: "ffffffffffffffffffffffffffffffff"}, nil)
	require.NoError(t, err)
	foreign, _, err := other.Issue("user-1", "casey", nil)
	require.NoError(t, err)
	_, err = svc.Validate(ctx, foreign)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRevocation(t *testing.T) {
	svc, revoked := newTokenService(t)
	ctx := context.Background()

	token, _, err := svc.Issue("user-1", "casey", nil)
	require.NoError(t, err)

	claims, err := svc.Validate(ctx, token)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, token))

	_, err = svc.Validate(ctx, token)
	require.ErrorIs(t, err, ErrTokenRevoked)

	// the marker carries the token's remaining lifetime
	_, found, err := revoked.Get(ctx, cache.RevocationKey(claims.TokenID))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery", hash)

	assert.True(t, VerifyPassword(hash, "correct horse battery"))
	assert.False(t, VerifyPassword(hash, "wrong"))

	_, err = HashPassword("short")
	require.Error(t, err)
}

func TestAPIKeyGeneration(t *testing.T) {
	plaintext, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, IsAPIKey(plaintext))
	assert.Equal(t, HashAPIKey(plaintext), hash)
	assert.Len(t, hash, 64)

	other, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, other)

	assert.False(t, IsAPIKey("eyJhbGciOiJIUzI1NiJ9.x.y"))
}

func TestSensitivityGate(t *testing.T) {
	tests := []struct {
		name        string
		perms       map[string]bool
		sensitivity string
		allowed     bool
	}{
		{"public needs nothing", nil, store.SensitivityPublic, true},
		{"internal denied without grant", map[string]bool{store.PermSearchQuery: true}, store.SensitivityInternal, false},
		{"internal allowed", map[string]bool{store.PermDataViewSensitive: true}, store.SensitivityInternal, true},
		{"confidential needs its own grant", map[string]bool{store.PermDataViewSensitive: true}, store.SensitivityConfidential, false},
		{"restricted allowed", map[string]bool{store.PermDataViewRestricted: true}, store.SensitivityRestricted, true},
		{"unknown tier gates at restricted", map[string]bool{store.PermDataViewConfidential: true}, "mystery", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanViewSensitivity(tt.perms, tt.sensitivity))
		})
	}
}

func TestVisibleSensitivities(t *testing.T) {
	visible := VisibleSensitivities(map[string]bool{
		store.PermDataViewSensitive: true,
	})
	assert.Equal(t, []string{store.SensitivityPublic, store.SensitivityInternal}, visible)

	visible = VisibleSensitivities(nil)
	assert.Equal(t, []string{store.SensitivityPublic}, visible)
}
