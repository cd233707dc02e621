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
	"net/http"
	"strings"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
)

// Middleware authenticates requests from either a bearer JWT or an API key
// and attaches the resolved claims to the request context.
type Middleware struct {
	tokens *TokenService
	store  *store.Store
	authz  *Authorizer
}

// NewMiddleware wires the middleware over its dependencies.
func NewMiddleware(tokens *TokenService, s *store.Store) *Middleware {
	return &Middleware{tokens: tokens, store: s, authz: NewAuthorizer(s)}
}

// Authenticate rejects requests without a valid credential.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, ok := bearerCredential(r)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}

		var claims *Claims
		var err error
		if IsAPIKey(credential) {
			claims, err = m.authenticateAPIKey(r.Context(), credential)
		} else {
			claims, err = m.tokens.Validate(r.Context(), credential)
		}
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		ctx := ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission gates a route on one RBAC permission. It must run after
// Authenticate.
func (m *Middleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if err := m.authz.Require(r.Context(), claims.Subject, permission); err != nil {
				writeAuthError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) authenticateAPIKey(ctx context.Context, plaintext string) (*Claims, error) {
	key, err := m.store.FindAPIKeyByHash(ctx, HashAPIKey(plaintext))
	if err != nil {
		return nil, ErrInvalidToken
	}
	user, err := m.store.GetUser(ctx, key.UserID)
	if err != nil || !user.Active {
		return nil, ErrInvalidToken
	}
	// last_used_at is advisory; a failed touch must not fail the request
	_ = m.store.TouchAPIKey(ctx, key.ID)

	roles, err := m.store.RolesForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &Claims{
		Subject:  user.ID,
		Username: user.Username,
		Roles:    roles,
		Method:   MethodAPIKey,
	}, nil
}

func bearerCredential(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	credential := strings.TrimPrefix(header, "Bearer ")
	if credential == header || credential == "" {
		return "", false
	}
	return credential, true
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
