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

// Package auth provides authentication and authorization: signed session
// tokens with revocation, long-lived API keys, and permission checks against
// the RBAC tables.
package auth

import (
	"context"
	"errors"
)

// Common authentication errors.
var (
	// ErrUnauthorized is returned when authentication is required but not provided.
	ErrUnauthorized = errors.New("unauthorized: authentication required")

	// ErrForbidden is returned when the caller lacks a required permission.
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrInvalidToken is returned when a token cannot be validated.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenRevoked is returned when a token was logged out before expiry.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrInvalidCredentials is returned on a failed login.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Credential method values recorded on Claims.
const (
	MethodJWT    = "jwt"
	MethodAPIKey = "api_key"
)

// Claims is the resolved identity of an authenticated caller.
type Claims struct {
	// Subject is the user id.
	Subject string `json:"sub"`

	// Username is the login name.
	Username string `json:"username,omitempty"`

	// Roles are the user's role names at token issue time.
	Roles []string `json:"roles,omitempty"`

	// TokenID is the jti claim; revocation is keyed on it.
	TokenID string `json:"-"`

	// Method records how the caller authenticated.
	Method string `json:"-"`
}

// HasRole checks whether the claims carry a role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey string

const claimsContextKey contextKey = "acp_auth_claims"

// ContextWithClaims returns a context carrying the claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext extracts claims, or nil when unauthenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}
