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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/cache"
)

const (
	defaultIssuer   = "acp"
	defaultAudience = "acp-api"
	defaultTokenTTL = 30 * time.Minute
)

// TokenService issues and validates HS256 session tokens. Logout writes a
// revocation marker keyed by jti, so a token stays dead even though its
// signature remains valid.
type TokenService struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	revoked  cache.Cache
}

// TokenConfig holds token issuance settings.
type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// NewTokenService creates a token service. The secret must already have
// passed config validation.
func NewTokenService(cfg TokenConfig, revoked cache.Cache) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTokenTTL
	}
	return &TokenService{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		revoked:  revoked,
	}, nil
}

// Issue signs a token for the user and returns it with its expiry.
func (s *TokenService) Issue(userID, username string, roles []string) (string, time.Time, error) {
	now := time.Now().UTC()
	expires := now.Add(s.ttl)

	builder := jwt.NewBuilder().
		JwtID(uuid.NewString()).
		Subject(userID).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		Expiration(expires).
		Claim("username", username)
	if len(roles) > 0 {
		builder = builder.Claim("roles", roles)
	}
	token, err := builder.Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), expires, nil
}

// Validate checks signature, expiry, issuer, audience and the revocation
// list, then returns the claims.
func (s *TokenService) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	jti := token.JwtID()
	if jti == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	if s.revoked != nil {
		_, found, err := s.revoked.Get(ctx, cache.RevocationKey(jti))
		if err != nil {
			return nil, fmt.Errorf("failed to check revocation: %w", err)
		}
		if found {
			return nil, ErrTokenRevoked
		}
	}

	claims := &Claims{
		Subject: token.Subject(),
		TokenID: jti,
		Method:  MethodJWT,
	}
	if username, ok := token.Get("username"); ok {
		if str, ok := username.(string); ok {
			claims.Username = str
		}
	}
	if roles, ok := token.Get("roles"); ok {
		if list, ok := roles.([]any); ok {
			for _, r := range list {
				if str, ok := r.(string); ok {
					claims.Roles = append(claims.Roles, str)
				}
			}
		}
	}
	return claims, nil
}

// Revoke invalidates a still-valid token. The revocation marker lives
// exactly as long as the token would have.
func (s *TokenService) Revoke(ctx context.Context, tokenString string) error {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	jti := token.JwtID()
	if jti == "" {
		return fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	if s.revoked == nil {
		return fmt.Errorf("revocation store not configured")
	}
	remaining := time.Until(token.Expiration())
	if remaining <= 0 {
		return nil
	}
	if err := s.revoked.Set(ctx, cache.RevocationKey(jti), "1", remaining); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	return nil
}
