// Copyright 2025 Tom Barlow
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

package worker

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token scopes.
const (
	ScopeJobs   = "jobs"
	ScopeAssets = "assets"
)

// AuthConfig configures HS256 bearer-token authentication between
// dispatchers and workers. Authentication is disabled when Secret is
// empty.
type AuthConfig struct {
	// Secret is the HS256 signing key.
	Secret []byte

	// Issuer is the expected issuer claim.
	Issuer string

	// Audience is the expected audience claim.
	Audience string

	// ClockSkew allows for clock skew when validating exp/nbf claims.
	ClockSkew time.Duration

	// TokenTTL is the lifetime of generated tokens. Default 15m.
	TokenTTL time.Duration
}

// Enabled reports whether requests must carry a token.
func (c AuthConfig) Enabled() bool {
	return len(c.Secret) > 0
}

// Claims are the JWT claims a dispatcher presents to a worker.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// ValidateToken parses and validates a bearer token.
func ValidateToken(tokenString string, cfg AuthConfig) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		if len(cfg.Secret) == 0 {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
		return cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", cfg.Issuer, claims.Issuer)
	}
	if cfg.Audience != "" && !slices.Contains(claims.Audience, cfg.Audience) {
		return nil, fmt.Errorf("invalid audience: expected %s", cfg.Audience)
	}
	return claims, nil
}

// GenerateToken signs a token for subject with the given scopes.
func GenerateToken(subject string, scopes []string, cfg AuthConfig) (string, time.Time, error) {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := time.Now()
	expires := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Scopes: scopes,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	if len(cfg.Secret) == 0 {
		return "", time.Time{}, fmt.Errorf("no signing key configured")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// requireScope wraps h so that it only serves requests bearing a valid
// token with scope.
func requireScope(cfg AuthConfig, scope string, h http.HandlerFunc) http.HandlerFunc {
	if !cfg.Enabled() {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := ValidateToken(strings.TrimSpace(raw), cfg)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !slices.Contains(claims.Scopes, scope) {
			writeError(w, http.StatusForbidden, "token lacks scope "+scope)
			return
		}
		h(w, r)
	}
}
