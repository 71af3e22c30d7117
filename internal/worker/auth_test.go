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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/internal/taskrun"
	"github.com/tombee/lattice/pkg/function"
)

const testSecret = "worker-test-secret-of-enough-length"

func testAuth() AuthConfig {
	return AuthConfig{Secret: []byte(testSecret), Issuer: "lattice", Audience: "gpu-pool"}
}

func sign(t *testing.T, method jwt.SigningMethod, claims Claims, key []byte) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func claimsFor(iss, aud string, exp time.Time, scopes ...string) Claims {
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   iss,
			Subject:  "dispatcher",
			IssuedAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Scopes: scopes,
	}
	if !exp.IsZero() {
		c.ExpiresAt = jwt.NewNumericDate(exp)
	}
	if aud != "" {
		c.Audience = jwt.ClaimStrings{aud}
	}
	return c
}

func TestGenerateToken_RoundTrip(t *testing.T) {
	cfg := testAuth()
	tok, exp, err := GenerateToken("dispatcher", []string{ScopeJobs}, cfg)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), exp, 5*time.Second)

	claims, err := ValidateToken(tok, cfg)
	require.NoError(t, err)
	assert.Equal(t, "dispatcher", claims.Subject)
	assert.Equal(t, []string{ScopeJobs}, claims.Scopes)
	assert.Equal(t, jwt.ClaimStrings{"gpu-pool"}, claims.Audience)
}

func TestGenerateToken_RequiresSecret(t *testing.T) {
	_, _, err := GenerateToken("dispatcher", nil, AuthConfig{Issuer: "lattice"})
	assert.Error(t, err)
}

func TestValidateToken_Rejects(t *testing.T) {
	cfg := testAuth()
	key := []byte(testSecret)
	later := time.Now().Add(time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.jwt"},
		{name: "wrong secret", token: sign(t, jwt.SigningMethodHS256, claimsFor("lattice", "gpu-pool", later), []byte("some-other-secret-entirely"))},
		{name: "wrong issuer", token: sign(t, jwt.SigningMethodHS256, claimsFor("mallory", "gpu-pool", later), key)},
		{name: "wrong audience", token: sign(t, jwt.SigningMethodHS256, claimsFor("lattice", "cpu-pool", later), key)},
		{name: "no audience", token: sign(t, jwt.SigningMethodHS256, claimsFor("lattice", "", later), key)},
		{name: "expired", token: sign(t, jwt.SigningMethodHS256, claimsFor("lattice", "gpu-pool", time.Now().Add(-time.Minute)), key)},
		{name: "no expiry", token: sign(t, jwt.SigningMethodHS256, claimsFor("lattice", "gpu-pool", time.Time{}), key)},
		{name: "other algorithm", token: sign(t, jwt.SigningMethodHS512, claimsFor("lattice", "gpu-pool", later), key)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateToken(tt.token, cfg)
			assert.Error(t, err)
		})
	}
}

func TestValidateToken_ClockSkew(t *testing.T) {
	cfg := testAuth()
	tok := sign(t, jwt.SigningMethodHS256, claimsFor("lattice", "gpu-pool", time.Now().Add(-10*time.Second)), []byte(testSecret))

	_, err := ValidateToken(tok, cfg)
	assert.Error(t, err)

	cfg.ClockSkew = time.Minute
	_, err = ValidateToken(tok, cfg)
	assert.NoError(t, err)
}

func TestRequireScope(t *testing.T) {
	w, err := New(Config{
		DataDir: t.TempDir(),
		Auth:    testAuth(),
		Env:     taskrun.Env{Functions: function.NewRegistry()},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(w)
	defer srv.Close()

	key := []byte(testSecret)
	later := time.Now().Add(time.Hour)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "no token", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + sign(t, jwt.SigningMethodHS256, claimsFor("lattice", "gpu-pool", later, ScopeJobs), []byte("some-other-secret-entirely")), want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + sign(t, jwt.SigningMethodHS256, claimsFor("lattice", "gpu-pool", time.Now().Add(-time.Minute), ScopeJobs), key), want: http.StatusUnauthorized},
		{name: "assets scope only", header: "Bearer " + sign(t, jwt.SigningMethodHS256, claimsFor("lattice", "gpu-pool", later, ScopeAssets), key), want: http.StatusForbidden},
		// passes auth and reaches the handler
		{name: "jobs scope", header: "Bearer " + sign(t, jwt.SigningMethodHS256, claimsFor("lattice", "gpu-pool", later, ScopeJobs), key), want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/jobs/missing", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
