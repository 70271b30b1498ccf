package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/orgcoord/pkg/config"
)

func newTestManager(t *testing.T, keys map[string]string) *Manager {
	t.Helper()
	cfg := config.AuthConfig{Enabled: true, JWTSecret: "test-secret", TokenTTL: time.Hour}
	for key, role := range keys {
		hash, err := HashAPIKey(key)
		require.NoError(t, err)
		cfg.APIKeys = append(cfg.APIKeys, config.APIKeyConfig{Name: role + "-key", Hash: hash, Role: role})
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestNewManager_RejectsBadKeys(t *testing.T) {
	hash, err := HashAPIKey("k")
	require.NoError(t, err)

	_, err = NewManager(config.AuthConfig{APIKeys: []config.APIKeyConfig{{Name: "x", Hash: hash, Role: "root"}}})
	assert.True(t, errors.Is(err, ErrUnknownRole))

	_, err = NewManager(config.AuthConfig{APIKeys: []config.APIKeyConfig{{Name: "x", Hash: "plaintext", Role: "viewer"}}})
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	m := newTestManager(t, nil)

	token, expiresAt, err := m.GenerateToken("scheduler", "operator")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", claims.Subject)
	assert.Equal(t, "operator", claims.Role)
	assert.True(t, claims.HasPermission(PermWrite))
	assert.False(t, claims.HasPermission(PermComplete))
}

func TestValidateToken_Rejects(t *testing.T) {
	m := newTestManager(t, nil)
	token, _, err := m.GenerateToken("scheduler", "viewer")
	require.NoError(t, err)

	other, err := NewManager(config.AuthConfig{JWTSecret: "other-secret"})
	require.NoError(t, err)
	_, err = other.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrUnauthorized), "expired token accepted")

	_, _, err = m.GenerateToken("x", "root")
	assert.True(t, errors.Is(err, ErrUnknownRole))
}

func TestValidateAPIKey(t *testing.T) {
	m := newTestManager(t, map[string]string{"agent-secret": "agent"})

	claims, err := m.ValidateAPIKey("agent-secret")
	require.NoError(t, err)
	assert.Equal(t, "agent-key", claims.Subject)
	assert.True(t, claims.HasPermission(PermComplete))

	_, err = m.ValidateAPIKey("wrong")
	assert.True(t, errors.Is(err, ErrUnauthorized))
	_, err = m.ValidateAPIKey("")
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestAuthenticate(t *testing.T) {
	m := newTestManager(t, map[string]string{"viewer-secret": "viewer"})
	token, _, err := m.GenerateToken("ops", "admin")
	require.NoError(t, err)

	tests := []struct {
		name     string
		setup    func(r *http.Request)
		wantRole string
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, "admin"},
		{"api key", func(r *http.Request) { r.Header.Set("X-API-Key", "viewer-secret") }, "viewer"},
		{"query token", func(r *http.Request) { r.URL.RawQuery = "token=" + token }, "admin"},
		{"basic scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, ""},
		{"none", func(r *http.Request) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/coordinators", nil)
			tt.setup(r)
			claims, err := m.Authenticate(r)
			if tt.wantRole == "" {
				assert.True(t, errors.Is(err, ErrUnauthorized))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRole, claims.Role)
		})
	}
}

func TestClaimsContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, ClaimsFromContext(r.Context()))

	ctx := WithClaims(r.Context(), &Claims{Role: "viewer"})
	require.NotNil(t, ClaimsFromContext(ctx))
	assert.Equal(t, "viewer", ClaimsFromContext(ctx).Role)
}
