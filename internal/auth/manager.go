// Package auth authenticates API callers with bcrypt-hashed API keys or the
// HS256 tokens minted from them.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/jordanhubbard/orgcoord/pkg/config"
)

// Permissions checked by the API
const (
	PermRead     = "coordinator:read"
	PermWrite    = "coordinator:write"
	PermComplete = "agent:complete"
	PermLogs     = "logs:read"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnknownRole  = errors.New("unknown role")
)

// Role is a named set of permissions
type Role struct {
	Name        string
	Permissions []string
}

// PreDefinedRoles are the roles an API key may carry
var PreDefinedRoles = map[string]Role{
	"admin":    {Name: "admin", Permissions: []string{PermRead, PermWrite, PermComplete, PermLogs}},
	"operator": {Name: "operator", Permissions: []string{PermRead, PermWrite, PermLogs}},
	"agent":    {Name: "agent", Permissions: []string{PermRead, PermComplete}},
	"viewer":   {Name: "viewer", Permissions: []string{PermRead}},
}

// Claims are carried in issued tokens
type Claims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// HasPermission reports whether the caller may perform permission
func (c *Claims) HasPermission(permission string) bool {
	return slices.Contains(c.Permissions, permission)
}

type apiKey struct {
	name string
	hash []byte
	role Role
}

// Manager validates credentials
type Manager struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	apiKeys   []apiKey
	now       func() time.Time
}

// NewManager builds a manager from config. Without a configured secret a
// random one is generated, so tokens do not survive a restart.
func NewManager(cfg config.AuthConfig) (*Manager, error) {
	secret := cfg.JWTSecret
	if secret == "" {
		secret = generateRandomSecret(32)
		log.Printf("[Auth] Generated random JWT secret for session (not persistent)")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	m := &Manager{jwtSecret: []byte(secret), tokenTTL: ttl, now: time.Now}
	for _, k := range cfg.APIKeys {
		role, ok := PreDefinedRoles[k.Role]
		if !ok {
			return nil, fmt.Errorf("api key %q: %w %q", k.Name, ErrUnknownRole, k.Role)
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("api key %q: hash is not bcrypt: %w", k.Name, err)
		}
		m.apiKeys = append(m.apiKeys, apiKey{name: k.Name, hash: []byte(k.Hash), role: role})
	}
	return m, nil
}

// HashAPIKey returns the bcrypt hash to put in auth.api_keys
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GenerateToken creates a token for subject with role's permissions
func (m *Manager) GenerateToken(subject, roleName string) (string, time.Time, error) {
	role, ok := PreDefinedRoles[roleName]
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w %q", ErrUnknownRole, roleName)
	}

	now := m.now()
	expiresAt := now.Add(m.tokenTTL)
	claims := &Claims{
		Role:        role.Name,
		Permissions: role.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "orgcoord",
			Subject:   subject,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateToken validates a token and returns its claims
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("orgcoord"),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// ValidateAPIKey returns claims for a configured key
func (m *Manager) ValidateAPIKey(key string) (*Claims, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: missing API key", ErrUnauthorized)
	}
	for _, k := range m.apiKeys {
		if bcrypt.CompareHashAndPassword(k.hash, []byte(key)) == nil {
			return &Claims{
				Role:             k.role.Name,
				Permissions:      k.role.Permissions,
				RegisteredClaims: jwt.RegisteredClaims{Subject: k.name},
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: invalid API key", ErrUnauthorized)
}

// Authenticate checks, in order, a bearer token, an X-API-Key header and a
// token query parameter. Browsers cannot set headers on websocket upgrades.
func (m *Manager) Authenticate(r *http.Request) (*Claims, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return nil, fmt.Errorf("%w: unsupported authorization scheme", ErrUnauthorized)
		}
		return m.ValidateToken(strings.TrimSpace(token))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return m.ValidateAPIKey(key)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return m.ValidateToken(token)
	}
	return nil, fmt.Errorf("%w: missing credentials", ErrUnauthorized)
}

type contextKey struct{}

// WithClaims attaches claims to ctx
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// ClaimsFromContext returns the caller's claims, or nil when auth is off
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(contextKey{}).(*Claims)
	return c
}

func generateRandomSecret(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}
