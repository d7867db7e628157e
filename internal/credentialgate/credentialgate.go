// Package credentialgate implements the platform's Credential Gate: API
// key and signed-token authentication, scope extraction, per-credential
// rate limiting and tenant-status enforcement.
package credentialgate

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fluxgate/realtime/internal/apierr"
	"github.com/fluxgate/realtime/internal/domain"
	"github.com/fluxgate/realtime/internal/identitystore"
)

// keyPrefix marks an opaque API key, distinguishing it from a signed JWT on
// the wire without needing to attempt a parse first.
const keyPrefix = "rtk_"

// Store is the subset of identitystore.Store the gate depends on — kept
// as an interface so tests can supply an in-memory fake.
type Store interface {
	GetAPIKeyByLookupHash(ctx context.Context, lookupHash string) (*domain.ApiKey, error)
	CreateAPIKey(ctx context.Context, k domain.ApiKey) error
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

var _ Store = (*identitystore.Store)(nil)

// AuthContext is the authenticated identity resolved from a request's
// credential, threaded through Ingress, the Connection Registry and the
// admin HTTP surface.
type AuthContext struct {
	TenantID        string
	ProjectID       string // empty for JWT principals not scoped to a project
	PrincipalID     string
	PrincipalKind   PrincipalKind
	Scopes          domain.ScopeSet
	Role            domain.UserRole // zero value for API key principals
	RateLimitPerSec int
}

// PrincipalKind distinguishes the two credential shapes: opaque API keys
// and signed tokens.
type PrincipalKind string

const (
	PrincipalAPIKey PrincipalKind = "api_key"
	PrincipalUser   PrincipalKind = "user"
)

// Gate is the Credential Gate. It is constructed once in the composition
// root and injected everywhere auth is needed — never a package global.
type Gate struct {
	store      Store
	jwtSecret  []byte
	hashPepper []byte
	limiter    *rateLimiter
}

// New builds a Gate. hashPepper keys the API key lookup hash; jwtSecret
// verifies signed tokens. Both must be non-empty — config.Load already
// enforces that upstream.
func New(store Store, jwtSecret, hashPepper string) *Gate {
	return &Gate{
		store:      store,
		jwtSecret:  []byte(jwtSecret),
		hashPepper: []byte(hashPepper),
		limiter:    newRateLimiter(),
	}
}

// LookupHash computes the keyed digest used to index API keys. Deliberately
// not bcrypt: the store does a single indexed equality lookup on every
// request, which needs a fast, fixed-size digest; bcrypt is intentionally
// slow and has no stable output to index on.
func (g *Gate) LookupHash(secret string) string {
	mac := hmac.New(sha256.New, g.hashPepper)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// MintAPIKey generates a new key ID + secret pair, persists the key record
// with its lookup hash, and returns the full credential string to hand to
// the tenant exactly once.
func (g *Gate) MintAPIKey(ctx context.Context, tenantID, projectID string, scopes domain.ScopeSet, rateLimitPerSec int) (domain.ApiKey, string, error) {
	keyID, err := randomHex(8)
	if err != nil {
		return domain.ApiKey{}, "", fmt.Errorf("credentialgate: generate key id: %w", err)
	}
	secret, err := randomHex(24)
	if err != nil {
		return domain.ApiKey{}, "", fmt.Errorf("credentialgate: generate secret: %w", err)
	}

	key := domain.ApiKey{
		ID:              keyID,
		TenantID:        tenantID,
		ProjectID:       projectID,
		LookupHash:      g.LookupHash(secret),
		Scopes:          scopes,
		RateLimitPerSec: rateLimitPerSec,
		IsActive:        true,
	}
	if err := g.store.CreateAPIKey(ctx, key); err != nil {
		return domain.ApiKey{}, "", fmt.Errorf("credentialgate: persist api key: %w", err)
	}
	full := fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret)
	return key, full, nil
}

// Authenticate resolves the bearer credential on r into an AuthContext,
// enforcing tenant status and the credential's rate limit as it goes.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (*AuthContext, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	return g.AuthenticateToken(ctx, token)
}

// AuthenticateToken is Authenticate's transport-independent core, reused by
// the WebSocket and SSE handlers which receive the credential via query
// parameter or subprotocol instead of a header.
func (g *Gate) AuthenticateToken(ctx context.Context, token string) (*AuthContext, error) {
	var authCtx *AuthContext
	var err error
	if strings.HasPrefix(token, keyPrefix) {
		authCtx, err = g.authenticateAPIKey(ctx, token)
	} else {
		authCtx, err = g.authenticateJWT(ctx, token)
	}
	if err != nil {
		return nil, err
	}

	tenant, tErr := g.store.GetTenant(ctx, authCtx.TenantID)
	if tErr != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to load tenant", tErr)
	}
	if tenant == nil || !tenant.Status.CanPublishOrSubscribe() {
		return nil, apierr.New(apierr.CodeTenantSuspended, "tenant is not active")
	}

	if !g.limiter.allow(authCtx.PrincipalID, authCtx.RateLimitPerSec) {
		return nil, apierr.New(apierr.CodeRateLimited, "rate limit exceeded")
	}
	return authCtx, nil
}

func (g *Gate) authenticateAPIKey(ctx context.Context, token string) (*AuthContext, error) {
	rest := strings.TrimPrefix(token, keyPrefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return nil, apierr.New(apierr.CodeUnauthenticated, "malformed api key")
	}
	secret := parts[1]

	key, err := g.store.GetAPIKeyByLookupHash(ctx, g.LookupHash(secret))
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to look up api key", err)
	}
	if key == nil || !key.IsActive {
		return nil, apierr.New(apierr.CodeUnauthenticated, "invalid api key")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, apierr.New(apierr.CodeUnauthenticated, "api key expired")
	}

	rateLimit := key.RateLimitPerSec
	if rateLimit == 0 {
		rateLimit = domain.DefaultTokenRateLimitPerSec
	}
	return &AuthContext{
		TenantID:        key.TenantID,
		ProjectID:       key.ProjectID,
		PrincipalID:     key.ID,
		PrincipalKind:   PrincipalAPIKey,
		Scopes:          key.Scopes,
		RateLimitPerSec: rateLimit,
	}, nil
}

// tokenClaims is the JWT claim shape the platform issues and verifies.
// Scope is serialized as the exact wire tokens from domain.Scope — never a
// debug-formatted representation.
type tokenClaims struct {
	jwt.RegisteredClaims
	TenantID  string   `json:"tenant_id"`
	ProjectID string   `json:"project_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Role      string   `json:"role,omitempty"`
	Scopes    []string `json:"scopes"`
}

func (g *Gate) authenticateJWT(ctx context.Context, token string) (*AuthContext, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return g.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apierr.New(apierr.CodeUnauthenticated, "invalid or expired token")
	}
	if claims.TenantID == "" {
		return nil, apierr.New(apierr.CodeUnauthenticated, "token missing tenant_id claim")
	}

	scopes := make([]domain.Scope, 0, len(claims.Scopes))
	for _, sc := range claims.Scopes {
		scopes = append(scopes, domain.Scope(sc))
	}

	return &AuthContext{
		TenantID:        claims.TenantID,
		ProjectID:       claims.ProjectID,
		PrincipalID:     claims.UserID,
		PrincipalKind:   PrincipalUser,
		Scopes:          domain.NewScopeSet(scopes...),
		Role:            domain.UserRole(claims.Role),
		RateLimitPerSec: domain.DefaultTokenRateLimitPerSec,
	}, nil
}

// IssueJWT mints a signed token for a human principal. Used by the
// (interface-only) admin login surface and by tests.
func (g *Gate) IssueJWT(userID string, t domain.User, scopes domain.ScopeSet, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		TenantID: t.TenantID,
		UserID:   userID,
		Role:     string(t.Role),
		Scopes:   scopes.Tokens(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.jwtSecret)
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", apierr.New(apierr.CodeUnauthenticated, "missing Authorization header")
	}
	for _, prefix := range [...]string{"Bearer ", "ApiKey "} {
		if strings.HasPrefix(h, prefix) {
			return strings.TrimPrefix(h, prefix), nil
		}
	}
	return "", apierr.New(apierr.CodeUnauthenticated, "malformed Authorization header")
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
