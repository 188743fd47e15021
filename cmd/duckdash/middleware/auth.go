// Package middleware provides HTTP middleware for the duckdash API.
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/TFMV/duckdash/cmd/duckdash/config"
	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/handlers"
)

// AuthMiddleware authenticates API requests.
type AuthMiddleware struct {
	config config.AuthConfig
	logger zerolog.Logger

	hsKey []byte
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(cfg config.AuthConfig, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		config: cfg,
		logger: logger,
		hsKey:  []byte(cfg.JWTAuth.Secret),
	}
}

// Handler wraps next with authentication. With auth disabled requests pass
// through unchanged.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.authenticate(r)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			if m.config.Type == "basic" {
				w.Header().Set("WWW-Authenticate", `Basic realm="duckdash"`)
			} else {
				w.Header().Set("WWW-Authenticate", "Bearer")
			}
			handlers.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) authenticate(r *http.Request) (context.Context, error) {
	ctx := r.Context()
	if !m.config.Enabled {
		return ctx, nil
	}

	switch m.config.Type {
	case "basic":
		return m.authenticateBasic(r)
	case "bearer":
		return m.authenticateBearer(r)
	case "jwt":
		return m.authenticateJWT(r)
	default:
		return nil, errors.Newf(errors.CodeInternal, "unsupported auth type: %s", m.config.Type)
	}
}

func (m *AuthMiddleware) authenticateBasic(r *http.Request) (context.Context, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, errors.ErrUnauthorized.WithDetail("reason", "missing basic credentials")
	}

	userInfo, ok := m.config.BasicAuth.Users[username]
	if !ok {
		return nil, errors.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(userInfo.Password)) != 1 {
		return nil, errors.ErrUnauthorized
	}

	ctx := context.WithValue(r.Context(), contextKeyUser, username)
	ctx = context.WithValue(ctx, contextKeyRoles, userInfo.Roles)
	return ctx, nil
}

func (m *AuthMiddleware) authenticateBearer(r *http.Request) (context.Context, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	for candidate, username := range m.config.BearerAuth.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return context.WithValue(r.Context(), contextKeyUser, username), nil
		}
	}
	return nil, errors.ErrUnauthorized
}

// Claims are the JWT claims accepted by the API.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (m *AuthMiddleware) authenticateJWT(r *http.Request) (context.Context, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.JWTAuth.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.JWTAuth.Issuer))
	}
	if m.config.JWTAuth.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.config.JWTAuth.Audience))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.hsKey, nil
	}, opts...); err != nil {
		return nil, errors.Wrap(err, errors.CodeUnauthorized, "invalid token")
	}

	ctx := context.WithValue(r.Context(), contextKeyUser, claims.Subject)
	ctx = context.WithValue(ctx, contextKeyRoles, claims.Roles)
	return ctx, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.ErrUnauthorized.WithDetail("reason", "missing authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errors.ErrUnauthorized.WithDetail("reason", "invalid authorization header")
	}
	return token, nil
}

// IssueToken signs an HS256 token for subject, used by the CLI to mint
// tokens for a configured secret.
func IssueToken(cfg config.JWTAuthConfig, subject string, roles []string, claims jwt.RegisteredClaims) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("JWT secret is not configured")
	}
	claims.Subject = subject
	if claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}
	if len(claims.Audience) == 0 && cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Roles: roles, RegisteredClaims: claims}).
		SignedString([]byte(cfg.Secret))
}

// Context keys for authentication
type contextKey string

const (
	contextKeyUser  contextKey = "user"
	contextKeyRoles contextKey = "roles"
)

// GetUser extracts the authenticated user from context.
func GetUser(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(contextKeyUser).(string)
	return user, ok
}

// GetRoles extracts the user's roles from context.
func GetRoles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(contextKeyRoles).([]string)
	return roles, ok
}
