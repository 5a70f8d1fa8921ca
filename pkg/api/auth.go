package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/treasury/pkg/treasury"
)

// Principal is the authenticated caller: a token subject resolved to one of
// the two treasury roles.
type Principal struct {
	Subject string
	Role    treasury.Role
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Principal{}, fmt.Errorf("no principal in context")
	}
	return p, nil
}

// TreasuryClaims are the JWT claims expected by the treasury API.
type TreasuryClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// JWTValidator validates bearer tokens and resolves the caller's role.
// Subjects, when non-empty, binds token subjects to role names; tokens from
// unbound subjects are rejected even if their role claim looks right.
type JWTValidator struct {
	secret   []byte
	subjects map[string]string
}

// NewJWTValidator creates a validator over an HMAC secret.
func NewJWTValidator(secret []byte, subjects map[string]string) (*JWTValidator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret must be non-empty")
	}
	return &JWTValidator{secret: secret, subjects: subjects}, nil
}

// Validate parses the token and returns the resolved principal.
func (v *JWTValidator) Validate(tokenStr string) (Principal, error) {
	claims := &TreasuryClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("invalid token")
	}

	role := claims.Role
	if len(v.subjects) > 0 {
		bound, ok := v.subjects[claims.Subject]
		if !ok {
			return Principal{}, fmt.Errorf("subject %q is not bound to a treasury role", claims.Subject)
		}
		role = bound
	}
	if role == "" {
		return Principal{}, fmt.Errorf("token carries no role")
	}
	return Principal{Subject: claims.Subject, Role: treasury.Role(role)}, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// AuthMiddleware creates JWT auth middleware. A nil validator rejects all
// non-public requests (fail closed).
func AuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				WriteUnauthorized(w, "Authorization header must be a Bearer token")
				return
			}
			if validator == nil {
				WriteUnauthorized(w, "Authentication is not configured")
				return
			}

			principal, err := validator.Validate(tokenStr)
			if err != nil {
				WriteUnauthorized(w, "Invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
