// Package auth verifies bearer tokens and gates handlers by role.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/nucleuslabs/adsgateway/internal/apierr"
)

// Role is the access level carried in a token.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleOps    Role = "ops"
	RoleViewer Role = "viewer"
)

// rank orders roles for the at-least checks; unknown roles rank below viewer.
func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOps:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r grants everything required does.
func (r Role) AtLeast(required Role) bool {
	return r.rank() >= required.rank()
}

// Claims is the token payload: the tenant the caller acts for and the role
// they hold.
type Claims struct {
	ClientID string `json:"client_id"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens and mints them for dev and tests.
type Verifier struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

// NewVerifier creates a verifier over a shared HMAC secret.
func NewVerifier(secret, issuer string, logger *zap.Logger) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, logger: logger}
}

// Mint issues a signed token for the client with the given role and TTL.
func (v *Verifier) Mint(clientID string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ClientID: clientID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a compact token string.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, apierr.Authentication(fmt.Sprintf("invalid token: %v", err))
	}
	if !token.Valid {
		return nil, apierr.Authentication("invalid token")
	}
	if claims.ClientID == "" {
		return nil, apierr.Authentication("token missing client_id claim")
	}
	return claims, nil
}

type contextKey struct{}

// FromContext returns the verified claims attached by Middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

// ErrorWriter renders a taxonomy error as the response body. The HTTP layer
// provides it so this package does not own the wire format.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware authenticates the bearer token and attaches the claims to the
// request context.
func (v *Verifier) Middleware(writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, r, apierr.Authentication("missing authorization header"))
				return
			}
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, r, apierr.Authentication("authorization header is not a bearer token"))
				return
			}

			claims, err := v.Verify(tokenString)
			if err != nil {
				v.logger.Warn("rejected token", zap.Error(err))
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), contextKey{}, claims)))
		})
	}
}

// Require gates a route on a minimum role. It must run after Middleware.
func Require(role Role, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := FromContext(r.Context())
			if !ok {
				writeError(w, r, apierr.Authentication("no credentials on request"))
				return
			}
			if !claims.Role.AtLeast(role) {
				writeError(w, r, apierr.Authorization(
					fmt.Sprintf("role %s cannot perform this operation", claims.Role)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
