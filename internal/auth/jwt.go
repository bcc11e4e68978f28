package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles known to the escrow and dispatch core.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// Claims extends standard registered claims with role and rate-limit tier.
// The subject claim identifies the caller.
type Claims struct {
	Role string `json:"role"`
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// Middleware requires a valid bearer token and, when roles are given, one of
// those roles. Missing or bad tokens get 401, a wrong role 403.
func Middleware(secret string, roles ...string) func(http.Handler) http.Handler {
	return guard(secret, true, roles)
}

// Optional attaches claims when a bearer token is present. Anonymous requests
// pass through; a token that fails verification is still a 401.
func Optional(secret string) func(http.Handler) http.Handler {
	return guard(secret, false, nil)
}

func guard(secret string, required bool, roles []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				if required {
					http.Error(w, "missing token", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			claims, err := Parse(secret, raw)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if len(roles) > 0 && !claims.HasRole(roles...) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// HasRole reports whether the caller holds any of roles.
func (c *Claims) HasRole(roles ...string) bool {
	return slices.Contains(roles, c.Role)
}

// Parse verifies an HS256 token and requires a subject.
func Parse(secret, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errMissingSubject
	}
	return claims, nil
}

// Sign issues an HS256 token for claims.
func Sign(secret string, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims attached by Middleware or Optional.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

var errMissingSubject = errors.New("token has no subject")

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
