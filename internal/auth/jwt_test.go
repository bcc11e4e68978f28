package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/auth"
)

const secret = "test-secret"

func token(t *testing.T, role, tier string) string {
	t.Helper()
	signed, err := auth.Sign(secret, auth.Claims{
		Role: role,
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return signed
}

func TestMiddlewareEnforcesRoles(t *testing.T) {
	var seen *auth.Claims
	h := auth.Middleware(secret, auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleBuyer, ""))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleAdmin, "premium"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "user-1", seen.Subject)
	require.Equal(t, "premium", seen.Tier)
}

func TestOptionalPassesAnonymousRequests(t *testing.T) {
	called := false
	h := auth.Optional(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := auth.ClaimsFromContext(r.Context())
		require.False(t, ok)
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, called)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseRejectsWeakTokens(t *testing.T) {
	noExpiry, err := auth.Sign(secret, auth.Claims{Role: auth.RoleBuyer, RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}})
	require.NoError(t, err)
	_, err = auth.Parse(secret, noExpiry)
	require.Error(t, err)

	noSubject, err := auth.Sign(secret, auth.Claims{Role: auth.RoleBuyer, RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)
	_, err = auth.Parse(secret, noSubject)
	require.Error(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = auth.Parse(secret, hs512)
	require.Error(t, err)

	_, err = auth.Parse("other-secret", token(t, auth.RoleBuyer, ""))
	require.Error(t, err)
}

func TestHasRole(t *testing.T) {
	c := &auth.Claims{Role: auth.RoleSeller}
	require.True(t, c.HasRole(auth.RoleBuyer, auth.RoleSeller))
	require.False(t, c.HasRole(auth.RoleAdmin))
	require.False(t, c.HasRole())
}
