package middleware

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/RenderFox/internal/pkg/supabase"
	"github.com/ManuelReschke/RenderFox/internal/pkg/usercontext"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func signToken(t *testing.T, secret string, claims SupabaseClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() SupabaseClaims {
	return SupabaseClaims{
		Email: "ana@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "9d2c6c1e-2f7a-4d8e-bf4c-7d5a0f1e3b21",
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func newAuthApp(verifier TokenVerifier) *fiber.App {
	app := fiber.New()
	app.Get("/me", SupabaseAuth(verifier), func(c *fiber.Ctx) error {
		u := usercontext.GetUserContext(c)
		return c.SendString(u.UserID + "|" + u.Email)
	})
	return app
}

func TestSupabaseAuthWithJWT(t *testing.T) {
	verifier := NewVerifier(testSecret, nil)
	app := newAuthApp(verifier)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongAudience := validClaims()
	wrongAudience.Audience = jwt.ClaimStrings{"anon"}
	noSubject := validClaims()
	noSubject.Subject = ""

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"valid header", "Bearer " + signToken(t, testSecret, validClaims()), "", 200, "9d2c6c1e-2f7a-4d8e-bf4c-7d5a0f1e3b21|ana@example.com"},
		{"valid query token", "", signToken(t, testSecret, validClaims()), 200, "9d2c6c1e-2f7a-4d8e-bf4c-7d5a0f1e3b21|ana@example.com"},
		{"missing", "", "", 401, ""},
		{"wrong secret", "Bearer " + signToken(t, "another-secret-another-secret-another", validClaims()), "", 401, ""},
		{"expired", "Bearer " + signToken(t, testSecret, expired), "", 401, ""},
		{"wrong audience", "Bearer " + signToken(t, testSecret, wrongAudience), "", 401, ""},
		{"no subject", "Bearer " + signToken(t, testSecret, noSubject), "", 401, ""},
		{"garbage", "Bearer not.a.jwt", "", 401, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/me"
			if tt.query != "" {
				target += "?access_token=" + tt.query
			}
			req := httptest.NewRequest("GET", target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantBody != "" {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, tt.wantBody, string(body))
			}
		})
	}
}

func TestSupabaseAuthRejectsNoneAlgorithm(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := newAuthApp(NewVerifier(testSecret, nil)).Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

type fakeLookup struct {
	user *supabase.User
	err  error
	seen string
}

func (f *fakeLookup) GetUser(_ context.Context, token string) (*supabase.User, error) {
	f.seen = token
	return f.user, f.err
}

func TestRemoteVerifier(t *testing.T) {
	lookup := &fakeLookup{user: &supabase.User{ID: "u-1", Email: "bo@example.com"}}
	app := newAuthApp(&RemoteVerifier{Auth: lookup})

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "bearer  opaque-token ")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "opaque-token", lookup.seen)

	lookup.user, lookup.err = nil, errors.New("401 invalid JWT")
	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer opaque-token")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestSupabaseAuthWithoutVerifier(t *testing.T) {
	assert.Nil(t, NewVerifier("", nil))

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer x")
	resp, err := newAuthApp(nil).Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestRequireAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/open", RequireAuth, func(c *fiber.Ctx) error { return c.SendStatus(204) })
	app.Get("/in", func(c *fiber.Ctx) error {
		usercontext.SetUserContext(c, usercontext.UserContext{UserID: "u", IsLoggedIn: true})
		return c.Next()
	}, RequireAuth, func(c *fiber.Ctx) error { return c.SendStatus(204) })

	resp, err := app.Test(httptest.NewRequest("GET", "/open", nil))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/in", nil))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
}
