package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ManuelReschke/RenderFox/internal/pkg/supabase"
	"github.com/ManuelReschke/RenderFox/internal/pkg/usercontext"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// TokenVerifier turns an access token into the caller identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usercontext.UserContext, error)
}

// SupabaseClaims is the payload GoTrue signs into access tokens.
type SupabaseClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens locally with the project JWT secret.
type JWTVerifier struct {
	Secret   []byte
	Audience string
	Leeway   time.Duration
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (usercontext.UserContext, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.Leeway),
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}

	claims := &SupabaseClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return usercontext.UserContext{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return usercontext.UserContext{}, ErrInvalidToken
	}
	return usercontext.UserContext{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Role:        claims.Role,
		IsLoggedIn:  true,
		AccessToken: token,
	}, nil
}

// UserLookup is satisfied by *supabase.AuthClient.
type UserLookup interface {
	GetUser(ctx context.Context, accessToken string) (*supabase.User, error)
}

// RemoteVerifier asks the auth server about every token. Used when no JWT
// secret is configured.
type RemoteVerifier struct {
	Auth    UserLookup
	Timeout time.Duration
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (usercontext.UserContext, error) {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	user, err := v.Auth.GetUser(ctx, token)
	if err != nil {
		log.Debugf("[Auth] remote token check failed: %v", err)
		return usercontext.UserContext{}, ErrInvalidToken
	}
	if user == nil || user.ID == "" {
		return usercontext.UserContext{}, ErrInvalidToken
	}
	return usercontext.UserContext{
		UserID:      user.ID,
		Email:       user.Email,
		Role:        user.Role,
		IsLoggedIn:  true,
		AccessToken: token,
	}, nil
}

// NewVerifier prefers local verification and falls back to the auth server.
// It returns nil when neither is possible.
func NewVerifier(jwtSecret string, remote *supabase.Client) TokenVerifier {
	if jwtSecret != "" {
		return &JWTVerifier{Secret: []byte(jwtSecret), Audience: "authenticated", Leeway: 30 * time.Second}
	}
	if remote != nil {
		log.Warn("[Auth] SUPABASE_JWT_SECRET not set, verifying tokens against the auth server")
		return &RemoteVerifier{Auth: remote.Auth()}
	}
	return nil
}

// SupabaseAuth authenticates requests carrying a Supabase access token and
// stores the caller in the user context. Requests without a valid token get
// a JSON 401.
func SupabaseAuth(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if verifier == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "auth_unavailable", "message": "Authentication is not configured"})
		}

		token := extractBearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing access token"})
		}

		userCtx, err := verifier.Verify(c.UserContext(), token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid access token"})
		}

		usercontext.SetUserContext(c, userCtx)
		return c.Next()
	}
}

// RequireAuth rejects requests that passed no authentication middleware.
func RequireAuth(c *fiber.Ctx) error {
	if !usercontext.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "login required",
		})
	}
	return c.Next()
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	// Browsers cannot set headers on EventSource and download links.
	return strings.TrimSpace(c.Query("access_token"))
}
