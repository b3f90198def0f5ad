package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext represents the authenticated caller of a request
type UserContext struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	IsLoggedIn  bool   `json:"is_logged_in"`
	AccessToken string `json:"-"`
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return ctx
	}
	return UserContext{IsLoggedIn: false}
}

// SetUserContext stores ctx and the legacy single value locals.
func SetUserContext(c *fiber.Ctx, ctx UserContext) {
	c.Locals(KeyUserContext, ctx)
	c.Locals(KeyFromProtected, ctx.IsLoggedIn)
	c.Locals(KeyUserID, ctx.UserID)
	c.Locals(KeyEmail, ctx.Email)
}

// IsLoggedIn checks if the current user is logged in
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// GetUserID returns the current user's ID, or "" if not logged in
func GetUserID(c *fiber.Ctx) string {
	return GetUserContext(c).UserID
}

// GetEmail returns the current user's email, or empty string if unknown
func GetEmail(c *fiber.Ctx) string {
	return GetUserContext(c).Email
}
