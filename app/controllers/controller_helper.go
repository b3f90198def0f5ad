package controllers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// apiError writes the common {"error", "message"} body.
func apiError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// requestError is a client mistake reported as 400.
type requestError struct {
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

// parseBody decodes the JSON body into dst and runs its validate tags.
func parseBody(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return &requestError{code: "bad_request", message: "Invalid request body"}
	}
	if err := validate.Struct(dst); err != nil {
		return &requestError{code: "validation_failed", message: validationMessage(err)}
	}
	return nil
}

func badRequest(c *fiber.Ctx, err error) error {
	var re *requestError
	if errors.As(err, &re) {
		return apiError(c, fiber.StatusBadRequest, re.code, re.message)
	}
	return apiError(c, fiber.StatusBadRequest, "bad_request", err.Error())
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "url":
			parts = append(parts, field+" must be a URL")
		case "min", "gte":
			parts = append(parts, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max", "lte":
			parts = append(parts, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// GetClientIP determines the client address considering proxies. IPv4 is
// preferred when a proxy reports both families.
func GetClientIP(c *fiber.Ctx) string {
	// 1. Cloudflare
	if cfIP := strings.TrimSpace(c.Get("CF-Connecting-IP")); cfIP != "" {
		if strings.Contains(cfIP, ":") {
			if v4 := firstOfFamily(c.Get("X-Forwarded-For"), false); v4 != "" {
				return v4
			}
		}
		return cfIP
	}

	// 2. X-Forwarded-For, the first entry is the original client
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		if v4 := firstOfFamily(xff, false); v4 != "" {
			return v4
		}
		if v6 := firstOfFamily(xff, true); v6 != "" {
			return v6
		}
	}

	// 3. Socket address, unwrapping IPv4-mapped IPv6
	ipAddr := c.IP()
	if strings.HasPrefix(ipAddr, "::ffff:") && strings.Contains(ipAddr, ".") {
		return strings.TrimPrefix(ipAddr, "::ffff:")
	}
	if strings.Contains(ipAddr, ":") {
		if realIP := strings.TrimSpace(c.Get("X-Real-IP")); realIP != "" && !strings.Contains(realIP, ":") {
			return realIP
		}
	}
	return ipAddr
}

func firstOfFamily(list string, v6 bool) string {
	for _, ip := range strings.Split(list, ",") {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, ":") == v6 {
			return ip
		}
	}
	return ""
}
