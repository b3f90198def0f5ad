package controllers

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimePtr(t *testing.T) {
	assert.Nil(t, formatTimePtr(nil))

	now := time.Date(2024, 5, 1, 12, 34, 56, 0, time.Local)
	formatted := formatTimePtr(&now)
	assert.IsType(t, "", formatted)

	expected := now.UTC().Format(time.RFC3339)
	assert.Equal(t, expected, formatted)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"cloudflare v4", map[string]string{"CF-Connecting-IP": "203.0.113.7"}, "203.0.113.7"},
		{"cloudflare v6 with v4 in xff", map[string]string{"CF-Connecting-IP": "2001:db8::1", "X-Forwarded-For": "2001:db8::1, 198.51.100.4"}, "198.51.100.4"},
		{"cloudflare v6 only", map[string]string{"CF-Connecting-IP": "2001:db8::1"}, "2001:db8::1"},
		{"xff first v4", map[string]string{"X-Forwarded-For": "198.51.100.4, 10.0.0.1"}, "198.51.100.4"},
		{"xff prefers v4", map[string]string{"X-Forwarded-For": "2001:db8::2, 198.51.100.9"}, "198.51.100.9"},
		{"xff v6 only", map[string]string{"X-Forwarded-For": "2001:db8::2"}, "2001:db8::2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			var got string
			app.Get("/", func(c *fiber.Ctx) error {
				got = GetClientIP(c)
				return c.SendStatus(fiber.StatusNoContent)
			})
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			_, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidationMessage(t *testing.T) {
	type sample struct {
		Code  string  `validate:"required"`
		URL   string  `validate:"omitempty,url"`
		Count int     `validate:"gte=1"`
		Gain  float64 `validate:"lte=1"`
	}
	err := validate.Struct(sample{URL: "nope", Gain: 2})
	require.Error(t, err)
	assert.Equal(t, "code is required, url must be a URL, count must be at least 1, gain must be at most 1", validationMessage(err))
}
