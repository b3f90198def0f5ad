package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/RenderFox/internal/pkg/mediastore"
	"github.com/ManuelReschke/RenderFox/internal/pkg/usercontext"
)

const (
	testUserID = "0b6c2f8e-5a39-4c7e-9d8e-2f1a3b4c5d6e"
	testEmail  = "ana@example.com"
)

// newTestApp returns an app whose requests are authenticated as the test user.
func newTestApp() *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		usercontext.SetUserContext(c, usercontext.UserContext{UserID: testUserID, Email: testEmail, IsLoggedIn: true})
		return c.Next()
	})
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, target string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, int((5 * time.Second).Milliseconds()))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		assert.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

type memStore struct {
	mu   sync.Mutex
	puts []storedObject
	err  error
}

type storedObject struct {
	UserID, Name, ContentType string
	Data                      []byte
}

func (s *memStore) Put(_ context.Context, userID, name, contentType string, body io.Reader) (*mediastore.Object, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, storedObject{UserID: userID, Name: name, ContentType: contentType, Data: data})
	key := mediastore.ObjectKey(userID, name, contentType, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	return &mediastore.Object{Key: key, URL: s.PublicURL(key), Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *memStore) Delete(context.Context, string) error { return nil }

func (s *memStore) PublicURL(key string) string { return "https://cdn.test/" + key }
