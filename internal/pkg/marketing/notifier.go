package marketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
	"github.com/ManuelReschke/RenderFox/internal/pkg/tasks"
)

// NewUserEvent is posted once per provisioned profile.
type NewUserEvent struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Country   string    `json:"country"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier posts signup events to the marketing automation webhook.
type Notifier struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func NewNotifierFromEnv() *Notifier {
	return &Notifier{
		URL:     env.GetEnv("MARKETING_WEBHOOK_URL", ""),
		Timeout: env.GetEnvDuration("MARKETING_WEBHOOK_TIMEOUT", 10*time.Second),
		Client:  &http.Client{},
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.URL != ""
}

// NotifyNewUser posts the event. Non-2xx answers are errors so the task
// queue retries them.
func (n *Notifier) NotifyNewUser(ctx context.Context, event NewUserEvent) error {
	if !n.Enabled() {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("marketing webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("marketing webhook: status %d", resp.StatusCode)
	}
	return nil
}

// HandleTask is the tasks.TypeMarketingNewUser handler.
func (n *Notifier) HandleTask(ctx context.Context, task *tasks.Task) error {
	var event NewUserEvent
	if err := task.Decode(&event); err != nil {
		return err
	}
	return n.NotifyNewUser(ctx, event)
}
