package controllers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/RenderFox/internal/pkg/generation"
	"github.com/ManuelReschke/RenderFox/internal/pkg/jobtracker"
	"github.com/ManuelReschke/RenderFox/internal/pkg/metering"
	"github.com/ManuelReschke/RenderFox/internal/pkg/tools"
)

// fakeRunner executes Work directly and returns the configured result.
type fakeRunner struct {
	outcome *metering.Outcome
	err     error
	last    metering.Request
	workURL string
	workErr error
}

func (f *fakeRunner) Run(ctx context.Context, req metering.Request) (*metering.Outcome, error) {
	f.last = req
	if f.outcome != nil || f.err != nil {
		return f.outcome, f.err
	}
	f.workURL, f.workErr = req.Work(ctx)
	if f.workErr != nil {
		return &metering.Outcome{State: metering.StateFailed}, fmt.Errorf("%w: %w", metering.ErrGenerationFailed, f.workErr)
	}
	return &metering.Outcome{State: metering.StateCompleted, ResultURL: f.workURL}, nil
}

type fakeProvider struct {
	result   *generation.TaskResult
	err      error
	pollURL  string
	pollErr  error
	payload  map[string]interface{}
	endpoint string
	polled   string
}

func (f *fakeProvider) CreateTask(_ context.Context, endpoint string, payload interface{}) (*generation.TaskResult, error) {
	f.endpoint = endpoint
	f.payload = payload.(map[string]interface{})
	return f.result, f.err
}

func (f *fakeProvider) PollTask(_ context.Context, taskID string, _ generation.PollOptions) (string, error) {
	f.polled = taskID
	return f.pollURL, f.pollErr
}

func (f *fakeProvider) PollDefaults() generation.PollOptions { return generation.PollOptions{} }

func newGenerationApp(runner GenerationRunner, provider GenerationProvider) *GenerationController {
	return NewGenerationController(tools.NewCatalog([]tools.Tool{
		{ID: "render", Name: "Render", Cost: 5, Endpoint: "/render", MediaType: "image"},
		{ID: "upscale", Name: "Upscale", Cost: 10, Endpoint: "/upscale", MediaType: "image", Async: true, NeedsSource: true},
	}), runner, provider)
}

func TestHandleListTools(t *testing.T) {
	gc := newGenerationApp(&fakeRunner{}, &fakeProvider{})
	app := newTestApp()
	app.Get("/tools", gc.HandleListTools)

	status, body := doJSON(t, app, "GET", "/tools", nil)
	assert.Equal(t, 200, status)
	list := body["tools"].([]interface{})
	require.Len(t, list, 2)
	assert.Equal(t, "render", list[0].(map[string]interface{})["id"])
}

func TestHandleGenerateSyncTool(t *testing.T) {
	provider := &fakeProvider{result: &generation.TaskResult{ResultURL: "https://media.test/out.png"}}
	runner := &fakeRunner{}
	app := newTestApp()
	app.Post("/tools/:tool/generate", newGenerationApp(runner, provider).HandleGenerate)

	status, body := doJSON(t, app, "POST", "/tools/render/generate", map[string]interface{}{
		"prompt": "a glass house", "params": map[string]interface{}{"aspect_ratio": "16:9"},
	})
	assert.Equal(t, 200, status)
	assert.Equal(t, "https://media.test/out.png", body["result_url"])
	assert.Equal(t, "/render", provider.endpoint)
	assert.Equal(t, "a glass house", provider.payload["prompt"])
	assert.Equal(t, "16:9", provider.payload["aspect_ratio"])
	assert.Equal(t, testUserID, runner.last.UserID)
	assert.Equal(t, testEmail, runner.last.Email)
	assert.Empty(t, provider.polled)
}

func TestHandleGenerateAsyncToolPolls(t *testing.T) {
	provider := &fakeProvider{result: &generation.TaskResult{TaskID: "task-9"}, pollURL: "https://media.test/big.png"}
	app := newTestApp()
	app.Post("/tools/:tool/generate", newGenerationApp(&fakeRunner{}, provider).HandleGenerate)

	status, body := doJSON(t, app, "POST", "/tools/upscale/generate", map[string]interface{}{"source_url": "https://media.test/in.png"})
	assert.Equal(t, 200, status)
	assert.Equal(t, "task-9", provider.polled)
	assert.Equal(t, "https://media.test/in.png", provider.payload["image_url"])
	assert.Equal(t, "https://media.test/big.png", body["result_url"])
}

func TestHandleGenerateRequestErrors(t *testing.T) {
	app := newTestApp()
	app.Post("/tools/:tool/generate", newGenerationApp(&fakeRunner{}, &fakeProvider{}).HandleGenerate)

	status, body := doJSON(t, app, "POST", "/tools/teleport/generate", map[string]interface{}{"prompt": "x"})
	assert.Equal(t, 404, status)
	assert.Equal(t, "unknown_tool", body["error"])

	status, _ = doJSON(t, app, "POST", "/tools/upscale/generate", map[string]interface{}{})
	assert.Equal(t, 400, status)

	status, _ = doJSON(t, app, "POST", "/tools/render/generate", map[string]interface{}{})
	assert.Equal(t, 400, status)

	status, body = doJSON(t, app, "POST", "/tools/upscale/generate", map[string]interface{}{"source_url": "not a url"})
	assert.Equal(t, 400, status)
	assert.Equal(t, "validation_failed", body["error"])

	status, _ = doJSON(t, app, "POST", "/tools/render/generate", "{broken")
	assert.Equal(t, 400, status)
}

func TestHandleGenerateErrorMapping(t *testing.T) {
	failed := func(kind jobtracker.ErrorKind) *metering.Outcome {
		return &metering.Outcome{State: metering.StateFailed, ErrorKind: kind, Message: jobtracker.UserMessage(kind), Refunded: true}
	}

	tests := []struct {
		name       string
		outcome    *metering.Outcome
		err        error
		wantStatus int
		wantCode   string
	}{
		{"in flight", nil, metering.ErrAttemptInFlight, 409, "attempt_in_flight"},
		{"insufficient", &metering.Outcome{State: metering.StateInsufficient, ErrorKind: jobtracker.KindInsufficientCredits}, metering.ErrInsufficientCredits, 402, "insufficient_credits"},
		{"deduct failed", &metering.Outcome{State: metering.StateDeductFailed}, fmt.Errorf("%w: %w", metering.ErrDeductFailed, errors.New("db down")), 502, "deduct_failed"},
		{"safety", failed(jobtracker.KindSafetyViolation), fmt.Errorf("%w: nsfw", metering.ErrGenerationFailed), 422, "safety_violation"},
		{"timeout", failed(jobtracker.KindTimeout), fmt.Errorf("%w: %w", metering.ErrGenerationFailed, context.DeadlineExceeded), 504, "timeout"},
		{"generic", failed(jobtracker.KindGeneric), fmt.Errorf("%w: boom", metering.ErrGenerationFailed), 502, "generic"},
		{"unexpected", nil, errors.New("metering: request without work"), 500, "internal_server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp()
			app.Post("/tools/:tool/generate", newGenerationApp(&fakeRunner{outcome: tt.outcome, err: tt.err}, &fakeProvider{}).HandleGenerate)

			status, body := doJSON(t, app, "POST", "/tools/render/generate", map[string]interface{}{"prompt": "x"})
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body["error"])
			if tt.outcome != nil {
				assert.NotNil(t, body["outcome"])
			}
		})
	}
}
