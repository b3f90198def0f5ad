package controllers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/internal/pkg/timeline"
)

type fakeExporter struct {
	got      timeline.ExportRequest
	progress []float64
	res      *timeline.Result
	err      error
}

func (f *fakeExporter) Export(_ context.Context, req timeline.ExportRequest, progress func(float64)) (*timeline.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	for _, p := range []float64{30, 65, 100} {
		progress(p)
		f.progress = append(f.progress, p)
	}
	return f.res, nil
}

type recordedHistory struct {
	mu    sync.Mutex
	items []models.HistoryItem
}

func (r *recordedHistory) RecordAsync(_ context.Context, item models.HistoryItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

func TestHandleSeek(t *testing.T) {
	app := newTestApp()
	app.Post("/timeline/seek", NewTimelineController(&fakeExporter{}, &memStore{}, nil, nil).HandleSeek)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantIndex  float64
		wantOffset float64
	}{
		{"middle of second clip", map[string]interface{}{"progress": 37.5, "clip_count": 4}, 200, 1, 0.5},
		{"end clamps to last clip", map[string]interface{}{"progress": 100, "clip_count": 4}, 200, 3, 1},
		{"negative clamps to start", map[string]interface{}{"progress": -5, "clip_count": 2}, 200, 0, 0},
		{"project counts timeline clips", map[string]interface{}{"progress": 75, "project": map[string]interface{}{"items": []map[string]interface{}{
			{"id": "a", "video_url": "https://m/a.mp4", "is_in_timeline": true},
			{"id": "b", "video_url": "https://m/b.mp4", "is_in_timeline": false},
			{"id": "c", "video_url": "https://m/c.mp4", "is_in_timeline": true},
		}}}, 200, 1, 0.5},
		{"no clips", map[string]interface{}{"progress": 10}, 422, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, app, "POST", "/timeline/seek", tt.body)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantStatus == 200 {
				assert.Equal(t, tt.wantIndex, body["index"])
				assert.InDelta(t, tt.wantOffset, body["offset"], 1e-9)
			}
		})
	}
}

func TestHandleExport(t *testing.T) {
	exporter := &fakeExporter{res: &timeline.Result{Data: []byte("mp4-bytes"), ContentType: "video/mp4", Duration: 12, Clips: 2, Skipped: []string{"https://m/bad.mp4"}}}
	store := &memStore{}
	rec := &recordedHistory{}
	app := newTestApp()
	app.Post("/timeline/export", NewTimelineController(exporter, store, rec, nil).HandleExport)

	status, body := doJSON(t, app, "POST", "/timeline/export", map[string]interface{}{
		"clips": []map[string]interface{}{
			{"url": "https://m/a.mp4"},
			{"url": "https://m/b.mp4", "muted": true},
			{"url": "https://m/bad.mp4"},
		},
		"background": map[string]interface{}{"url": "https://m/song.mp3"},
	})
	require.Equal(t, 200, status, body)

	require.Len(t, exporter.got.Clips, 3)
	assert.True(t, exporter.got.Clips[1].Muted)
	require.NotNil(t, exporter.got.Background)
	assert.Equal(t, 1.0, exporter.got.Background.Volume)

	require.Len(t, store.puts, 1)
	assert.Equal(t, "mp4-bytes", string(store.puts[0].Data))
	assert.Equal(t, testUserID, store.puts[0].UserID)
	assert.Contains(t, body["url"], "https://cdn.test/users/"+testUserID+"/")
	assert.Equal(t, float64(2), body["clips"])
	assert.Len(t, body["skipped"], 1)

	require.Len(t, rec.items, 1)
	assert.Equal(t, models.MediaTypeVideo, rec.items[0].MediaType)
	assert.Equal(t, body["url"], rec.items[0].MediaURL)
}

func TestHandleExportFromProject(t *testing.T) {
	exporter := &fakeExporter{res: &timeline.Result{Data: []byte("x"), ContentType: "video/mp4"}}
	app := newTestApp()
	app.Post("/timeline/export", NewTimelineController(exporter, &memStore{}, nil, nil).HandleExport)

	status, _ := doJSON(t, app, "POST", "/timeline/export", map[string]interface{}{
		"project": map[string]interface{}{"items": []map[string]interface{}{
			{"id": "b", "video_url": "https://m/b.mp4", "is_in_timeline": true, "muted": true},
			{"id": "a", "video_url": "", "is_in_timeline": true},
			{"id": "c", "video_url": "https://m/c.mp4", "is_in_timeline": true},
		}},
		"background": map[string]interface{}{"url": "https://m/song.mp3", "volume": 0.25},
	})
	assert.Equal(t, 200, status)
	assert.Equal(t, []timeline.Clip{{URL: "https://m/b.mp4", Muted: true}, {URL: "https://m/c.mp4"}}, exporter.got.Clips)
	assert.Equal(t, 0.25, exporter.got.Background.Volume)
}

func TestHandleExportErrors(t *testing.T) {
	tests := []struct {
		name       string
		exporter   *fakeExporter
		store      *memStore
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"no valid clips", &fakeExporter{err: timeline.ErrNoValidClips}, &memStore{}, map[string]interface{}{"clips": []map[string]interface{}{{"url": "https://m/x.mp4"}}}, 422, "no_valid_clips"},
		{"timeout", &fakeExporter{err: context.DeadlineExceeded}, &memStore{}, map[string]interface{}{"clips": []map[string]interface{}{{"url": "https://m/x.mp4"}}}, 504, "timeout"},
		{"recorder failure", &fakeExporter{err: errors.New("ffmpeg exited 1")}, &memStore{}, map[string]interface{}{"clips": []map[string]interface{}{{"url": "https://m/x.mp4"}}}, 500, "export_failed"},
		{"loopback clip url", &fakeExporter{}, &memStore{}, map[string]interface{}{"clips": []map[string]interface{}{{"url": "http://127.0.0.1/admin.mp4"}}}, 422, "url_not_allowed"},
		{"metadata background url", &fakeExporter{}, &memStore{}, map[string]interface{}{"clips": []map[string]interface{}{{"url": "https://m/x.mp4"}}, "background": map[string]interface{}{"url": "http://169.254.169.254/latest/meta-data", "volume": 0.5}}, 422, "url_not_allowed"},
		{"exporter refuses url", &fakeExporter{err: fmt.Errorf("clip 0: %w", timeline.ErrURLNotAllowed)}, &memStore{}, map[string]interface{}{"clips": []map[string]interface{}{{"url": "https://m/x.mp4"}}}, 422, "url_not_allowed"},
		{"invalid clip url", &fakeExporter{}, &memStore{}, map[string]interface{}{"clips": []map[string]interface{}{{"url": "ftp"}}}, 400, "validation_failed"},
		{"volume out of range", &fakeExporter{}, &memStore{}, map[string]interface{}{"clips": []map[string]interface{}{{"url": "https://m/x.mp4"}}, "background": map[string]interface{}{"url": "https://m/a.mp3", "volume": 2}}, 400, "validation_failed"},
		{"storage failure", &fakeExporter{res: &timeline.Result{Data: []byte("x"), ContentType: "video/mp4"}}, &memStore{err: errors.New("s3 down")}, map[string]interface{}{"clips": []map[string]interface{}{{"url": "https://m/x.mp4"}}}, 502, "storage_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp()
			app.Post("/timeline/export", NewTimelineController(tt.exporter, tt.store, nil, nil).HandleExport)
			status, body := doJSON(t, app, "POST", "/timeline/export", tt.body)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body["error"])
		})
	}
}

func TestHandleExportHonoursAllowlist(t *testing.T) {
	exporter := &fakeExporter{res: &timeline.Result{Data: []byte("x"), ContentType: "video/mp4"}}
	policy := &timeline.URLPolicy{AllowedHosts: []string{"cdn.example.com"}}
	app := newTestApp()
	app.Post("/timeline/export", NewTimelineController(exporter, &memStore{}, nil, policy).HandleExport)

	status, body := doJSON(t, app, "POST", "/timeline/export", map[string]interface{}{
		"clips": []map[string]interface{}{{"url": "https://cdn.example.com/a.mp4"}, {"url": "https://evil.test/b.mp4"}},
	})
	assert.Equal(t, 422, status)
	assert.Equal(t, "url_not_allowed", body["error"])
	assert.Empty(t, exporter.got.Clips)

	status, _ = doJSON(t, app, "POST", "/timeline/export", map[string]interface{}{
		"clips": []map[string]interface{}{{"url": "https://media.cdn.example.com/a.mp4"}},
	})
	assert.Equal(t, 200, status)
	require.Len(t, exporter.got.Clips, 1)
}
