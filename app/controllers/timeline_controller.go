package controllers

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/internal/pkg/mediastore"
	"github.com/ManuelReschke/RenderFox/internal/pkg/timeline"
	"github.com/ManuelReschke/RenderFox/internal/pkg/usercontext"
)

// TimelineExporter is satisfied by *timeline.Exporter.
type TimelineExporter interface {
	Export(ctx context.Context, req timeline.ExportRequest, progress func(float64)) (*timeline.Result, error)
}

// HistoryRecorder stores a finished export in the gallery without blocking.
type HistoryRecorder interface {
	RecordAsync(ctx context.Context, item models.HistoryItem)
}

// URLChecker is satisfied by *timeline.URLPolicy.
type URLChecker interface {
	Check(rawURL string) error
}

// TimelineController serves playback seeking and video export
type TimelineController struct {
	exporter TimelineExporter
	store    mediastore.Store
	history  HistoryRecorder
	urls     URLChecker
}

// NewTimelineController refuses non-public media URLs when urls is nil.
func NewTimelineController(exporter TimelineExporter, store mediastore.Store, history HistoryRecorder, urls URLChecker) *TimelineController {
	if urls == nil {
		urls = &timeline.URLPolicy{}
	}
	return &TimelineController{exporter: exporter, store: store, history: history, urls: urls}
}

type seekRequest struct {
	Progress  float64           `json:"progress"`
	ClipCount int               `json:"clip_count" validate:"gte=0,lte=50"`
	Project   *timeline.Project `json:"project"`
}

// HandleSeek maps a playback percentage onto a clip and an offset in it.
func (tc *TimelineController) HandleSeek(c *fiber.Ctx) error {
	var req seekRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	count := req.ClipCount
	if req.Project != nil {
		count = len(req.Project.TimelineClips())
	}
	if count == 0 {
		return apiError(c, fiber.StatusUnprocessableEntity, "no_clips", "The timeline has no clips")
	}

	index, offset := timeline.Seek(req.Progress, count)
	return c.JSON(fiber.Map{"index": index, "offset": offset, "clip_count": count})
}

type clipRequest struct {
	URL   string `json:"url" validate:"required,url"`
	Muted bool   `json:"muted"`
}

type audioRequest struct {
	URL    string   `json:"url" validate:"required,url"`
	Muted  bool     `json:"muted"`
	Volume *float64 `json:"volume" validate:"omitempty,gte=0,lte=1"`
}

type exportRequest struct {
	Clips      []clipRequest     `json:"clips" validate:"omitempty,max=50,dive"`
	Project    *timeline.Project `json:"project"`
	Background *audioRequest     `json:"background"`
}

// HandleExport composes the timeline into one MP4, stores it and returns
// its URL. Clips come either from the explicit list or from the project.
func (tc *TimelineController) HandleExport(c *fiber.Ctx) error {
	var req exportRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}

	exportReq := timeline.ExportRequest{}
	if req.Project != nil && len(req.Clips) == 0 {
		exportReq.Clips = req.Project.TimelineClips()
	}
	for _, clip := range req.Clips {
		exportReq.Clips = append(exportReq.Clips, timeline.Clip{URL: clip.URL, Muted: clip.Muted})
	}
	if req.Background != nil {
		volume := 1.0
		if req.Background.Volume != nil {
			volume = *req.Background.Volume
		}
		exportReq.Background = &timeline.AudioTrack{URL: req.Background.URL, Muted: req.Background.Muted, Volume: volume}
	}

	if err := tc.checkURLs(exportReq); err != nil {
		return apiError(c, fiber.StatusUnprocessableEntity, "url_not_allowed", err.Error())
	}

	userID := usercontext.GetUserID(c)
	res, err := tc.exporter.Export(c.UserContext(), exportReq, func(p float64) {
		log.Debugf("[Timeline] Export for %s at %.0f%%", userID, p)
	})
	if err != nil {
		switch {
		case errors.Is(err, timeline.ErrNoValidClips):
			return apiError(c, fiber.StatusUnprocessableEntity, "no_valid_clips", "None of the clips could be loaded")
		case errors.Is(err, timeline.ErrURLNotAllowed):
			return apiError(c, fiber.StatusUnprocessableEntity, "url_not_allowed", err.Error())
		case errors.Is(err, timeline.ErrTooManyClips):
			return apiError(c, fiber.StatusBadRequest, "too_many_clips", err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return apiError(c, fiber.StatusGatewayTimeout, "timeout", "The export took too long")
		default:
			log.Errorf("[Timeline] Export for %s failed: %v", userID, err)
			return apiError(c, fiber.StatusInternalServerError, "export_failed", "The export failed")
		}
	}

	obj, err := tc.store.Put(c.UserContext(), userID, "timeline.mp4", res.ContentType, bytes.NewReader(res.Data))
	if err != nil {
		log.Errorf("[Timeline] Storing export for %s failed: %v", userID, err)
		return apiError(c, fiber.StatusBadGateway, "storage_failed", "Could not store the export")
	}

	if tc.history != nil {
		tc.history.RecordAsync(c.UserContext(), models.HistoryItem{
			UserID:    userID,
			Tool:      "timeline-export",
			MediaURL:  obj.URL,
			MediaType: models.MediaTypeVideo,
		})
	}

	return c.JSON(fiber.Map{
		"url":           obj.URL,
		"key":           obj.Key,
		"duration":      res.Duration,
		"clips":         res.Clips,
		"skipped":       res.Skipped,
		"audio_dropped": res.AudioDropped,
	})
}

func (tc *TimelineController) checkURLs(req timeline.ExportRequest) error {
	for i, clip := range req.Clips {
		if err := tc.urls.Check(clip.URL); err != nil {
			return fmt.Errorf("clip %d: %w", i, err)
		}
	}
	if req.Background != nil {
		if err := tc.urls.Check(req.Background.URL); err != nil {
			return fmt.Errorf("background: %w", err)
		}
	}
	return nil
}
