package controllers

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RenderFox/internal/pkg/imageprep"
	"github.com/ManuelReschke/RenderFox/internal/pkg/mediastore"
	"github.com/ManuelReschke/RenderFox/internal/pkg/usercontext"
)

// UploadController accepts source images for the image tools
type UploadController struct {
	store mediastore.Store
	opts  imageprep.Options
}

func NewUploadController(store mediastore.Store, opts imageprep.Options) *UploadController {
	return &UploadController{store: store, opts: opts}
}

// HandleUploadSource normalises the multipart "file" field to a bounded
// JPEG and stores it under the caller's prefix.
func (uc *UploadController) HandleUploadSource(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return apiError(c, fiber.StatusBadRequest, "bad_request", "Missing file")
	}
	if fh.Size > imageprep.MaxInputSize {
		return apiError(c, fiber.StatusRequestEntityTooLarge, "file_too_large", "The image is too large")
	}

	f, err := fh.Open()
	if err != nil {
		return apiError(c, fiber.StatusBadRequest, "bad_request", "Could not read file")
	}
	defer f.Close()

	prepared, err := imageprep.Prepare(f, uc.opts)
	if err != nil {
		switch {
		case errors.Is(err, imageprep.ErrTooLarge):
			return apiError(c, fiber.StatusRequestEntityTooLarge, "file_too_large", "The image is too large")
		case errors.Is(err, imageprep.ErrEmpty), errors.Is(err, imageprep.ErrUnsupported):
			return apiError(c, fiber.StatusUnsupportedMediaType, "unsupported_image", "The file is not a supported image")
		default:
			log.Errorf("[Upload] Prepare failed: %v", err)
			return apiError(c, fiber.StatusInternalServerError, "internal_server_error", "Could not process image")
		}
	}

	userID := usercontext.GetUserID(c)
	name := strings.TrimSuffix(filepath.Base(fh.Filename), filepath.Ext(fh.Filename)) + ".jpg"
	obj, err := uc.store.Put(c.UserContext(), userID, name, prepared.ContentType, bytes.NewReader(prepared.Data))
	if err != nil {
		log.Errorf("[Upload] Store for %s failed: %v", userID, err)
		return apiError(c, fiber.StatusBadGateway, "storage_failed", "Could not store image")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"url":             obj.URL,
		"key":             obj.Key,
		"size":            obj.Size,
		"content_type":    obj.ContentType,
		"width":           prepared.Width,
		"height":          prepared.Height,
		"original_width":  prepared.OriginalWidth,
		"original_height": prepared.OriginalHeight,
		"resized":         prepared.Resized,
		"camera_model":    prepared.CameraModel,
		"taken_at":        formatTimePtr(prepared.TakenAt),
	})
}
