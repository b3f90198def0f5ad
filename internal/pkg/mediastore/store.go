package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
	"github.com/ManuelReschke/RenderFox/internal/pkg/supabase"
)

const (
	BackendS3       = "s3"
	BackendSupabase = "supabase"
)

// MaxObjectSize bounds a single Put.
const MaxObjectSize = 200 << 20

var ErrTooLarge = errors.New("object exceeds maximum size")

// Object describes a stored file.
type Object struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Store keeps user media under per-user keys.
type Store interface {
	Put(ctx context.Context, userID, name, contentType string, body io.Reader) (*Object, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

// ObjectKey builds users/<uid>/<yyyy>/<mm>/<uuid><ext>. The extension is
// taken from name, falling back to the content type.
func ObjectKey(userID, name, contentType string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = extensionFor(contentType)
	}
	now = now.UTC()
	return fmt.Sprintf("users/%s/%04d/%02d/%s%s", userID, now.Year(), int(now.Month()), uuid.New().String(), ext)
}

// ContentTypeFor returns the MIME type for a file extension.
func ContentTypeFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".avif":
		return "image/avif"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ""
	}
}

// readAll reads at most MaxObjectSize bytes.
func readAll(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}
	if len(data) > MaxObjectSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

// New builds the store selected by STORAGE_BACKEND. remote is required for
// the supabase backend.
func New(ctx context.Context, remote *supabase.Client) (Store, error) {
	switch backend := env.GetEnv("STORAGE_BACKEND", BackendSupabase); backend {
	case BackendS3:
		cfg, err := LoadS3Config()
		if err != nil {
			return nil, err
		}
		return NewS3Store(ctx, cfg)
	case BackendSupabase:
		if remote == nil {
			return nil, errors.New("STORAGE_BACKEND=supabase requires SUPABASE_URL")
		}
		return NewSupabaseStore(remote, env.GetEnv("SUPABASE_STORAGE_BUCKET", "generations")), nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", backend)
	}
}
