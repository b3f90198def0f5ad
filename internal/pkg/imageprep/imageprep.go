// Package imageprep normalises user supplied source images before they are
// handed to a generation tool.
package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/mknote"
)

func init() {
	exif.RegisterParsers(mknote.All...)
}

const (
	DefaultMaxDimension = 2048
	DefaultQuality      = 90
	// MaxInputSize bounds the encoded upload.
	MaxInputSize = 25 << 20
)

var (
	ErrEmpty       = errors.New("empty image")
	ErrTooLarge    = errors.New("image exceeds maximum upload size")
	ErrUnsupported = errors.New("unsupported image format")
)

type Options struct {
	MaxDimension int
	Quality      int
}

func (o Options) withDefaults() Options {
	if o.MaxDimension <= 0 {
		o.MaxDimension = DefaultMaxDimension
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	return o
}

// Prepared is a re-encoded JPEG ready for upload.
type Prepared struct {
	Data           []byte
	ContentType    string
	Width          int
	Height         int
	OriginalWidth  int
	OriginalHeight int
	Resized        bool
	CameraModel    string
	TakenAt        *time.Time
}

// Prepare decodes r, applies the EXIF orientation, bounds the longest side
// to MaxDimension and re-encodes as JPEG. EXIF is read before re-encoding
// since the output carries none.
func Prepare(r io.Reader, opts Options) (*Prepared, error) {
	opts = opts.withDefaults()

	raw, err := io.ReadAll(io.LimitReader(r, MaxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmpty
	}
	if len(raw) > MaxInputSize {
		return nil, ErrTooLarge
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	out := &Prepared{ContentType: "image/jpeg"}
	b := img.Bounds()
	out.OriginalWidth, out.OriginalHeight = b.Dx(), b.Dy()
	readExif(raw, out)

	if b.Dx() > opts.MaxDimension || b.Dy() > opts.MaxDimension {
		img = imaging.Fit(img, opts.MaxDimension, opts.MaxDimension, imaging.Lanczos)
		out.Resized = true
	}
	// JPEG has no alpha; composite onto white instead of black.
	img = flatten(img)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(opts.Quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	nb := img.Bounds()
	out.Width, out.Height = nb.Dx(), nb.Dy()
	out.Data = buf.Bytes()
	return out, nil
}

func flatten(img image.Image) image.Image {
	bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), image.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// readExif fills camera fields. Images without EXIF are common and not an
// error.
func readExif(raw []byte, out *Prepared) {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return
	}
	if m, err := x.Get(exif.Model); err == nil {
		out.CameraModel = strings.TrimSpace(strings.Trim(m.String(), `"`))
	}
	if dt, err := x.DateTime(); err == nil {
		out.TakenAt = &dt
	}
}
