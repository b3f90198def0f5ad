package timeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/RenderFox/internal/pkg/metrics"
)

const (
	fetchShare   = 30.0
	maxClipBytes = 200 << 20
	// MaxClips bounds a single export.
	MaxClips = 50
)

var (
	ErrNoValidClips = errors.New("no valid clips to export")
	ErrTooManyClips = fmt.Errorf("more than %d clips", MaxClips)
)

// Clip is one timeline segment.
type Clip struct {
	URL   string `json:"url"`
	Muted bool   `json:"muted"`
}

// AudioTrack is looped under the whole export. Volume is in [0, 1].
type AudioTrack struct {
	URL    string  `json:"url"`
	Muted  bool    `json:"muted"`
	Volume float64 `json:"volume"`
}

func (a *AudioTrack) gain() float64 {
	switch {
	case a.Muted || a.Volume <= 0:
		return 0
	case a.Volume > 1:
		return 1
	default:
		return a.Volume
	}
}

type ExportRequest struct {
	Clips      []Clip      `json:"clips"`
	Background *AudioTrack `json:"background,omitempty"`
}

// Media is what probing a downloaded file reports.
type Media struct {
	Duration float64
	HasAudio bool
}

// Segment is a normalised clip ready for concatenation.
type Segment struct {
	Path     string
	Duration float64
}

// ComposeSpec describes the final concat and mix.
type ComposeSpec struct {
	Segments   []Segment
	Background string // path, empty for none
	Gain       float64
	Output     string
	WorkDir    string
}

// Recorder is the media engine behind Export.
type Recorder interface {
	Probe(ctx context.Context, path string) (Media, error)
	// Normalize re-encodes one clip to the common format. Muted clips and
	// clips without audio get a silent track so concat stays aligned.
	Normalize(ctx context.Context, in string, media Media, muted bool, out string) error
	Compose(ctx context.Context, spec ComposeSpec) error
}

// Result is the exported file, read into memory before the working
// directory is removed.
type Result struct {
	Data         []byte   `json:"-"`
	ContentType  string   `json:"content_type"`
	Duration     float64  `json:"duration"`
	Clips        int      `json:"clips"`
	Skipped      []string `json:"skipped,omitempty"`
	AudioDropped bool     `json:"audio_dropped,omitempty"`
}

type Exporter struct {
	Recorder Recorder
	// Policy is applied to every clip and background URL before fetching.
	// nil skips the check.
	Policy      *URLPolicy
	HTTPClient  *http.Client
	TempDir     string // parent of per-export working directories
	Concurrency int
	Timeout     time.Duration
}

// NewExporter fetches media with policy's client, which refuses
// non-public addresses.
func NewExporter(recorder Recorder, policy *URLPolicy) *Exporter {
	if policy == nil {
		policy = &URLPolicy{}
	}
	return &Exporter{
		Recorder:    recorder,
		Policy:      policy,
		HTTPClient:  policy.HTTPClient(2 * time.Minute),
		Concurrency: 4,
		Timeout:     10 * time.Minute,
	}
}

// CheckURLs applies the policy to every URL of req.
func (e *Exporter) CheckURLs(req ExportRequest) error {
	if e.Policy == nil {
		return nil
	}
	for i, c := range req.Clips {
		if err := e.Policy.Check(c.URL); err != nil {
			return fmt.Errorf("clip %d: %w", i, err)
		}
	}
	if req.Background != nil {
		if err := e.Policy.Check(req.Background.URL); err != nil {
			return fmt.Errorf("background: %w", err)
		}
	}
	return nil
}

type fetched struct {
	path  string
	media Media
	muted bool
	ok    bool
}

// Export downloads and probes every clip (0 to 30 percent), normalises each
// valid clip (70 percent split evenly) and composes one MP4. progress may
// be nil; it is called with non-decreasing values and ends at 100 on
// success.
func (e *Exporter) Export(ctx context.Context, req ExportRequest, progress func(float64)) (res *Result, err error) {
	defer func() {
		switch {
		case err == nil:
			metrics.RecordExport("ok")
		case errors.Is(err, ErrNoValidClips):
			metrics.RecordExport("no_clips")
		case errors.Is(err, ErrURLNotAllowed):
			metrics.RecordExport("rejected")
		default:
			metrics.RecordExport("error")
		}
	}()

	if len(req.Clips) == 0 {
		return nil, ErrNoValidClips
	}
	if len(req.Clips) > MaxClips {
		return nil, ErrTooManyClips
	}
	if err := e.CheckURLs(req); err != nil {
		return nil, err
	}
	report := newReporter(progress)

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	workDir, err := os.MkdirTemp(e.TempDir, "export-")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warnf("[Timeline] Failed to remove %s: %v", workDir, rmErr)
		}
	}()

	clips, bgPath, err := e.fetchAll(ctx, req, workDir, report)
	if err != nil {
		return nil, err
	}
	res = &Result{ContentType: "video/mp4"}
	var valid []fetched
	for i, c := range clips {
		if c.ok {
			valid = append(valid, c)
		} else {
			res.Skipped = append(res.Skipped, req.Clips[i].URL)
		}
	}
	if len(valid) == 0 {
		return nil, ErrNoValidClips
	}
	if req.Background != nil && bgPath == "" {
		res.AudioDropped = true
	}

	share := (100 - fetchShare) / float64(len(valid))
	segments := make([]Segment, 0, len(valid))
	for i, c := range valid {
		out := filepath.Join(workDir, fmt.Sprintf("segment-%03d.mp4", i))
		if err := e.Recorder.Normalize(ctx, c.path, c.media, c.muted, out); err != nil {
			return nil, fmt.Errorf("normalise clip %d: %w", i, err)
		}
		segments = append(segments, Segment{Path: out, Duration: c.media.Duration})
		res.Duration += c.media.Duration
		report.add(share)
	}

	spec := ComposeSpec{
		Segments: segments,
		Output:   filepath.Join(workDir, "export.mp4"),
		WorkDir:  workDir,
	}
	if bgPath != "" {
		spec.Background = bgPath
		spec.Gain = req.Background.gain()
	}
	if err := e.Recorder.Compose(ctx, spec); err != nil {
		return nil, fmt.Errorf("compose export: %w", err)
	}

	res.Data, err = os.ReadFile(spec.Output)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	res.Clips = len(segments)
	report.set(100)
	return res, nil
}

// fetchAll downloads and probes clips concurrently. Clip failures are
// recorded as not ok; a failing background track is dropped.
func (e *Exporter) fetchAll(ctx context.Context, req ExportRequest, workDir string, report *reporter) ([]fetched, string, error) {
	total := len(req.Clips)
	if req.Background != nil {
		total++
	}
	step := fetchShare / float64(total)
	clips := make([]fetched, len(req.Clips))
	bgPath := ""

	g, gctx := errgroup.WithContext(ctx)
	limit := e.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, clip := range req.Clips {
		i, clip := i, clip
		g.Go(func() error {
			defer report.add(step)
			path := filepath.Join(workDir, fmt.Sprintf("clip-%03d%s", i, extOf(clip.URL, ".mp4")))
			if err := e.download(gctx, clip.URL, path); err != nil {
				log.Warnf("[Timeline] Skipping clip %d (%s): %v", i, clip.URL, err)
				return nil
			}
			media, err := e.Recorder.Probe(gctx, path)
			if err != nil || media.Duration <= 0 {
				log.Warnf("[Timeline] Skipping clip %d (%s): unreadable media: %v", i, clip.URL, err)
				return nil
			}
			clips[i] = fetched{path: path, media: media, muted: clip.Muted, ok: true}
			return nil
		})
	}
	if bg := req.Background; bg != nil {
		g.Go(func() error {
			defer report.add(step)
			path := filepath.Join(workDir, "background"+extOf(bg.URL, ".mp3"))
			if err := e.download(gctx, bg.URL, path); err != nil {
				log.Warnf("[Timeline] Dropping background audio: %v", err)
				return nil
			}
			if _, err := e.Recorder.Probe(gctx, path); err != nil {
				log.Warnf("[Timeline] Dropping background audio: %v", err)
				return nil
			}
			bgPath = path
			return nil
		})
	}

	// Workers only fail through the context.
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	return clips, bgPath, nil
}

func (e *Exporter) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(f, io.LimitReader(resp.Body, maxClipBytes+1))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		return copyErr
	case closeErr != nil:
		return closeErr
	case n > maxClipBytes:
		return errors.New("clip too large")
	case n == 0:
		return errors.New("empty response")
	}
	return nil
}

// mediaExts are the file extensions a download may keep. Anything else
// (playlists, concat lists) gets the default so ffmpeg never treats a
// download as a container of further URLs.
var mediaExts = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true, ".webm": true, ".mkv": true,
	".mp3": true, ".m4a": true, ".aac": true, ".wav": true, ".ogg": true,
}

func extOf(rawURL, def string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return def
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if !mediaExts[ext] {
		return def
	}
	return ext
}

// reporter serialises progress callbacks and keeps them monotonic.
type reporter struct {
	mu   sync.Mutex
	fn   func(float64)
	last float64
}

func newReporter(fn func(float64)) *reporter {
	return &reporter{fn: fn}
}

func (r *reporter) add(delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(r.last + delta)
}

func (r *reporter) set(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(v)
}

func (r *reporter) emit(v float64) {
	if v > 100 {
		v = 100
	}
	if v < r.last {
		return
	}
	r.last = v
	if r.fn != nil {
		r.fn(v)
	}
}
