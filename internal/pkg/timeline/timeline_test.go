package timeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectOperations(t *testing.T) {
	var p Project
	a := p.Add(VideoContextItem{SourceURL: "a.jpg"})
	b := p.Add(VideoContextItem{ID: "b", SourceURL: "b.jpg"})
	c := p.Add(VideoContextItem{ID: "c", SourceURL: "c.jpg"})
	assert.NotEmpty(t, a.ID)

	require.NoError(t, p.Move(2, 0))
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, ids(p))
	require.NoError(t, p.Move(0, 2))
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(p))
	assert.ErrorIs(t, p.Move(0, 3), ErrOutOfRange)

	require.NoError(t, p.SetGenerating(b.ID, true))
	require.NoError(t, p.AttachVideo(b.ID, "b.mp4"))
	assert.False(t, p.Items[1].IsGeneratingVideo)
	require.NoError(t, p.AttachVideo(a.ID, "a.mp4"))
	require.NoError(t, p.SetPrompt(a.ID, "slow pan"))
	assert.Equal(t, "slow pan", p.Items[0].Prompt)

	// c is in the timeline but has no video yet.
	for _, id := range []string{a.ID, b.ID, c.ID} {
		require.NoError(t, p.SetInTimeline(id, true))
	}
	assert.Equal(t, []Clip{{URL: "a.mp4"}, {URL: "b.mp4"}}, p.TimelineClips())

	require.NoError(t, p.SetInTimeline(a.ID, false))
	assert.Equal(t, []Clip{{URL: "b.mp4"}}, p.TimelineClips())

	require.NoError(t, p.Remove(b.ID))
	assert.ErrorIs(t, p.Remove(b.ID), ErrItemNotFound)
	assert.Equal(t, []string{a.ID, c.ID}, ids(p))
}

func ids(p Project) []string {
	out := make([]string, 0, len(p.Items))
	for _, it := range p.Items {
		out = append(out, it.ID)
	}
	return out
}

func TestSeek(t *testing.T) {
	tests := []struct {
		name   string
		p      float64
		clips  int
		index  int
		offset float64
	}{
		{"start", 0, 4, 0, 0},
		{"inside second", 30, 4, 1, 0.2},
		{"boundary", 50, 4, 2, 0},
		{"end clamps to last", 100, 4, 3, 1},
		{"above range", 140, 4, 3, 1},
		{"below range", -5, 4, 0, 0},
		{"single clip", 42, 1, 0, 0.42},
		{"three clips", 66.7, 3, 2, 0.001},
		{"no clips", 50, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, offset := Seek(tt.p, tt.clips)
			assert.Equal(t, tt.index, index)
			assert.InDelta(t, tt.offset, offset, 0.001)
		})
	}
}

// fakeRecorder treats downloaded bytes as the media: "bad" fails probing.
type fakeRecorder struct {
	mu         sync.Mutex
	normalized []bool
	composed   []ComposeSpec
}

func (f *fakeRecorder) Probe(_ context.Context, path string) (Media, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Media{}, err
	}
	if strings.HasPrefix(string(data), "bad") {
		return Media{}, errors.New("moov atom not found")
	}
	return Media{Duration: 2, HasAudio: !strings.HasPrefix(string(data), "silent")}, nil
}

func (f *fakeRecorder) Normalize(_ context.Context, in string, _ Media, muted bool, out string) error {
	f.mu.Lock()
	f.normalized = append(f.normalized, muted)
	f.mu.Unlock()
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o600)
}

func (f *fakeRecorder) Compose(_ context.Context, spec ComposeSpec) error {
	f.mu.Lock()
	f.composed = append(f.composed, spec)
	f.mu.Unlock()
	var b strings.Builder
	for _, s := range spec.Segments {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return err
		}
		b.Write(data)
	}
	return os.WriteFile(spec.Output, []byte(b.String()), 0o600)
}

func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.mp4":
			http.NotFound(w, r)
		case "/corrupt.mp4":
			_, _ = w.Write([]byte("bad"))
		default:
			_, _ = w.Write([]byte(strings.TrimPrefix(r.URL.Path, "/")))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestExporter(t *testing.T, rec Recorder) (*Exporter, string) {
	t.Helper()
	base := t.TempDir()
	e := NewExporter(rec, nil)
	// httptest listens on loopback.
	e.Policy = nil
	e.HTTPClient = &http.Client{}
	e.TempDir = base
	return e, base
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "working directory must be removed")
}

func TestExportSkipsBadClipsAndComposesOnce(t *testing.T) {
	srv := mediaServer(t)
	rec := &fakeRecorder{}
	e, base := newTestExporter(t, rec)

	var mu sync.Mutex
	var progress []float64
	res, err := e.Export(context.Background(), ExportRequest{
		Clips: []Clip{
			{URL: srv.URL + "/one.mp4"},
			{URL: srv.URL + "/missing.mp4"},
			{URL: srv.URL + "/corrupt.mp4"},
			{URL: srv.URL + "/two.mp4", Muted: true},
		},
		Background: &AudioTrack{URL: srv.URL + "/missing.mp3", Volume: 0.5},
	}, func(p float64) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, "one.mp4two.mp4", string(res.Data), "clips keep timeline order")
	assert.Equal(t, 2, res.Clips)
	assert.InDelta(t, 4.0, res.Duration, 0.001)
	assert.Len(t, res.Skipped, 2)
	assert.True(t, res.AudioDropped)
	assert.Equal(t, []bool{false, true}, rec.normalized)
	require.Len(t, rec.composed, 1)
	assert.Empty(t, rec.composed[0].Background)

	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.Equal(t, 100.0, progress[len(progress)-1])
	assert.InDelta(t, 30.0, progress[4], 0.001, "fetch phase ends at 30 percent")

	assertEmptyDir(t, base)
}

func TestExportWithBackgroundAudio(t *testing.T) {
	srv := mediaServer(t)
	rec := &fakeRecorder{}
	e, _ := newTestExporter(t, rec)

	res, err := e.Export(context.Background(), ExportRequest{
		Clips:      []Clip{{URL: srv.URL + "/one.mp4"}},
		Background: &AudioTrack{URL: srv.URL + "/theme.mp3", Volume: 0.4},
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.AudioDropped)
	require.Len(t, rec.composed, 1)
	assert.NotEmpty(t, rec.composed[0].Background)
	assert.InDelta(t, 0.4, rec.composed[0].Gain, 0.001)
}

func TestExportNoValidClips(t *testing.T) {
	srv := mediaServer(t)
	rec := &fakeRecorder{}
	e, base := newTestExporter(t, rec)

	_, err := e.Export(context.Background(), ExportRequest{Clips: []Clip{
		{URL: srv.URL + "/missing.mp4"},
		{URL: srv.URL + "/corrupt.mp4"},
	}}, nil)
	assert.ErrorIs(t, err, ErrNoValidClips)
	assert.Empty(t, rec.normalized, "recorder must not run")
	assert.Empty(t, rec.composed)
	assertEmptyDir(t, base)

	_, err = e.Export(context.Background(), ExportRequest{}, nil)
	assert.ErrorIs(t, err, ErrNoValidClips)
}

type failingCompose struct{ fakeRecorder }

func (f *failingCompose) Compose(context.Context, ComposeSpec) error {
	return errors.New("encoder crashed")
}

func TestExportCleansUpOnFailure(t *testing.T) {
	srv := mediaServer(t)
	e, base := newTestExporter(t, &failingCompose{})

	_, err := e.Export(context.Background(), ExportRequest{Clips: []Clip{{URL: srv.URL + "/one.mp4"}}}, nil)
	assert.ErrorContains(t, err, "encoder crashed")
	assertEmptyDir(t, base)
}

func TestAudioGain(t *testing.T) {
	assert.Equal(t, 0.0, (&AudioTrack{Volume: 0.8, Muted: true}).gain())
	assert.Equal(t, 1.0, (&AudioTrack{Volume: 3}).gain())
	assert.Equal(t, 0.0, (&AudioTrack{Volume: -1}).gain())
	assert.Equal(t, 0.25, (&AudioTrack{Volume: 0.25}).gain())
}

func TestExtOf(t *testing.T) {
	assert.Equal(t, ".mp4", extOf("https://cdn/x/clip.MP4?token=abc", ".bin"))
	assert.Equal(t, ".bin", extOf("https://cdn/x/clip", ".bin"))
	assert.Equal(t, ".bin", extOf("://bad", ".bin"))
	assert.Equal(t, ".mp4", extOf("https://cdn/x/list.m3u8", ".mp4"))
	assert.Equal(t, ".mp3", extOf("https://cdn/x/segments.txt", ".mp3"))
}

func TestNormalizeArgs(t *testing.T) {
	args := strings.Join(normalizeArgs("in.mp4", Media{Duration: 5, HasAudio: false}, true, "out.mp4"), " ")
	assert.True(t, strings.HasPrefix(args, "-y -protocol_whitelist file -i in.mp4"))
	assert.Contains(t, args, "-f lavfi -i anullsrc")
	assert.Contains(t, args, "-map 1:a:0")
	assert.Contains(t, args, "-af volume=0")
	assert.Contains(t, args, "-t 5.000")
	assert.True(t, strings.HasSuffix(args, "out.mp4"))

	args = strings.Join(normalizeArgs("in.mp4", Media{Duration: 5, HasAudio: true}, false, "out.mp4"), " ")
	assert.NotContains(t, args, "anullsrc")
	assert.Contains(t, args, "-af volume=1")
}

func TestComposeArgs(t *testing.T) {
	segs := []Segment{{Path: "a.mp4", Duration: 2}, {Path: "b.mp4", Duration: 3.5}}

	args := strings.Join(composeArgs("list.txt", ComposeSpec{Segments: segs, Output: "out.mp4"}), " ")
	assert.Equal(t, "-y -protocol_whitelist file -f concat -safe 0 -i list.txt -c copy -movflags +faststart out.mp4", args)

	args = strings.Join(composeArgs("list.txt", ComposeSpec{Segments: segs, Background: "bg.mp3", Gain: 0.5, Output: "out.mp4"}), " ")
	assert.Contains(t, args, "-protocol_whitelist file -stream_loop -1 -i bg.mp3")
	assert.Contains(t, args, "[1:a]volume=0.50[bg];[0:a][bg]amix=inputs=2")
	assert.Contains(t, args, "-t 5.500")
}

func TestConcatListQuotes(t *testing.T) {
	assert.Equal(t, "file 'a.mp4'\nfile 'it'\\''s.mp4'\n", concatList([]Segment{{Path: "a.mp4"}, {Path: "it's.mp4"}}))
}

func TestParseProbe(t *testing.T) {
	m, err := parseProbe([]byte(`{"streams":[{"codec_type":"video"},{"codec_type":"audio"}],"format":{"duration":"4.040000"}}`))
	require.NoError(t, err)
	assert.InDelta(t, 4.04, m.Duration, 0.0001)
	assert.True(t, m.HasAudio)

	m, err = parseProbe([]byte(`{"streams":[{"codec_type":"video"}],"format":{"duration":"1.5"}}`))
	require.NoError(t, err)
	assert.False(t, m.HasAudio)

	_, err = parseProbe([]byte(`not json`))
	assert.Error(t, err)
}

// TestHelperProcess stands in for ffprobe when commandContext is swapped.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("RF_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprint(os.Stdout, `{"streams":[{"codec_type":"video"}],"format":{"duration":"3.0"}}`)
	os.Exit(0)
}

func TestFFmpegRecorderProbeRunsBinary(t *testing.T) {
	var gotName string
	var gotArgs []string
	orig := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotName, gotArgs = name, args
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "RF_WANT_HELPER_PROCESS=1")
		return cmd
	}
	t.Cleanup(func() { commandContext = orig })

	rec := &FFmpegRecorder{FFmpeg: "ffmpeg", FFprobe: "/opt/bin/ffprobe"}
	m, err := rec.Probe(context.Background(), "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/ffprobe", gotName)
	assert.Equal(t, "clip.mp4", gotArgs[len(gotArgs)-1])
	assert.Contains(t, strings.Join(gotArgs, " "), "-protocol_whitelist file")
	assert.InDelta(t, 3.0, m.Duration, 0.001)
}
