package timeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

// commandContext is replaced in tests.
var commandContext = exec.CommandContext

// localOnly keeps ffmpeg and ffprobe from opening anything but local files,
// whatever a downloaded container references.
var localOnly = []string{"-protocol_whitelist", "file"}

const (
	outputWidth  = 1280
	outputHeight = 720
	outputFPS    = 30
)

// FFmpegRecorder implements Recorder with the ffmpeg and ffprobe binaries.
type FFmpegRecorder struct {
	FFmpeg  string
	FFprobe string
}

func NewFFmpegRecorderFromEnv() *FFmpegRecorder {
	return &FFmpegRecorder{
		FFmpeg:  env.GetEnv("FFMPEG_BINARY", "ffmpeg"),
		FFprobe: env.GetEnv("FFPROBE_BINARY", "ffprobe"),
	}
}

func (r *FFmpegRecorder) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := commandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, msg)
	}
	return stdout.Bytes(), nil
}

func (r *FFmpegRecorder) Probe(ctx context.Context, path string) (Media, error) {
	out, err := r.run(ctx, r.FFprobe, probeArgs(path)...)
	if err != nil {
		return Media{}, err
	}
	return parseProbe(out)
}

func probeArgs(path string) []string {
	args := append([]string{"-v", "error"}, localOnly...)
	return append(args,
		"-show_entries", "format=duration:stream=codec_type",
		"-of", "json",
		path,
	)
}

func parseProbe(out []byte) (Media, error) {
	if !gjson.ValidBytes(out) {
		return Media{}, fmt.Errorf("ffprobe returned invalid json")
	}
	doc := gjson.ParseBytes(out)
	m := Media{Duration: doc.Get("format.duration").Float()}
	for _, s := range doc.Get("streams.#.codec_type").Array() {
		if s.String() == "audio" {
			m.HasAudio = true
		}
	}
	return m, nil
}

func (r *FFmpegRecorder) Normalize(ctx context.Context, in string, media Media, muted bool, out string) error {
	_, err := r.run(ctx, r.FFmpeg, normalizeArgs(in, media, muted, out)...)
	return err
}

// normalizeArgs scales and pads to 1280x720 at 30 fps with a stereo AAC
// track. A silent track is generated when the clip has none.
func normalizeArgs(in string, media Media, muted bool, out string) []string {
	vf := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d",
		outputWidth, outputHeight, outputWidth, outputHeight, outputFPS)
	args := append([]string{"-y"}, localOnly...)
	args = append(args, "-i", in)
	audioMap := "0:a:0"
	if !media.HasAudio {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=48000")
		audioMap = "1:a:0"
	}
	volume := "1"
	if muted {
		volume = "0"
	}
	args = append(args,
		"-map", "0:v:0", "-map", audioMap,
		"-vf", vf,
		"-af", "volume="+volume,
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "23", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-ar", "48000", "-ac", "2",
		"-t", strconv.FormatFloat(media.Duration, 'f', 3, 64),
		"-movflags", "+faststart",
		out,
	)
	return args
}

func (r *FFmpegRecorder) Compose(ctx context.Context, spec ComposeSpec) error {
	list := filepath.Join(spec.WorkDir, "segments.txt")
	if err := os.WriteFile(list, []byte(concatList(spec.Segments)), 0o600); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	_, err := r.run(ctx, r.FFmpeg, composeArgs(list, spec)...)
	return err
}

func concatList(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(s.Path, "'", `'\''`))
	}
	return b.String()
}

// composeArgs concatenates the segments and, with a background track,
// loops it under the video and mixes it in. Output length is the video
// length.
func composeArgs(list string, spec ComposeSpec) []string {
	var total float64
	for _, s := range spec.Segments {
		total += s.Duration
	}
	args := append([]string{"-y"}, localOnly...)
	args = append(args, "-f", "concat", "-safe", "0", "-i", list)
	if spec.Background == "" {
		return append(args, "-c", "copy", "-movflags", "+faststart", spec.Output)
	}
	filter := fmt.Sprintf("[1:a]volume=%s[bg];[0:a][bg]amix=inputs=2:duration=first:dropout_transition=0[aout]",
		strconv.FormatFloat(spec.Gain, 'f', 2, 64))
	return append(args,
		"-protocol_whitelist", "file", "-stream_loop", "-1", "-i", spec.Background,
		"-filter_complex", filter,
		"-map", "0:v", "-map", "[aout]",
		"-c:v", "copy", "-c:a", "aac",
		"-t", strconv.FormatFloat(total, 'f', 3, 64),
		"-movflags", "+faststart",
		spec.Output,
	)
}
