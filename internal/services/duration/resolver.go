// Package duration extracts audio file durations. WAV files are decoded in
// process with go-audio; everything else is probed with ffprobe.
package duration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/bbernstein/lacylights-audio/internal/metrics"
)

const (
	// DefaultMaxFileSize bounds probe latency.
	DefaultMaxFileSize int64 = 100 * 1024 * 1024
	// DefaultProbeTimeout applies when the caller's context has no deadline.
	DefaultProbeTimeout = 5 * time.Second
)

var (
	ErrNoPath      = errors.New("no file path")
	ErrTooLarge    = errors.New("file exceeds probe size limit")
	ErrInvalidWAV  = errors.New("not a valid WAV file")
	ErrNoAudio     = errors.New("no audio stream found")
	ErrBadDuration = errors.New("probe returned no usable duration")
)

// Resolver implements cues.DurationResolver.
type Resolver struct {
	maxFileSize  int64
	probeTimeout time.Duration
	ffprobe      string
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxFileSize overrides the size ceiling in bytes.
func WithMaxFileSize(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxFileSize = n
		}
	}
}

// WithFFprobe sets the ffprobe binary.
func WithFFprobe(path string) Option {
	return func(r *Resolver) { r.ffprobe = path }
}

// WithMetrics records probe outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver.
func NewResolver(logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		maxFileSize:  DefaultMaxFileSize,
		probeTimeout: DefaultProbeTimeout,
		ffprobe:      "ffprobe",
		logger:       logger.With().Str("component", "duration").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the duration of the file at path in seconds. Every failure
// is logged and reported as ok=false.
func (r *Resolver) Resolve(ctx context.Context, path string) (float64, bool) {
	method := methodFor(path)
	seconds, err := r.Probe(ctx, path)
	if err != nil {
		r.metrics.DurationProbe(method, "error")
		r.logger.Warn().Err(err).Str("path", path).Msg("duration probe failed")
		return 0, false
	}
	r.metrics.DurationProbe(method, "ok")
	r.logger.Debug().Str("path", path).Float64("seconds", seconds).Msg("duration resolved")
	return seconds, true
}

// Probe is Resolve with the failure reason.
func (r *Resolver) Probe(ctx context.Context, path string) (float64, error) {
	if strings.TrimSpace(path) == "" {
		return 0, ErrNoPath
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > r.maxFileSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}

	var seconds float64
	if methodFor(path) == "wav" {
		seconds, err = wavDuration(path)
	} else {
		seconds, err = r.ffprobeDuration(ctx, path)
	}
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, ErrBadDuration
	}
	return seconds, nil
}

func methodFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return "wav"
	default:
		return "ffprobe"
	}
}

func wavDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return 0, ErrInvalidWAV
	}
	d, err := decoder.Duration()
	if err != nil {
		return 0, fmt.Errorf("read wav duration: %w", err)
	}
	return d.Seconds(), nil
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

func (r *Resolver) ffprobeDuration(ctx context.Context, path string) (float64, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.probeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(
		ctx,
		r.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseFFprobe(out)
}

func parseFFprobe(out []byte) (float64, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("decode ffprobe output: %w", err)
	}

	hasAudio := false
	streamDuration := ""
	for _, s := range probe.Streams {
		if s.CodecType == "audio" {
			hasAudio = true
			streamDuration = s.Duration
			break
		}
	}
	if !hasAudio {
		return 0, ErrNoAudio
	}

	for _, raw := range []string{probe.Format.Duration, streamDuration} {
		if d, err := strconv.ParseFloat(raw, 64); err == nil && d > 0 {
			return d, nil
		}
	}
	return 0, ErrBadDuration
}
