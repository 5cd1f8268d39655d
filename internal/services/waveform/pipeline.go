package waveform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/bbernstein/lacylights-audio/internal/metrics"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
)

// Config tunes the pipeline. A zero Timeout or negative MaxRetries takes
// the default.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
}

// Pipeline serves peaks from the cache or generates them.
type Pipeline struct {
	worker     Worker
	timeout    time.Duration
	maxRetries int

	// backoff returns the wait after the given failed attempt (1-based).
	backoff func(attempt int) time.Duration
	sleep   func(ctx context.Context, d time.Duration) error

	group   singleflight.Group
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewPipeline creates a pipeline using worker for generation.
func NewPipeline(worker Worker, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		worker:     worker,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		backoff:    ExponentialBackoff,
		sleep:      sleepContext,
		metrics:    m,
		logger:     logger.With().Str("component", "waveform").Logger(),
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.maxRetries < 0 {
		p.maxRetries = DefaultMaxRetries
	}
	return p
}

// ExponentialBackoff waits 2^attempt seconds.
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// CachePath returns the cache location for an audio file.
func CachePath(path string) string {
	return path + CacheSuffix
}

// GetOrGeneratePeaks returns cached peaks when a valid cache exists, and
// otherwise generates them. Concurrent calls for the same path share one
// generation. It never returns an error; failures are in the Result.
func (p *Pipeline) GetOrGeneratePeaks(ctx context.Context, path string) Result {
	if path == "" {
		return Result{Error: FailureGenerationFailed, Message: "no file path"}
	}
	if res, ok := p.readCache(path); ok {
		return res
	}

	// Generation outlives an individual caller so that waiters sharing it
	// are not failed by one caller going away.
	genCtx := context.WithoutCancel(ctx)
	v, _, _ := p.group.Do(path, func() (any, error) {
		return p.generate(genCtx, path), nil
	})
	return v.(Result)
}

// readCache returns a structurally valid cached result. A corrupt cache
// file is removed.
func (p *Pipeline) readCache(path string) (Result, bool) {
	cachePath := CachePath(path)
	data, err := os.ReadFile(cachePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn().Err(err).Str("cache", cachePath).Msg("failed to read peak cache")
		}
		return Result{}, false
	}

	var fields map[string]json.RawMessage
	var peaks Peaks
	valid := json.Unmarshal(data, &fields) == nil
	if valid {
		_, hasPeaks := fields["peaks"]
		_, hasDuration := fields["duration"]
		valid = (hasPeaks || hasDuration) && json.Unmarshal(data, &peaks) == nil
	}
	if !valid {
		p.logger.Warn().Str("cache", cachePath).Msg("corrupt peak cache, regenerating")
		if err := os.Remove(cachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn().Err(err).Str("cache", cachePath).Msg("failed to remove corrupt peak cache")
		}
		return Result{}, false
	}
	return Result{Peaks: peaks.Peaks, Duration: peaks.Duration, Cached: true}, true
}

// retryState is the explicit state of one generation run.
type retryState struct {
	attempt  int
	lastKind FailureKind
	lastErr  error
}

func (s *retryState) fail(err error) {
	s.lastKind = KindOf(err)
	s.lastErr = err
}

func (p *Pipeline) generate(ctx context.Context, path string) Result {
	state := retryState{}
	maxAttempts := p.maxRetries + 1

	for state.attempt < maxAttempts {
		if state.attempt > 0 {
			wait := p.backoff(state.attempt)
			p.logger.Info().
				Str("path", path).
				Int("attempt", state.attempt+1).
				Dur("backoff", wait).
				Msg("retrying waveform generation")
			if err := p.sleep(ctx, wait); err != nil {
				state.fail(&WorkerError{Kind: FailureTimeout, Err: err})
				break
			}
		}
		state.attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		peaks, err := p.worker.Generate(attemptCtx, path)
		cancel()

		if err == nil {
			p.metrics.WaveformAttempt("success")
			return p.succeed(path, peaks, state.attempt)
		}
		state.fail(err)
		p.metrics.WaveformAttempt(string(state.lastKind))
		p.logger.Warn().
			Err(err).
			Str("path", path).
			Int("attempt", state.attempt).
			Str("kind", string(state.lastKind)).
			Msg("waveform generation attempt failed")
	}

	p.logger.Error().
		Str("path", path).
		Int("attempts", state.attempt).
		Str("kind", string(state.lastKind)).
		Msg("waveform generation failed")
	msg := ""
	if state.lastErr != nil {
		msg = state.lastErr.Error()
	}
	return Result{Error: state.lastKind, Message: msg, Attempts: state.attempt}
}

func (p *Pipeline) succeed(path string, peaks Peaks, attempts int) Result {
	res := Result{Peaks: peaks.Peaks, Duration: peaks.Duration, Attempts: attempts}
	if res.Peaks == nil {
		res.Peaks = []float64{}
	}
	if err := writeCache(CachePath(path), Peaks{Peaks: res.Peaks, Duration: res.Duration}); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("failed to write peak cache")
		res.Warning = fmt.Sprintf("peaks not cached: %v", err)
	}
	return res
}

func writeCache(cachePath string, peaks Peaks) error {
	data, err := json.Marshal(peaks)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(cachePath), filepath.Base(cachePath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, cachePath)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
