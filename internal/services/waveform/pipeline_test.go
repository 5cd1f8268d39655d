package waveform

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-audio/internal/metrics"
)

// scriptedWorker returns the scripted errors in order, then succeeds.
type scriptedWorker struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	peaks  Peaks
	gate   chan struct{}
	called chan struct{}
}

func (w *scriptedWorker) Generate(ctx context.Context, _ string) (Peaks, error) {
	w.mu.Lock()
	w.calls++
	var err error
	if len(w.errs) > 0 {
		err, w.errs = w.errs[0], w.errs[1:]
	}
	gate, called := w.gate, w.called
	w.mu.Unlock()

	if called != nil {
		called <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return Peaks{}, err
	}
	return w.peaks, nil
}

func (w *scriptedWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func newTestPipeline(w Worker) (*Pipeline, *[]time.Duration) {
	p := NewPipeline(w, Config{Timeout: time.Second, MaxRetries: 2}, metrics.New(), zerolog.Nop())
	var sleeps []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return p, &sleeps
}

func audioPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "track.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0644))
	return path
}

func TestGetOrGeneratePeaks_CacheHitSkipsWorker(t *testing.T) {
	path := audioPath(t)
	require.NoError(t, os.WriteFile(CachePath(path), []byte(`{"peaks":[0.1,0.9],"duration":12.5}`), 0644))

	worker := &scriptedWorker{}
	p, _ := newTestPipeline(worker)

	res := p.GetOrGeneratePeaks(context.Background(), path)
	require.True(t, res.OK())
	assert.True(t, res.Cached)
	assert.Equal(t, []float64{0.1, 0.9}, res.Peaks)
	assert.Equal(t, 12.5, res.Duration)
	assert.Zero(t, worker.callCount())
}

func TestGetOrGeneratePeaks_DurationOnlyCacheIsValid(t *testing.T) {
	path := audioPath(t)
	require.NoError(t, os.WriteFile(CachePath(path), []byte(`{"duration":3}`), 0644))

	worker := &scriptedWorker{}
	p, _ := newTestPipeline(worker)

	res := p.GetOrGeneratePeaks(context.Background(), path)
	assert.True(t, res.Cached)
	assert.Zero(t, worker.callCount())
}

func TestGetOrGeneratePeaks_CorruptCacheRegenerates(t *testing.T) {
	for name, content := range map[string]string{
		"malformed json": "{oops",
		"missing fields": `{"something":"else"}`,
		"wrong types":    `{"peaks":"loud"}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := audioPath(t)
			require.NoError(t, os.WriteFile(CachePath(path), []byte(content), 0644))

			worker := &scriptedWorker{peaks: Peaks{Peaks: []float64{0.4}, Duration: 1}}
			p, _ := newTestPipeline(worker)

			res := p.GetOrGeneratePeaks(context.Background(), path)
			require.True(t, res.OK())
			assert.False(t, res.Cached)
			assert.Equal(t, 1, worker.callCount())

			data, err := os.ReadFile(CachePath(path))
			require.NoError(t, err)
			var cached Peaks
			require.NoError(t, json.Unmarshal(data, &cached))
			assert.Equal(t, []float64{0.4}, cached.Peaks)
		})
	}
}

func TestGetOrGeneratePeaks_TimeoutsExhaustRetries(t *testing.T) {
	path := audioPath(t)
	timeout := &WorkerError{Kind: FailureTimeout, Err: context.DeadlineExceeded}
	worker := &scriptedWorker{errs: []error{timeout, timeout, timeout}}
	p, sleeps := newTestPipeline(worker)

	res := p.GetOrGeneratePeaks(context.Background(), path)
	assert.False(t, res.OK())
	assert.Equal(t, FailureTimeout, res.Error)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, worker.callCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *sleeps)

	_, err := os.Stat(CachePath(path))
	assert.True(t, os.IsNotExist(err), "failed generation must not leave a cache")
}

func TestGetOrGeneratePeaks_RecoversOnRetry(t *testing.T) {
	path := audioPath(t)
	worker := &scriptedWorker{
		errs: []error{
			&WorkerError{Kind: FailureWorkerExitError, Err: errors.New("exit code 139")},
			errors.New("unclassified"),
		},
		peaks: Peaks{Peaks: []float64{0.2, 0.3}, Duration: 4},
	}
	p, sleeps := newTestPipeline(worker)

	res := p.GetOrGeneratePeaks(context.Background(), path)
	require.True(t, res.OK())
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, *sleeps, 2)
	_, err := os.Stat(CachePath(path))
	assert.NoError(t, err)
}

func TestGetOrGeneratePeaks_LastFailureKindWins(t *testing.T) {
	path := audioPath(t)
	worker := &scriptedWorker{errs: []error{
		&WorkerError{Kind: FailureTimeout, Err: context.DeadlineExceeded},
		&WorkerError{Kind: FailureWorkerError, Err: errors.New("panic")},
		&WorkerError{Kind: FailureGenerationFailed, Err: errors.New("unsupported codec")},
	}}
	p, _ := newTestPipeline(worker)

	res := p.GetOrGeneratePeaks(context.Background(), path)
	assert.Equal(t, FailureGenerationFailed, res.Error)
	assert.Contains(t, res.Message, "unsupported codec")
}

func TestGetOrGeneratePeaks_CacheWriteFailureIsWarning(t *testing.T) {
	path := audioPath(t)
	// A non-empty directory at the cache path cannot be replaced by rename.
	require.NoError(t, os.MkdirAll(filepath.Join(CachePath(path), "blocker"), 0755))

	worker := &scriptedWorker{peaks: Peaks{Peaks: []float64{0.5}, Duration: 2}}
	p, _ := newTestPipeline(worker)

	res := p.GetOrGeneratePeaks(context.Background(), path)
	require.True(t, res.OK())
	assert.Equal(t, []float64{0.5}, res.Peaks)
	assert.NotEmpty(t, res.Warning)
}

func TestGetOrGeneratePeaks_ConcurrentCallsShareGeneration(t *testing.T) {
	path := audioPath(t)
	worker := &scriptedWorker{
		peaks:  Peaks{Peaks: []float64{0.7}, Duration: 1},
		gate:   make(chan struct{}),
		called: make(chan struct{}, 1),
	}
	p, _ := newTestPipeline(worker)

	var wg sync.WaitGroup
	var okCount atomic.Int32
	start := func() {
		defer wg.Done()
		if p.GetOrGeneratePeaks(context.Background(), path).OK() {
			okCount.Add(1)
		}
	}

	wg.Add(1)
	go start()
	<-worker.called

	wg.Add(1)
	go start()
	// Give the second caller time to join the in-flight generation.
	time.Sleep(50 * time.Millisecond)
	close(worker.gate)
	wg.Wait()

	assert.Equal(t, int32(2), okCount.Load())
	assert.Equal(t, 1, worker.callCount())
}

func TestGetOrGeneratePeaks_EmptyPath(t *testing.T) {
	worker := &scriptedWorker{}
	p, _ := newTestPipeline(worker)

	res := p.GetOrGeneratePeaks(context.Background(), "")
	assert.False(t, res.OK())
	assert.Zero(t, worker.callCount())
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, ExponentialBackoff(1))
	assert.Equal(t, 4*time.Second, ExponentialBackoff(2))
	assert.Equal(t, 8*time.Second, ExponentialBackoff(3))
}
