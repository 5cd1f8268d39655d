package waveform

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// DefaultBuckets is the number of peaks returned for a file.
	DefaultBuckets = 1000

	// ffmpeg decodes non-WAV sources to mono s16le at this rate.
	decodeRate = 8000

	// windowsPerSecond sets the resolution of the intermediate peak windows.
	windowsPerSecond = 100

	readFrames = 4096
)

var errNoSamples = errors.New("no audio samples")

// Computer turns an audio file into peaks.
type Computer struct {
	Buckets int
	FFmpeg  string
}

// NewComputer returns a Computer with default settings.
func NewComputer() *Computer {
	return &Computer{Buckets: DefaultBuckets, FFmpeg: "ffmpeg"}
}

// Compute decodes path and returns normalized peaks in [0, 1].
func (c *Computer) Compute(ctx context.Context, path string) (Peaks, error) {
	if _, err := os.Stat(path); err != nil {
		return Peaks{}, err
	}

	var (
		acc *accumulator
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		acc, err = c.decodeWAV(ctx, path)
	default:
		acc, err = c.decodeFFmpeg(ctx, path)
	}
	if err != nil {
		return Peaks{}, err
	}
	if acc.frames == 0 {
		return Peaks{}, errNoSamples
	}

	buckets := c.Buckets
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	return Peaks{
		Peaks:    acc.reduce(buckets),
		Duration: float64(acc.frames) / float64(acc.sampleRate),
	}, nil
}

func (c *Computer) decodeWAV(ctx context.Context, path string) (*accumulator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file: %s", path)
	}
	if _, err := decoder.Duration(); err != nil {
		return nil, fmt.Errorf("read wav header: %w", err)
	}

	channels := int(decoder.NumChans)
	if channels < 1 || decoder.BitDepth == 0 || decoder.SampleRate == 0 {
		return nil, fmt.Errorf("unsupported wav format: %d channels, %d bits", channels, decoder.BitDepth)
	}
	maxVal := float64(int(1) << (uint(decoder.BitDepth) - 1))
	acc := newAccumulator(int(decoder.SampleRate))

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  int(decoder.SampleRate),
		},
		Data:           make([]int, readFrames*channels),
		SourceBitDepth: int(decoder.BitDepth),
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := decoder.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read wav samples: %w", err)
		}
		if n == 0 {
			break
		}
		for i := 0; i+channels <= n; i += channels {
			peak := 0.0
			for ch := 0; ch < channels; ch++ {
				peak = math.Max(peak, math.Abs(float64(buf.Data[i+ch])/maxVal))
			}
			acc.add(peak)
		}
	}
	return acc, nil
}

func (c *Computer) decodeFFmpeg(ctx context.Context, path string) (*accumulator, error) {
	bin := c.FFmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(
		ctx,
		bin,
		"-v", "quiet",
		"-i", path,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", decodeRate),
		"-f", "s16le",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	acc, readErr := readS16LE(bufio.NewReader(stdout), decodeRate)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if readErr != nil {
		return nil, readErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w", waitErr)
	}
	return acc, nil
}

// readS16LE consumes mono little-endian 16-bit PCM until EOF.
func readS16LE(r io.Reader, sampleRate int) (*accumulator, error) {
	acc := newAccumulator(sampleRate)
	var frame [2]byte
	for {
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return acc, nil
			}
			return nil, err
		}
		v := int16(binary.LittleEndian.Uint16(frame[:]))
		acc.add(math.Abs(float64(v) / 32768))
	}
}

// accumulator keeps the peak of every fixed-length window so that the total
// length need not be known while decoding.
type accumulator struct {
	sampleRate int
	window     int
	frames     int
	current    float64
	inWindow   int
	windows    []float64
}

func newAccumulator(sampleRate int) *accumulator {
	window := sampleRate / windowsPerSecond
	if window < 1 {
		window = 1
	}
	return &accumulator{sampleRate: sampleRate, window: window}
}

func (a *accumulator) add(v float64) {
	a.frames++
	if v > a.current {
		a.current = v
	}
	a.inWindow++
	if a.inWindow == a.window {
		a.windows = append(a.windows, a.current)
		a.current, a.inWindow = 0, 0
	}
}

// reduce flushes the partial window and returns at most buckets peaks,
// each rounded to three decimals.
func (a *accumulator) reduce(buckets int) []float64 {
	windows := a.windows
	if a.inWindow > 0 {
		windows = append(windows, a.current)
	}

	n := len(windows)
	if n <= buckets {
		out := make([]float64, n)
		for i, v := range windows {
			out[i] = round3(v)
		}
		return out
	}

	out := make([]float64, buckets)
	for i := range out {
		start, end := i*n/buckets, (i+1)*n/buckets
		peak := 0.0
		for _, v := range windows[start:end] {
			peak = math.Max(peak, v)
		}
		out[i] = round3(peak)
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(math.Min(v, 1)*1000) / 1000
}
