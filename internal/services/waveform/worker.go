package waveform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Worker generates peaks for one file. Implementations must return a
// *WorkerError so failures can be classified, and must give up when ctx ends.
type Worker interface {
	Generate(ctx context.Context, path string) (Peaks, error)
}

// ComputeFunc is the peak computation run by in-process workers.
type ComputeFunc func(ctx context.Context, path string) (Peaks, error)

// InProcessWorker runs the computation on its own goroutine and recovers
// from panics. A timed-out computation is abandoned, not killed.
type InProcessWorker struct {
	Compute ComputeFunc
}

// Generate implements Worker.
func (w *InProcessWorker) Generate(ctx context.Context, path string) (Peaks, error) {
	type outcome struct {
		peaks Peaks
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &WorkerError{Kind: FailureWorkerError, Err: fmt.Errorf("worker panic: %v", r)}}
			}
		}()
		peaks, err := w.Compute(ctx, path)
		if err != nil {
			kind := FailureGenerationFailed
			if errors.Is(err, context.DeadlineExceeded) {
				kind = FailureTimeout
			}
			done <- outcome{err: &WorkerError{Kind: kind, Err: err}}
			return
		}
		done <- outcome{peaks: peaks}
	}()

	select {
	case out := <-done:
		return out.peaks, out.err
	case <-ctx.Done():
		return Peaks{}, &WorkerError{Kind: FailureTimeout, Err: ctx.Err()}
	}
}

// workerReply is the JSON a worker process prints on stdout.
type workerReply struct {
	Peaks    []float64 `json:"peaks,omitempty"`
	Duration float64   `json:"duration,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ProcessWorker runs generation in a child process so a decoder crash cannot
// take down the server. The child is killed when ctx ends.
type ProcessWorker struct {
	// Executable and Args form the command line; the path is appended.
	Executable string
	Args       []string
	// Env is appended to the parent's environment.
	Env []string
}

// NewSelfWorker re-executes the running binary's hidden worker subcommand.
func NewSelfWorker() (*ProcessWorker, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ProcessWorker{Executable: exe, Args: []string{"waveform-worker"}}, nil
}

// Generate implements Worker.
func (w *ProcessWorker) Generate(ctx context.Context, path string) (Peaks, error) {
	args := append(append([]string(nil), w.Args...), path)
	cmd := exec.CommandContext(ctx, w.Executable, args...)
	cmd.Env = append(os.Environ(), w.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return Peaks{}, &WorkerError{Kind: FailureTimeout, Err: ctx.Err()}
	}

	var reply workerReply
	decodeErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &reply)

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Peaks{}, &WorkerError{Kind: FailureWorkerError, Err: runErr}
		}
		if decodeErr == nil && reply.Error != "" {
			return Peaks{}, &WorkerError{Kind: FailureGenerationFailed, Err: errors.New(reply.Error)}
		}
		return Peaks{}, &WorkerError{
			Kind: FailureWorkerExitError,
			Err:  fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), tail(stderr.String(), 200)),
		}
	}

	if decodeErr != nil {
		return Peaks{}, &WorkerError{Kind: FailureWorkerError, Err: fmt.Errorf("decode worker output: %w", decodeErr)}
	}
	if reply.Error != "" {
		return Peaks{}, &WorkerError{Kind: FailureGenerationFailed, Err: errors.New(reply.Error)}
	}
	return Peaks{Peaks: reply.Peaks, Duration: reply.Duration}, nil
}

// RunWorker is the body of the worker process: it computes peaks for path
// and prints the reply. A non-nil return means the process should exit
// non-zero; the reply has already been written.
func RunWorker(ctx context.Context, compute ComputeFunc, path string, out io.Writer) error {
	peaks, err := compute(ctx, path)
	reply := workerReply{Peaks: peaks.Peaks, Duration: peaks.Duration}
	if err != nil {
		reply = workerReply{Error: err.Error()}
	}
	if encErr := json.NewEncoder(out).Encode(reply); encErr != nil {
		return encErr
	}
	return err
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
