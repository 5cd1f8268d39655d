// Package waveform produces amplitude peaks for audio files. Generation runs
// in an isolated worker under a hard timeout, retries with exponential
// backoff, and results are cached next to the source file.
package waveform

import (
	"errors"
	"fmt"
)

// CacheSuffix is appended to the source path to locate the peak cache.
const CacheSuffix = ".peaks.json"

// Peaks is the generated data and the cache file format.
type Peaks struct {
	Peaks    []float64 `json:"peaks"`
	Duration float64   `json:"duration"`
}

// FailureKind classifies an exhausted generation.
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureGenerationFailed FailureKind = "generation_failed"
	FailureWorkerError      FailureKind = "worker_error"
	FailureWorkerExitError  FailureKind = "worker_exit_error"
)

// WorkerError is returned by workers so the pipeline can classify failures.
type WorkerError struct {
	Kind FailureKind
	Err  error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// KindOf maps any worker error to a failure kind. Unclassified errors count
// as worker errors.
func KindOf(err error) FailureKind {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Kind
	}
	return FailureWorkerError
}

// Result is the outcome of GetOrGeneratePeaks. Exactly one of Peaks or Error
// is meaningful; Warning may accompany a successful result.
type Result struct {
	Peaks    []float64   `json:"peaks,omitempty"`
	Duration float64     `json:"duration,omitempty"`
	Cached   bool        `json:"cached"`
	Attempts int         `json:"attempts,omitempty"`
	Warning  string      `json:"warning,omitempty"`
	Error    FailureKind `json:"error,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// OK reports whether peaks were produced.
func (r Result) OK() bool {
	return r.Error == ""
}
