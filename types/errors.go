//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures. Values are machine-readable and
// appear verbatim in error responses.
type ErrorKind string

// Error kinds.
const (
	// KindStaging is a disk or permission failure while staging the upload.
	KindStaging ErrorKind = "StagingError"
	// KindSpawn is a worker executable that is missing or not permitted.
	KindSpawn ErrorKind = "SpawnError"
	// KindWorkerFailure is a non-zero worker exit.
	KindWorkerFailure ErrorKind = "WorkerFailure"
	// KindTimeout is a worker that exceeded its deadline.
	KindTimeout ErrorKind = "TimeoutError"
	// KindMaterialization is a worker that claimed success without valid output.
	KindMaterialization ErrorKind = "MaterializationError"
	// KindInvalidUpload is a request rejected before staging.
	KindInvalidUpload ErrorKind = "InvalidUpload"
	// KindInternal is an unexpected fault inside the pipeline.
	KindInternal ErrorKind = "InternalError"
)

// Sentinels for errors.Is checks against a PipelineError's kind.
var (
	ErrStaging         = errors.New("staging failed")
	ErrSpawn           = errors.New("worker spawn failed")
	ErrWorkerFailure   = errors.New("worker failed")
	ErrTimeout         = errors.New("worker timed out")
	ErrMaterialization = errors.New("materialization failed")
	ErrInvalidUpload   = errors.New("invalid upload")
	ErrInternal        = errors.New("internal error")
)

var kindSentinels = map[ErrorKind]error{
	KindStaging:         ErrStaging,
	KindSpawn:           ErrSpawn,
	KindWorkerFailure:   ErrWorkerFailure,
	KindTimeout:         ErrTimeout,
	KindMaterialization: ErrMaterialization,
	KindInvalidUpload:   ErrInvalidUpload,
	KindInternal:        ErrInternal,
}

// PipelineError is a classified pipeline failure.
// It preserves the underlying error for errors.As chain traversal.
type PipelineError struct {
	// Kind classifies the failure.
	Kind ErrorKind
	// Op is the step that failed (e.g. "stage", "spawn", "wait", "resolve").
	Op string
	// Detail is human-readable diagnostic text (e.g. worker stderr).
	Detail string
	// ExitCode is the worker exit code, when one exists.
	ExitCode *int
	// Err is the underlying error.
	Err error
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.ExitCode != nil {
		msg = fmt.Sprintf("%s (exit code %d)", msg, *e.ExitCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *PipelineError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// NewPipelineError creates a classified error.
func NewPipelineError(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// WorkerFailureError builds the error for a non-zero worker exit.
func WorkerFailureError(exitCode int, stderr string) *PipelineError {
	code := exitCode
	return &PipelineError{
		Kind:     KindWorkerFailure,
		Op:       "wait",
		Detail:   stderr,
		ExitCode: &code,
	}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
