//nolint:revive // types is a common Go package naming convention
package types

import (
	"fmt"
	"time"
)

// InputMode selects how a worker receives its input.
type InputMode string

const (
	// InputStdin streams the staged file into the worker's stdin.
	InputStdin InputMode = "stdin"
	// InputPath passes the staged file path as a process argument.
	InputPath InputMode = "path"
)

// ParseInputMode validates an input mode string.
func ParseInputMode(s string) (InputMode, error) {
	switch InputMode(s) {
	case InputStdin, InputPath:
		return InputMode(s), nil
	default:
		return "", fmt.Errorf("invalid input mode %q (must be stdin or path)", s)
	}
}

// OutputMode fixes how a worker reports its result on stdout.
// The mode is configured per media kind and never inferred from the bytes.
type OutputMode string

const (
	// OutputBytes means stdout is the raw annotated media.
	OutputBytes OutputMode = "bytes"
	// OutputBase64 means stdout is base64 text of the annotated media.
	OutputBase64 OutputMode = "base64"
	// OutputPath means stdout is a single path to a file the worker wrote.
	OutputPath OutputMode = "path"
	// OutputFrame means stdout is one length-prefixed msgpack result frame.
	OutputFrame OutputMode = "frame"
)

// ParseOutputMode validates an output mode string.
func ParseOutputMode(s string) (OutputMode, error) {
	switch OutputMode(s) {
	case OutputBytes, OutputBase64, OutputPath, OutputFrame:
		return OutputMode(s), nil
	default:
		return "", fmt.Errorf("invalid output mode %q (must be bytes, base64, path, or frame)", s)
	}
}

// ResponseMode selects the wire representation of a successful result.
type ResponseMode string

const (
	// ResponseInline embeds the result as base64 in a JSON body.
	ResponseInline ResponseMode = "inline"
	// ResponseStream sends the result file as a raw binary body.
	ResponseStream ResponseMode = "stream"
)

// ParseResponseMode validates a response mode string.
func ParseResponseMode(s string) (ResponseMode, error) {
	switch ResponseMode(s) {
	case ResponseInline, ResponseStream:
		return ResponseMode(s), nil
	default:
		return "", fmt.Errorf("invalid response mode %q (must be inline or stream)", s)
	}
}

// WorkerJob describes one worker invocation. It exists only for the
// lifetime of the process.
type WorkerJob struct {
	// RequestID is the owning request.
	RequestID string
	// Kind is the media kind being processed.
	Kind MediaKind
	// Command is the worker executable.
	Command string
	// Args are the worker arguments, with {input} and {output} placeholders.
	Args []string
	// Env holds extra environment entries (KEY=VALUE).
	Env []string
	// Dir is the worker working directory. Empty inherits the parent's.
	Dir string
	// InputMode is how the input is transferred. Exactly one mode per job.
	InputMode InputMode
	// InputPath is the staged input file.
	InputPath string
	// OutputPath is the reserved output location offered to the worker.
	OutputPath string
	// OutputMode is the fixed stdout convention for this job.
	OutputMode OutputMode
	// Timeout bounds worker execution. Zero means no deadline.
	Timeout time.Duration
	// StderrLimit caps captured stderr bytes. Zero means the default.
	StderrLimit int
	// StdoutLimit caps captured stdout bytes. Zero means unlimited.
	// Output past the cap is drained and discarded.
	StdoutLimit int
}

// WorkerResult is produced when the worker process terminates.
type WorkerResult struct {
	// ExitCode is the process exit code (-1 if killed by a signal).
	ExitCode int
	// Stdout is the captured stdout, capped at the job's StdoutLimit.
	Stdout []byte
	// StdoutTruncated is true when stdout exceeded StdoutLimit.
	StdoutTruncated bool
	// Stderr is the captured stderr, capped at the job's limit.
	Stderr string
	// StderrTruncated is true when stderr exceeded the capture limit.
	StderrTruncated bool
	// Duration is the wall time from spawn to exit.
	Duration time.Duration
}

// Succeeded reports whether the worker exited with status 0.
func (r *WorkerResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0
}
