//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"sync"
)

// InlineBase64 is a result embedded as base64 in a JSON body.
type InlineBase64 struct {
	// MIME is the result content type.
	MIME string
	// Data is the standard base64 encoding of the result bytes.
	Data string
	// Field is the JSON field carrying the data URI.
	Field string
	// RawSize is the decoded size in bytes.
	RawSize int64
}

// DataURI returns the data: URI for the payload.
func (p *InlineBase64) DataURI() string {
	return "data:" + p.MIME + ";base64," + p.Data
}

// StreamedFile is a result sent as a raw binary body from disk.
// The file is owned by the payload and removed by Release.
type StreamedFile struct {
	// Path is the result file location.
	Path string
	// MIME is the result content type.
	MIME string
	// Size is the file size in bytes.
	Size int64

	release     func()
	releaseOnce sync.Once
}

// NewStreamedFile creates a streamed payload whose release callback
// removes the underlying file.
func NewStreamedFile(path, mime string, size int64, release func()) *StreamedFile {
	return &StreamedFile{
		Path:    path,
		MIME:    mime,
		Size:    size,
		release: release,
	}
}

// Release deletes the underlying file. Safe to call more than once.
func (f *StreamedFile) Release() {
	if f == nil {
		return
	}
	f.releaseOnce.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// ResponsePayload is the tagged union of successful result representations.
// Exactly one variant is set.
type ResponsePayload struct {
	Inline   *InlineBase64
	Streamed *StreamedFile
	// Detections is the worker-reported detection count, when known.
	Detections *int
}

// Validate checks that exactly one variant is set.
func (p *ResponsePayload) Validate() error {
	if p == nil {
		return errors.New("response payload is nil")
	}
	switch {
	case p.Inline != nil && p.Streamed != nil:
		return errors.New("response payload has both inline and streamed variants")
	case p.Inline == nil && p.Streamed == nil:
		return errors.New("response payload has no variant")
	}
	return nil
}

// Mode returns the response mode of the set variant.
func (p *ResponsePayload) Mode() ResponseMode {
	if p != nil && p.Streamed != nil {
		return ResponseStream
	}
	return ResponseInline
}

// Release frees resources held by the payload.
func (p *ResponsePayload) Release() {
	if p != nil && p.Streamed != nil {
		p.Streamed.Release()
	}
}

// ErrorResponse is the structured error body returned to callers.
type ErrorResponse struct {
	// Error is a short human-readable summary.
	Error string `json:"error"`
	// Kind is the machine-readable error kind.
	Kind ErrorKind `json:"kind"`
	// Detail is bounded diagnostic text.
	Detail string `json:"detail,omitempty"`
	// ExitCode is the worker exit code, when one exists.
	ExitCode *int `json:"exit_code,omitempty"`
}
