// Package ipc implements the worker result frame.
//
// A worker configured with the frame output mode writes exactly one frame to
// stdout: a 4-byte big-endian payload length followed by a msgpack map. The
// map carries either the annotated bytes inline or a path to a file the
// worker wrote, never both.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// ResultFrameType is the type discriminant for result frames.
const ResultFrameType = "result"

// ResultFrame is the single message a frame-mode worker emits.
type ResultFrame struct {
	Type string `msgpack:"type"`
	// Data is the annotated media. Mutually exclusive with Path.
	Data []byte `msgpack:"data,omitempty"`
	// Path is a file the worker wrote. Mutually exclusive with Data.
	Path string `msgpack:"path,omitempty"`
	// MIME optionally overrides the configured result MIME type.
	MIME string `msgpack:"mime,omitempty"`
	// Detections is the number of detections, when the worker reports it.
	Detections *int `msgpack:"detections,omitempty"`
}

// Validate checks the frame carries exactly one result variant.
func (f *ResultFrame) Validate() error {
	if f.Type != ResultFrameType {
		return fmt.Errorf("unexpected frame type %q", f.Type)
	}
	hasData := len(f.Data) > 0
	hasPath := f.Path != ""
	switch {
	case hasData && hasPath:
		return errors.New("result frame has both data and path")
	case !hasData && !hasPath:
		return errors.New("result frame has neither data nor path")
	}
	return nil
}

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
	// FrameErrorTrailing indicates bytes after the result frame.
	FrameErrorTrailing
	// FrameErrorInvalid indicates a decoded frame that fails validation.
	FrameErrorInvalid
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorPartial:
		return "partial"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorDecode:
		return "decode"
	case FrameErrorTrailing:
		return "trailing"
	case FrameErrorInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the stream cannot be read further.
// Partial and oversized frames leave the stream position undefined.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r}
}

// ReadFrame reads a single frame from the stream.
// Returns the raw payload bytes (msgpack-encoded).
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])

	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// DecodeResultFrame decodes and validates a payload as a ResultFrame.
func DecodeResultFrame(payload []byte) (*ResultFrame, error) {
	var frame ResultFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode result frame",
			Err:  err,
		}
	}
	if err := frame.Validate(); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorInvalid,
			Msg:  "invalid result frame",
			Err:  err,
		}
	}
	return &frame, nil
}

// ReadResult reads exactly one result frame from r. An empty stream, extra
// bytes after the frame, or an invalid frame are all errors.
func ReadResult(r io.Reader) (*ResultFrame, error) {
	dec := NewFrameDecoder(r)
	payload, err := dec.ReadFrame()
	if err == io.EOF {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "no result frame", Err: io.ErrUnexpectedEOF}
	}
	if err != nil {
		return nil, err
	}

	frame, err := DecodeResultFrame(payload)
	if err != nil {
		return nil, err
	}

	var extra [1]byte
	if n, _ := io.ReadFull(r, extra[:]); n > 0 {
		return nil, &FrameError{Kind: FrameErrorTrailing, Msg: "unexpected bytes after result frame"}
	}
	return frame, nil
}

// EncodeFrame marshals v with msgpack and writes it length-prefixed to w.
func EncodeFrame(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload))) //nolint:gosec // bounded by MaxPayloadSize
	if _, err := w.Write(lengthBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
