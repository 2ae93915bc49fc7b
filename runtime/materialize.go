package runtime

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/pithecene-io/spotter/ipc"
	"github.com/pithecene-io/spotter/log"
	"github.com/pithecene-io/spotter/metrics"
	"github.com/pithecene-io/spotter/types"
)

// truncatedMarker is appended to diagnostic text cut at the detail limit.
const truncatedMarker = "…(truncated)"

// Materializer converts worker output into response payloads.
type Materializer struct {
	store           *ArtifactStore
	logger          *log.Logger
	collector       *metrics.Collector
	inlineWarnBytes int64
	maxDetailBytes  int
}

// NewMaterializer creates a materializer backed by store.
func NewMaterializer(store *ArtifactStore, logger *log.Logger, collector *metrics.Collector, inlineWarnBytes int64, maxDetailBytes int) *Materializer {
	if logger == nil {
		logger = log.NewNop()
	}
	if maxDetailBytes <= 0 {
		maxDetailBytes = DefaultMaxDetailBytes
	}
	return &Materializer{
		store:           store,
		logger:          logger,
		collector:       collector,
		inlineWarnBytes: inlineWarnBytes,
		maxDetailBytes:  maxDetailBytes,
	}
}

// MaterializeInline base64-encodes data for a JSON body.
func (m *Materializer) MaterializeInline(data []byte, mime string, kind types.MediaKind) *types.InlineBase64 {
	if m.inlineWarnBytes > 0 && int64(len(data)) > m.inlineWarnBytes {
		m.logger.Warn("large inline payload, consider stream response mode", map[string]any{
			"bytes":     len(data),
			"threshold": m.inlineWarnBytes,
		})
	}
	return &types.InlineBase64{
		MIME:    mime,
		Data:    base64.StdEncoding.EncodeToString(data),
		Field:   kind.InlineField(),
		RawSize: int64(len(data)),
	}
}

// MaterializeStreamed validates path and wraps it as a streamed payload.
// The payload owns the file; releasing it removes the file.
func (m *Materializer) MaterializeStreamed(path, mime string) (*types.StreamedFile, error) {
	resolved, err := m.store.ResolveOutputPath(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, types.NewPipelineError(types.KindMaterialization, "stat", err)
	}
	if info.Size() == 0 {
		return nil, types.NewPipelineError(types.KindMaterialization, "stat", errors.New("worker output file is empty"))
	}
	return types.NewStreamedFile(resolved, mime, info.Size(), func() {
		m.store.ReleaseOutput(resolved)
	}), nil
}

// MaterializeFailure maps err to the structured error body.
// Detail text is bounded by the configured limit.
func (m *Materializer) MaterializeFailure(kind types.MediaKind, err error) *types.ErrorResponse {
	resp := &types.ErrorResponse{
		Error: kind.Title() + " detection failed!",
		Kind:  types.KindOf(err),
	}
	if kind == "" {
		resp.Error = "Detection failed!"
	}

	var pe *types.PipelineError
	switch {
	case errors.As(err, &pe):
		resp.ExitCode = pe.ExitCode
		resp.Detail = pe.Detail
		if resp.Detail == "" && pe.Err != nil {
			resp.Detail = pe.Err.Error()
		}
		if pe.Kind == types.KindInvalidUpload {
			resp.Error = "Invalid " + string(kind) + " upload"
		}
	case err != nil:
		resp.Detail = err.Error()
	}

	resp.Detail = TruncateDetail(resp.Detail, m.maxDetailBytes)
	return resp
}

// TruncateDetail cuts s to at most limit bytes on a rune boundary and marks
// the cut.
func TruncateDetail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}

// workerOutput is the decoded result of one worker run: bytes in memory or
// a validated file inside the output directory.
type workerOutput struct {
	data       []byte
	path       string
	mime       string
	detections *int
}

// PathStdoutLimit bounds stdout under the path convention, which carries a
// single path line.
const PathStdoutLimit = 4 << 10

// StdoutLimitFor returns the stdout capture cap for an output mode. Media
// carried on stdout (bytes, base64) is not capped.
func StdoutLimitFor(mode types.OutputMode) int {
	switch mode {
	case types.OutputPath:
		return PathStdoutLimit
	case types.OutputFrame:
		return ipc.MaxFrameSize
	default:
		return 0
	}
}

// extract decodes stdout according to the fixed output mode.
func (m *Materializer) extract(mode types.OutputMode, result *types.WorkerResult) (*workerOutput, error) {
	if result.StdoutTruncated {
		return nil, types.NewPipelineError(types.KindMaterialization, "extract",
			fmt.Errorf("worker stdout exceeded %d bytes allowed for %s output", StdoutLimitFor(mode), mode))
	}
	switch mode {
	case types.OutputBytes:
		if len(result.Stdout) == 0 {
			return nil, types.NewPipelineError(types.KindMaterialization, "extract", errors.New("worker produced no output"))
		}
		return &workerOutput{data: result.Stdout}, nil

	case types.OutputBase64:
		data, err := decodeBase64Output(result.Stdout)
		if err != nil {
			return nil, types.NewPipelineError(types.KindMaterialization, "extract", err)
		}
		return &workerOutput{data: data}, nil

	case types.OutputPath:
		candidate := strings.TrimSpace(string(result.Stdout))
		resolved, err := m.store.ResolveOutputPath(candidate)
		if err != nil {
			return nil, err
		}
		return &workerOutput{path: resolved}, nil

	case types.OutputFrame:
		frame, err := ipc.ReadResult(bytes.NewReader(result.Stdout))
		if err != nil {
			m.collector.IncFrameDecodeErrors()
			return nil, types.NewPipelineError(types.KindMaterialization, "decode frame", err)
		}
		out := &workerOutput{data: frame.Data, mime: frame.MIME, detections: frame.Detections}
		if frame.Path != "" {
			resolved, err := m.store.ResolveOutputPath(frame.Path)
			if err != nil {
				return nil, err
			}
			out.path = resolved
		}
		return out, nil

	default:
		return nil, types.NewPipelineError(types.KindInternal, "extract", fmt.Errorf("unknown output mode %q", mode))
	}
}

// decodeBase64Output decodes worker base64 text. Whitespace, including line
// wrapping and the trailing newline, is ignored.
func decodeBase64Output(stdout []byte) ([]byte, error) {
	text := strings.Join(strings.Fields(string(stdout)), "")
	if text == "" {
		return nil, errors.New("worker produced no output")
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("worker output is not valid base64: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("worker produced no output")
	}
	return data, nil
}

// Materialize turns a successful worker result into the response payload
// for spec. reservedPath is where byte output is written for streaming.
//
// Ownership: a file the worker emitted is either handed to a StreamedFile
// or removed before returning. The caller still owns reservedPath unless
// the returned payload streams it.
func (m *Materializer) Materialize(kind types.MediaKind, spec *WorkerSpec, result *types.WorkerResult, reservedPath string) (*types.ResponsePayload, error) {
	out, err := m.extract(spec.Output, result)
	if err != nil {
		return nil, err
	}

	mime := spec.MIME
	if out.mime != "" {
		mime = out.mime
	}

	switch spec.Response {
	case types.ResponseStream:
		path := out.path
		if path == "" {
			if reservedPath == "" {
				return nil, types.NewPipelineError(types.KindInternal, "materialize", errors.New("no output path reserved"))
			}
			if err := os.WriteFile(reservedPath, out.data, 0o600); err != nil {
				return nil, types.NewPipelineError(types.KindMaterialization, "write output", err)
			}
			path = reservedPath
		}
		streamed, err := m.MaterializeStreamed(path, mime)
		if err != nil {
			m.store.ReleaseOutput(path)
			return nil, err
		}
		return &types.ResponsePayload{Streamed: streamed, Detections: out.detections}, nil

	default:
		data := out.data
		if out.path != "" {
			data, err = os.ReadFile(out.path)
			m.store.ReleaseOutput(out.path)
			if err != nil {
				return nil, types.NewPipelineError(types.KindMaterialization, "read output", err)
			}
			if len(data) == 0 {
				return nil, types.NewPipelineError(types.KindMaterialization, "read output", errors.New("worker output file is empty"))
			}
		}
		return &types.ResponsePayload{Inline: m.MaterializeInline(data, mime, kind), Detections: out.detections}, nil
	}
}
