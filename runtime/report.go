package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pithecene-io/spotter/types"
)

// RequestReport is the structured JSON summary of one request.
// It never contains media bytes.
type RequestReport struct {
	RequestID   string                  `json:"request_id" yaml:"request_id"`
	Kind        types.MediaKind         `json:"kind" yaml:"kind"`
	State       types.RequestState      `json:"state" yaml:"state"`
	ErrorKind   types.ErrorKind         `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Message     string                  `json:"message" yaml:"message"`
	Detail      string                  `json:"detail,omitempty" yaml:"detail,omitempty"`
	ExitCode    *int                    `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Response    types.ResponseMode      `json:"response,omitempty" yaml:"response,omitempty"`
	MIME        string                  `json:"mime,omitempty" yaml:"mime,omitempty"`
	Detections  *int                    `json:"detections,omitempty" yaml:"detections,omitempty"`
	StartedAt   time.Time               `json:"started_at" yaml:"started_at"`
	DurationMs  int64                   `json:"duration_ms" yaml:"duration_ms"`
	WorkerMs    int64                   `json:"worker_ms" yaml:"worker_ms"`
	InputBytes  int64                   `json:"input_bytes" yaml:"input_bytes"`
	OutputBytes int64                   `json:"output_bytes" yaml:"output_bytes"`
	Stderr      string                  `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	History     []types.StateTransition `json:"history" yaml:"history"`
}

// Succeeded reports whether the request completed.
func (r *RequestReport) Succeeded() bool {
	return r != nil && r.State == types.StateCompleted
}

// Outcome returns "completed" or the error kind, for partitioning and display.
func (r *RequestReport) Outcome() string {
	if r.Succeeded() {
		return string(types.StateCompleted)
	}
	if r.ErrorKind != "" {
		return string(r.ErrorKind)
	}
	return string(r.State)
}

// BuildRequestReport composes a report from a result. stderrLimit bounds
// the stderr excerpt.
func BuildRequestReport(result *Result, stderrLimit int) *RequestReport {
	report := &RequestReport{
		RequestID:   result.Meta.RequestID,
		Kind:        result.Meta.Kind,
		State:       result.State,
		ExitCode:    result.ExitCode,
		StartedAt:   result.StartedAt,
		DurationMs:  result.Duration.Milliseconds(),
		WorkerMs:    result.WorkerDuration.Milliseconds(),
		InputBytes:  result.InputBytes,
		OutputBytes: result.OutputBytes,
		Stderr:      TruncateDetail(result.Stderr, stderrLimit),
		History:     result.History,
	}

	switch {
	case result.Payload != nil:
		report.Response = result.Payload.Mode()
		report.Detections = result.Payload.Detections
		if result.Payload.Inline != nil {
			report.MIME = result.Payload.Inline.MIME
		} else {
			report.MIME = result.Payload.Streamed.MIME
		}
		report.Message = result.Meta.Kind.Title() + " detection completed!"
	case result.Error != nil:
		report.ErrorKind = result.Error.Kind
		report.Message = result.Error.Error
		report.Detail = result.Error.Detail
	}

	return report
}

// WriteRequestReport writes the report as JSON to the specified path.
// If path is "-", writes to stderr.
func WriteRequestReport(report *RequestReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}

	if path == "-" {
		if err := writeRequestReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	data, err := marshalReport(report)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}

// ReadRequestReport loads a report written by WriteRequestReport.
func ReadRequestReport(path string) (*RequestReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var report RequestReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	if report.RequestID == "" {
		return nil, fmt.Errorf("report %s has no request_id", path)
	}
	return &report, nil
}

func marshalReport(report *RequestReport) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return append(data, '\n'), nil
}

// writeRequestReportTo writes report JSON to any writer.
func writeRequestReportTo(report *RequestReport, w io.Writer) error {
	data, err := marshalReport(report)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
