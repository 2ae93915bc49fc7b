// Package adapter defines the notification boundary.
//
// Adapters publish detection completion notifications to downstream
// systems. The runtime owns adapter lifecycle; users provide configuration
// only.
package adapter

import (
	"context"
	"time"
)

// EventTypeDetectionCompleted is the only event type published.
const EventTypeDetectionCompleted = "detection_completed"

// DefaultBackoffBase is the delay before the first retry.
const DefaultBackoffBase = 500 * time.Millisecond

// Backoff returns the delay before retry attempt (1-based): base, 2*base,
// 4*base and so on.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	if base <= 0 {
		base = DefaultBackoffBase
	}
	return time.Duration(1<<uint(attempt-1)) * base
}

// DetectionCompletedEvent is the payload published when a request finishes.
// It summarizes the request and never carries media bytes.
type DetectionCompletedEvent struct {
	Version     string `json:"version"`
	EventType   string `json:"event_type"` // always "detection_completed"
	RequestID   string `json:"request_id"`
	Kind        string `json:"kind"`    // image, video
	Outcome     string `json:"outcome"` // completed or an error kind
	ErrorKind   string `json:"error_kind,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Response    string `json:"response,omitempty"` // inline, stream
	Detections  *int   `json:"detections,omitempty"`
	Timestamp   string `json:"timestamp"` // RFC 3339
	DurationMs  int64  `json:"duration_ms"`
	InputBytes  int64  `json:"input_bytes"`
	OutputBytes int64  `json:"output_bytes"`
}

// Adapter publishes completion events to a downstream system.
type Adapter interface {
	// Publish sends a completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *DetectionCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
