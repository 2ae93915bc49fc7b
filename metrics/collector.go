// Package metrics provides process-wide request metrics.
//
// The Collector accumulates counters across all requests served by one
// process. It is a leaf package with no internal dependencies; error kinds
// and media kinds are recorded as plain strings.
package metrics

import (
	"sync"
	"time"
)

// Snapshot is an immutable point-in-time view of all metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Request lifecycle
	RequestsStarted   int64 `json:"requests_started" yaml:"requests_started"`
	RequestsCompleted int64 `json:"requests_completed" yaml:"requests_completed"`
	RequestsFailed    int64 `json:"requests_failed" yaml:"requests_failed"`
	InFlight          int64 `json:"in_flight" yaml:"in_flight"`

	RequestsByKind map[string]int64 `json:"requests_by_kind" yaml:"requests_by_kind"`
	FailuresByKind map[string]int64 `json:"failures_by_kind" yaml:"failures_by_kind"`

	// Worker. WorkerLaunchSuccess counts every spawned worker whatever its
	// exit, so a worker killed at its deadline is also in WorkerTimeouts.
	WorkerLaunchSuccess int64 `json:"worker_launch_success" yaml:"worker_launch_success"`
	WorkerLaunchFailure int64 `json:"worker_launch_failure" yaml:"worker_launch_failure"`
	WorkerTimeouts      int64 `json:"worker_timeouts" yaml:"worker_timeouts"`
	FrameDecodeErrors   int64 `json:"frame_decode_errors" yaml:"frame_decode_errors"`

	// Bytes
	BytesStaged   int64 `json:"bytes_staged" yaml:"bytes_staged"`
	BytesReturned int64 `json:"bytes_returned" yaml:"bytes_returned"`

	// Side effects
	ReportWriteSuccess int64 `json:"report_write_success" yaml:"report_write_success"`
	ReportWriteFailure int64 `json:"report_write_failure" yaml:"report_write_failure"`
	NotifySuccess      int64 `json:"notify_success" yaml:"notify_success"`
	NotifyFailure      int64 `json:"notify_failure" yaml:"notify_failure"`

	// Dimensions (informational, set at construction)
	ReportBackend string    `json:"report_backend" yaml:"report_backend"`
	Notifier      string    `json:"notifier" yaml:"notifier"`
	StartedAt     time.Time `json:"started_at" yaml:"started_at"`
}

// Collector accumulates metrics for one process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	requestsStarted   int64
	requestsCompleted int64
	requestsFailed    int64
	inFlight          int64
	requestsByKind    map[string]int64
	failuresByKind    map[string]int64

	workerLaunchSuccess int64
	workerLaunchFailure int64
	workerTimeouts      int64
	frameDecodeErrors   int64

	bytesStaged   int64
	bytesReturned int64

	reportWriteSuccess int64
	reportWriteFailure int64
	notifySuccess      int64
	notifyFailure      int64

	reportBackend string
	notifier      string
	startedAt     time.Time
}

// NewCollector creates a Collector with dimension labels.
// Empty dimensions mean the side effect is disabled.
func NewCollector(reportBackend, notifier string) *Collector {
	return &Collector{
		requestsByKind: make(map[string]int64),
		failuresByKind: make(map[string]int64),
		reportBackend:  reportBackend,
		notifier:       notifier,
		startedAt:      time.Now().UTC(),
	}
}

// --- Request lifecycle ---

// IncRequestStarted records a request entering the pipeline.
func (c *Collector) IncRequestStarted(mediaKind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsStarted++
	c.inFlight++
	c.requestsByKind[mediaKind]++
	c.mu.Unlock()
}

// IncRequestCompleted records a request reaching completed.
func (c *Collector) IncRequestCompleted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsCompleted++
	c.inFlight--
	c.mu.Unlock()
}

// IncRequestFailed records a request reaching failed with the given error kind.
func (c *Collector) IncRequestFailed(errorKind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsFailed++
	c.inFlight--
	c.failuresByKind[errorKind]++
	c.mu.Unlock()
}

// --- Worker ---

// IncWorkerLaunchSuccess records a successful worker spawn. It is recorded
// for workers that later fail or time out.
func (c *Collector) IncWorkerLaunchSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workerLaunchSuccess++
	c.mu.Unlock()
}

// IncWorkerLaunchFailure records a failed worker spawn.
func (c *Collector) IncWorkerLaunchFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workerLaunchFailure++
	c.mu.Unlock()
}

// IncWorkerTimeout records a worker killed at its deadline.
func (c *Collector) IncWorkerTimeout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workerTimeouts++
	c.mu.Unlock()
}

// IncFrameDecodeErrors records a malformed result frame.
func (c *Collector) IncFrameDecodeErrors() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.frameDecodeErrors++
	c.mu.Unlock()
}

// --- Bytes ---

// AddBytesStaged records bytes written to staging.
func (c *Collector) AddBytesStaged(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bytesStaged += n
	c.mu.Unlock()
}

// AddBytesReturned records result bytes handed to callers.
func (c *Collector) AddBytesReturned(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bytesReturned += n
	c.mu.Unlock()
}

// --- Side effects ---
// Counted per call: one report write or one notification per request.

// IncReportWriteSuccess records a persisted request report.
func (c *Collector) IncReportWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.reportWriteSuccess++
	c.mu.Unlock()
}

// IncReportWriteFailure records a failed request report write.
func (c *Collector) IncReportWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.reportWriteFailure++
	c.mu.Unlock()
}

// IncNotifySuccess records a delivered notification.
func (c *Collector) IncNotifySuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notifySuccess++
	c.mu.Unlock()
}

// IncNotifyFailure records a notification that exhausted its retries.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notifyFailure++
	c.mu.Unlock()
}

// --- Snapshot ---

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		RequestsStarted:   c.requestsStarted,
		RequestsCompleted: c.requestsCompleted,
		RequestsFailed:    c.requestsFailed,
		InFlight:          c.inFlight,
		RequestsByKind:    copyCounts(c.requestsByKind),
		FailuresByKind:    copyCounts(c.failuresByKind),

		WorkerLaunchSuccess: c.workerLaunchSuccess,
		WorkerLaunchFailure: c.workerLaunchFailure,
		WorkerTimeouts:      c.workerTimeouts,
		FrameDecodeErrors:   c.frameDecodeErrors,

		BytesStaged:   c.bytesStaged,
		BytesReturned: c.bytesReturned,

		ReportWriteSuccess: c.reportWriteSuccess,
		ReportWriteFailure: c.reportWriteFailure,
		NotifySuccess:      c.notifySuccess,
		NotifyFailure:      c.notifyFailure,

		ReportBackend: c.reportBackend,
		Notifier:      c.notifier,
		StartedAt:     c.startedAt,
	}
}
