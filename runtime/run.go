package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/spotter/adapter"
	"github.com/pithecene-io/spotter/log"
	"github.com/pithecene-io/spotter/metrics"
	"github.com/pithecene-io/spotter/types"
)

// DefaultSideEffectTimeout bounds report persistence and notification.
const DefaultSideEffectTimeout = 10 * time.Second

// ReportSink persists request reports. Implemented by the Lode ledger.
type ReportSink interface {
	WriteReport(ctx context.Context, report *RequestReport) error
}

// OrchestratorConfig wires the pipeline.
type OrchestratorConfig struct {
	// Pipeline is the validated pipeline configuration.
	Pipeline *Config
	// Logger is the service logger. If nil, logging is discarded.
	Logger *log.Logger
	// Collector records process metrics. If nil, no metrics are recorded
	// (all Collector methods are nil-safe).
	Collector *metrics.Collector
	// InvokerFactory overrides worker creation (for testing).
	// If nil, uses ProcessInvoker.
	InvokerFactory InvokerFactory
	// ReportSink optionally persists a report per request.
	ReportSink ReportSink
	// Notifier optionally publishes a completion event per request.
	Notifier adapter.Adapter
	// SideEffectTimeout bounds ReportSink and Notifier calls.
	SideEffectTimeout time.Duration
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// Upload is one inbound request.
type Upload struct {
	// Body is the media payload. Read exactly once, during staging.
	Body io.Reader
	// Kind is the declared media kind.
	Kind types.MediaKind
	// OriginalName is the client filename. Only its extension is used.
	OriginalName string
	// MIME is the declared content type of the upload.
	MIME string
	// RequestID is optional; one is generated when empty.
	RequestID string
}

// Result is the outcome of one request. Exactly one of Payload and Error
// is set. Close must be called after the response is sent.
type Result struct {
	Meta    types.RequestMeta
	State   types.RequestState
	History []types.StateTransition

	Payload *types.ResponsePayload
	Error   *types.ErrorResponse
	// Err is the classified pipeline error behind Error.
	Err error

	ExitCode        *int
	Stderr          string
	StderrTruncated bool

	StartedAt      time.Time
	Duration       time.Duration
	WorkerDuration time.Duration
	InputBytes     int64
	OutputBytes    int64
}

// Succeeded reports whether the request completed.
func (r *Result) Succeeded() bool {
	return r != nil && r.State == types.StateCompleted && r.Payload != nil
}

// Close releases the streamed result file, if any. Idempotent.
func (r *Result) Close() error {
	if r != nil {
		r.Payload.Release()
	}
	return nil
}

// Orchestrator runs uploads through stage, dispatch, materialize and cleanup.
// Safe for concurrent use; requests share nothing but the directories.
type Orchestrator struct {
	config       *OrchestratorConfig
	store        *ArtifactStore
	materializer *Materializer
	logger       *log.Logger

	// sideEffects tracks report writes and notifications still running
	// after their request returned.
	sideEffects sync.WaitGroup
}

// NewOrchestrator validates the configuration and prepares the directories.
func NewOrchestrator(config *OrchestratorConfig) (*Orchestrator, error) {
	if config == nil || config.Pipeline == nil {
		return nil, errors.New("pipeline configuration is required")
	}
	config.Pipeline.ApplyDefaults()
	if err := config.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}
	if config.Logger == nil {
		config.Logger = log.NewNop()
	}
	if config.SideEffectTimeout <= 0 {
		config.SideEffectTimeout = DefaultSideEffectTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	store, err := NewArtifactStore(config.Pipeline.StagingDir, config.Pipeline.OutputDir, config.Pipeline.MaxUploadBytes, config.Logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureDirs(); err != nil {
		return nil, err
	}

	return &Orchestrator{
		config: config,
		store:  store,
		materializer: NewMaterializer(store, config.Logger, config.Collector,
			config.Pipeline.InlineWarnBytes, config.Pipeline.MaxDetailBytes),
		logger: config.Logger,
	}, nil
}

// Store returns the artifact store.
func (o *Orchestrator) Store() *ArtifactStore { return o.store }

// Supports reports whether a worker is configured for kind.
func (o *Orchestrator) Supports(kind types.MediaKind) bool {
	_, ok := o.config.Pipeline.Worker(kind)
	return ok
}

func (o *Orchestrator) newInvoker(job *types.WorkerJob) Invoker {
	if o.config.InvokerFactory != nil {
		return o.config.InvokerFactory(job)
	}
	return NewProcessInvoker(o.logger.ForRequest(&types.RequestMeta{RequestID: job.RequestID, Kind: job.Kind}), o.config.Pipeline.WaitDelay)
}

// Process runs one upload to a terminal state. It never returns an error:
// failures are classified into Result.Error. Staged input is removed before
// Process returns, on every path including panics.
func (o *Orchestrator) Process(ctx context.Context, up *Upload) (res *Result) {
	start := o.config.Now()
	meta := types.RequestMeta{RequestID: up.RequestID, Kind: up.Kind}
	if meta.RequestID == "" {
		meta.RequestID = uuid.NewString()
	}
	logger := o.logger.ForRequest(&meta)
	sm := types.NewStateMachine(start)
	res = &Result{Meta: meta, StartedAt: start}

	o.config.Collector.IncRequestStarted(string(meta.Kind))
	logger.Info("request received", map[string]any{
		"original_name": up.OriginalName,
		"mime":          up.MIME,
	})

	var handle *types.UploadHandle
	var reserved string

	defer func() {
		if p := recover(); p != nil {
			logger.Error("pipeline panic", map[string]any{
				"panic": fmt.Sprint(p),
				"stack": string(debug.Stack()),
			})
			if res.Payload != nil {
				res.Payload.Release()
				res.Payload = nil
			}
			o.fail(res, sm, types.NewPipelineError(types.KindInternal, "panic", fmt.Errorf("panic: %v", p)))
		}

		o.store.Release(handle)
		if reserved != "" && !streamsPath(res.Payload, reserved) {
			o.store.ReleaseOutput(reserved)
		}

		res.State = sm.Current()
		res.History = sm.History()
		res.Duration = o.config.Now().Sub(start)
		o.finish(ctx, logger, res)
	}()

	spec, ok := o.config.Pipeline.Worker(meta.Kind)
	if !ok {
		o.fail(res, sm, types.NewPipelineError(types.KindInvalidUpload, "route",
			fmt.Errorf("no worker configured for media kind %q", meta.Kind)))
		return res
	}

	// received -> staged
	var err error
	handle, err = o.store.Stage(up.Body, &meta, up.OriginalName, up.MIME)
	if err != nil {
		o.fail(res, sm, err)
		return res
	}
	res.InputBytes = handle.Size
	o.config.Collector.AddBytesStaged(handle.Size)
	o.transition(sm, types.StateStaged)

	// staged -> dispatched
	reserved = o.store.ReserveOutput(meta.Kind)
	job := &types.WorkerJob{
		RequestID:   meta.RequestID,
		Kind:        meta.Kind,
		Command:     spec.Command,
		Args:        spec.Args,
		Env:         spec.Env,
		Dir:         spec.Dir,
		InputMode:   spec.Input,
		InputPath:   handle.Path,
		OutputPath:  reserved,
		OutputMode:  spec.Output,
		Timeout:     spec.Timeout,
		StderrLimit: o.config.Pipeline.StderrLimit,
		StdoutLimit: StdoutLimitFor(spec.Output),
	}
	o.transition(sm, types.StateDispatched)

	wr, err := o.newInvoker(job).Run(ctx, job)
	if wr != nil {
		// The worker ran, even if it then timed out.
		o.config.Collector.IncWorkerLaunchSuccess()
		code := wr.ExitCode
		res.ExitCode = &code
		res.Stderr = wr.Stderr
		res.StderrTruncated = wr.StderrTruncated
		res.WorkerDuration = wr.Duration
	}
	if err != nil {
		switch types.KindOf(err) {
		case types.KindSpawn:
			o.config.Collector.IncWorkerLaunchFailure()
		case types.KindTimeout:
			o.config.Collector.IncWorkerTimeout()
		}
		o.fail(res, sm, err)
		return res
	}

	if !wr.Succeeded() {
		o.fail(res, sm, types.WorkerFailureError(wr.ExitCode, wr.Stderr))
		return res
	}
	if wr.Stderr != "" {
		logger.Debug("worker wrote to stderr on success", map[string]any{
			"stderr":    TruncateDetail(wr.Stderr, o.config.Pipeline.MaxDetailBytes),
			"truncated": wr.StderrTruncated,
		})
	}

	// dispatched -> completed
	payload, err := o.materializer.Materialize(meta.Kind, spec, wr, reserved)
	if err != nil {
		o.fail(res, sm, err)
		return res
	}
	if err := payload.Validate(); err != nil {
		payload.Release()
		o.fail(res, sm, types.NewPipelineError(types.KindInternal, "materialize", err))
		return res
	}
	res.Payload = payload
	if payload.Inline != nil {
		res.OutputBytes = payload.Inline.RawSize
	} else {
		res.OutputBytes = payload.Streamed.Size
	}
	o.transition(sm, types.StateCompleted)
	return res
}

// streamsPath reports whether payload streams the file at path.
func streamsPath(payload *types.ResponsePayload, path string) bool {
	return payload != nil && payload.Streamed != nil &&
		filepath.Clean(payload.Streamed.Path) == filepath.Clean(path)
}

// transition panics on an illegal transition; the state machine is driven
// only by Process, so an illegal move is a programming error.
func (o *Orchestrator) transition(sm *types.StateMachine, to types.RequestState) {
	if err := sm.Transition(to, o.config.Now()); err != nil {
		panic(err)
	}
}

// fail moves the request to failed and records the error response.
func (o *Orchestrator) fail(res *Result, sm *types.StateMachine, err error) {
	if !sm.Current().IsTerminal() {
		_ = sm.Transition(types.StateFailed, o.config.Now())
	}
	res.Err = err
	res.Error = o.materializer.MaterializeFailure(res.Meta.Kind, err)
	if res.Error.ExitCode == nil {
		res.Error.ExitCode = res.ExitCode
	}
}

// finish records metrics, logs the outcome and starts the best-effort side
// effects. Side effects run after Process returns; their failures are logged
// and never change the result.
func (o *Orchestrator) finish(ctx context.Context, logger *log.Logger, res *Result) {
	fields := map[string]any{
		"state":       string(res.State),
		"duration_ms": res.Duration.Milliseconds(),
		"worker_ms":   res.WorkerDuration.Milliseconds(),
		"input_bytes": res.InputBytes,
	}
	if res.ExitCode != nil {
		fields["exit_code"] = *res.ExitCode
	}

	if res.Succeeded() {
		o.config.Collector.IncRequestCompleted()
		o.config.Collector.AddBytesReturned(res.OutputBytes)
		fields["response"] = string(res.Payload.Mode())
		fields["output_bytes"] = res.OutputBytes
		logger.Info("request completed", fields)
	} else {
		kind := types.KindInternal
		if res.Error != nil {
			kind = res.Error.Kind
			fields["detail"] = res.Error.Detail
		}
		o.config.Collector.IncRequestFailed(string(kind))
		fields["error_kind"] = string(kind)
		logger.Warn("request failed", fields)
	}

	if o.config.ReportSink == nil && o.config.Notifier == nil {
		return
	}

	report := BuildRequestReport(res, o.config.Pipeline.MaxDetailBytes)
	sideCtx := context.WithoutCancel(ctx)
	o.sideEffects.Go(func() {
		o.publish(sideCtx, logger, report)
	})
}

// publish persists the report and sends the completion notification. Each
// call gets its own SideEffectTimeout.
func (o *Orchestrator) publish(ctx context.Context, logger *log.Logger, report *RequestReport) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("side effect panic", map[string]any{"panic": fmt.Sprint(p)})
		}
	}()

	if o.config.ReportSink != nil {
		sinkCtx, cancel := context.WithTimeout(ctx, o.config.SideEffectTimeout)
		err := o.config.ReportSink.WriteReport(sinkCtx, report)
		cancel()
		if err != nil {
			o.config.Collector.IncReportWriteFailure()
			logger.Warn("report write failed (best effort)", map[string]any{"error": err.Error()})
		} else {
			o.config.Collector.IncReportWriteSuccess()
		}
	}

	if o.config.Notifier != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, o.config.SideEffectTimeout)
		err := o.config.Notifier.Publish(notifyCtx, NewCompletionEvent(report))
		cancel()
		if err != nil {
			o.config.Collector.IncNotifyFailure()
			logger.Warn("notification failed (best effort)", map[string]any{"error": err.Error()})
		} else {
			o.config.Collector.IncNotifySuccess()
		}
	}
}

// Drain waits for pending report writes and notifications. It returns
// ctx.Err() if ctx ends first; the side effects keep running in that case.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.sideEffects.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewCompletionEvent builds the notification payload from a report.
func NewCompletionEvent(report *RequestReport) *adapter.DetectionCompletedEvent {
	return &adapter.DetectionCompletedEvent{
		Version:     types.Version,
		EventType:   adapter.EventTypeDetectionCompleted,
		RequestID:   report.RequestID,
		Kind:        string(report.Kind),
		Outcome:     report.Outcome(),
		ErrorKind:   string(report.ErrorKind),
		ExitCode:    report.ExitCode,
		Response:    string(report.Response),
		Detections:  report.Detections,
		Timestamp:   report.StartedAt.UTC().Format(time.RFC3339),
		DurationMs:  report.DurationMs,
		InputBytes:  report.InputBytes,
		OutputBytes: report.OutputBytes,
	}
}
