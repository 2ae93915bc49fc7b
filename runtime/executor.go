package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/spotter/iox"
	"github.com/pithecene-io/spotter/log"
	"github.com/pithecene-io/spotter/types"
)

// Environment variables passed to every worker.
const (
	EnvOutputDir  = "SPOTTER_OUTPUT_DIR"
	EnvOutputPath = "SPOTTER_OUTPUT_PATH"
	EnvRequestID  = "SPOTTER_REQUEST_ID"
	EnvMediaKind  = "SPOTTER_MEDIA_KIND"
)

// Invoker runs one worker job to completion.
//
// Run returns a *types.PipelineError of kind SpawnError when the process
// cannot be started and TimeoutError when the deadline fires. A non-zero
// exit is not an error: it is reported in the result for the caller to
// classify.
type Invoker interface {
	Run(ctx context.Context, job *types.WorkerJob) (*types.WorkerResult, error)
}

// InvokerFactory creates an Invoker per job. Used for test injection.
type InvokerFactory func(job *types.WorkerJob) Invoker

// ProcessInvoker runs workers as child processes.
type ProcessInvoker struct {
	logger    *log.Logger
	waitDelay time.Duration
}

// NewProcessInvoker creates a process invoker. waitDelay bounds how long
// pipes are drained after the worker is killed.
func NewProcessInvoker(logger *log.Logger, waitDelay time.Duration) *ProcessInvoker {
	if logger == nil {
		logger = log.NewNop()
	}
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}
	return &ProcessInvoker{logger: logger, waitDelay: waitDelay}
}

// BuildArgs substitutes placeholders into the job arguments. In path mode
// the input path is appended when no argument names {input}.
func BuildArgs(job *types.WorkerJob) []string {
	args := make([]string, 0, len(job.Args)+1)
	sawInput := false
	for _, a := range job.Args {
		if strings.Contains(a, InputPlaceholder) {
			sawInput = true
		}
		if job.InputMode == types.InputPath {
			a = strings.ReplaceAll(a, InputPlaceholder, job.InputPath)
		}
		a = strings.ReplaceAll(a, OutputPlaceholder, job.OutputPath)
		args = append(args, a)
	}
	if job.InputMode == types.InputPath && !sawInput {
		args = append(args, job.InputPath)
	}
	return args
}

// WorkerEnv returns the full worker environment: the parent environment,
// the job's extra entries, then the SPOTTER_* variables.
func WorkerEnv(job *types.WorkerJob, outputDir string) []string {
	env := append(os.Environ(), job.Env...)
	env = append(env,
		EnvOutputDir+"="+outputDir,
		EnvOutputPath+"="+job.OutputPath,
		EnvRequestID+"="+job.RequestID,
		EnvMediaKind+"="+string(job.Kind),
	)
	return deduplicateEnv(env)
}

// deduplicateEnv keeps the last occurrence of each env var key.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}

// Run spawns the worker, transfers input, drains both output streams
// concurrently and waits for exit.
func (p *ProcessInvoker) Run(ctx context.Context, job *types.WorkerJob) (*types.WorkerResult, error) {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	outputDir := ""
	if job.OutputPath != "" {
		outputDir = filepath.Dir(job.OutputPath)
	}

	cmd := exec.CommandContext(ctx, job.Command, BuildArgs(job)...)
	cmd.Env = WorkerEnv(job, outputDir)
	cmd.Dir = job.Dir
	cmd.WaitDelay = p.waitDelay
	configureProcessGroup(cmd)

	var input *os.File
	var stdin io.WriteCloser
	if job.InputMode == types.InputStdin {
		f, err := os.Open(job.InputPath)
		if err != nil {
			return nil, types.NewPipelineError(types.KindSpawn, "open input", err)
		}
		input = f
		pipe, err := cmd.StdinPipe()
		if err != nil {
			iox.DiscardClose(input)
			return nil, types.NewPipelineError(types.KindSpawn, "stdin pipe", err)
		}
		stdin = pipe
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeInput(input, stdin)
		return nil, types.NewPipelineError(types.KindSpawn, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeInput(input, stdin)
		return nil, types.NewPipelineError(types.KindSpawn, "stderr pipe", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closeInput(input, stdin)
		return nil, types.NewPipelineError(types.KindSpawn, "spawn", err)
	}

	p.logger.Debug("worker started", map[string]any{
		"pid":     cmd.Process.Pid,
		"command": job.Command,
		"input":   string(job.InputMode),
	})

	limit := job.StderrLimit
	if limit <= 0 {
		limit = DefaultStderrLimit
	}
	var stdoutBuf bytes.Buffer
	var stdoutCap *iox.CappedBuffer
	stdoutDst := io.Writer(&stdoutBuf)
	if job.StdoutLimit > 0 {
		stdoutCap = iox.NewCappedBuffer(job.StdoutLimit)
		stdoutDst = stdoutCap
	}
	stderrBuf := iox.NewCappedBuffer(limit)

	// Both output streams and the stdin writer run concurrently. All three
	// must finish before Wait, which closes the pipes.
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(stdoutDst, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stderrBuf, stderr)
		return err
	})
	if stdin != nil {
		g.Go(func() error {
			defer iox.DiscardClose(input)
			_, err := io.Copy(stdin, input)
			closeErr := stdin.Close()
			if err == nil {
				err = closeErr
			}
			if isBrokenPipe(err) {
				return nil
			}
			return err
		})
	}
	drainErr := p.awaitDrain(ctx, &g, stdout, stderr, stdin)
	waitErr := cmd.Wait()

	result := &types.WorkerResult{
		Stdout:          stdoutBuf.Bytes(),
		Stderr:          stderrBuf.String(),
		StderrTruncated: stderrBuf.Truncated(),
		Duration:        time.Since(start),
	}
	if stdoutCap != nil {
		result.Stdout = stdoutCap.Bytes()
		result.StdoutTruncated = stdoutCap.Truncated()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				result.ExitCode = status.ExitStatus()
			} else {
				result.ExitCode = -1
			}
		} else if !errors.Is(waitErr, exec.ErrWaitDelay) {
			return result, types.NewPipelineError(types.KindInternal, "wait", waitErr)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !result.Succeeded() {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			pe := types.NewPipelineError(types.KindTimeout, "wait", ctxErr)
			pe.Detail = "worker exceeded its deadline"
			if job.Timeout > 0 {
				pe.Detail = fmt.Sprintf("worker exceeded %s deadline", job.Timeout)
			}
			return result, pe
		}
		pe := types.NewPipelineError(types.KindWorkerFailure, "wait", ctxErr)
		pe.Detail = "request canceled"
		return result, pe
	}

	if drainErr != nil && result.Succeeded() {
		return result, types.NewPipelineError(types.KindInternal, "drain", drainErr)
	}

	p.logger.Debug("worker exited", map[string]any{
		"exit_code":        result.ExitCode,
		"duration_ms":      result.Duration.Milliseconds(),
		"stdout_bytes":     len(result.Stdout),
		"stdout_truncated": result.StdoutTruncated,
		"stderr_truncated": result.StderrTruncated,
	})

	return result, nil
}

// awaitDrain waits for the stream goroutines. Once ctx is done it allows
// waitDelay for the killed group to release the pipes, then closes them so
// descendants that left the group cannot hold the request open.
func (p *ProcessInvoker) awaitDrain(ctx context.Context, g *errgroup.Group, pipes ...io.Closer) error {
	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	select {
	case err := <-drained:
		return err
	case <-ctx.Done():
	}

	select {
	case err := <-drained:
		return err
	case <-time.After(p.waitDelay):
		p.logger.Warn("worker pipes still open after kill, closing", map[string]any{
			"wait_delay": p.waitDelay.String(),
		})
		for _, c := range pipes {
			if c != nil {
				iox.DiscardClose(c)
			}
		}
		return <-drained
	}
}

func closeInput(input *os.File, stdin io.WriteCloser) {
	if input != nil {
		iox.DiscardClose(input)
	}
	if stdin != nil {
		iox.DiscardClose(stdin)
	}
}

// isBrokenPipe reports whether err is a write to a worker that stopped
// reading stdin. The exit code decides the outcome in that case.
func isBrokenPipe(err error) bool {
	return err != nil && (errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed))
}
