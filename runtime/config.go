package runtime

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pithecene-io/spotter/types"
)

// Placeholders substituted into worker arguments.
const (
	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultMaxDetailBytes  = 2048
	DefaultStderrLimit     = 64 * 1024
	DefaultInlineWarnBytes = 32 * 1024 * 1024
	DefaultWorkerTimeout   = 60 * time.Second
	DefaultWaitDelay       = 2 * time.Second
)

// WorkerSpec configures the worker for one media kind.
type WorkerSpec struct {
	// Command is the worker executable.
	Command string
	// Args are the worker arguments; may contain {input} and {output}.
	Args []string
	// Env holds extra environment entries (KEY=VALUE).
	Env []string
	// Dir is the worker working directory. Empty inherits the parent's.
	Dir string
	// Input is the input transfer mode.
	Input types.InputMode
	// Output is the fixed stdout convention.
	Output types.OutputMode
	// Response selects inline or streamed results.
	Response types.ResponseMode
	// MIME is the result content type. Empty uses the kind default.
	MIME string
	// Timeout bounds worker execution.
	Timeout time.Duration
}

// Validate checks the spec is internally consistent.
func (w *WorkerSpec) Validate() error {
	if strings.TrimSpace(w.Command) == "" {
		return errors.New("command is required")
	}
	if _, err := types.ParseInputMode(string(w.Input)); err != nil {
		return err
	}
	if _, err := types.ParseOutputMode(string(w.Output)); err != nil {
		return err
	}
	if _, err := types.ParseResponseMode(string(w.Response)); err != nil {
		return err
	}
	if w.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %s", w.Timeout)
	}
	if w.Input == types.InputStdin {
		for _, a := range w.Args {
			if strings.Contains(a, InputPlaceholder) {
				return fmt.Errorf("%s placeholder is not allowed with stdin input", InputPlaceholder)
			}
		}
	}
	return nil
}

// Config is the pipeline configuration injected into the orchestrator.
type Config struct {
	// StagingDir holds staged uploads.
	StagingDir string
	// OutputDir holds worker-produced artifacts. Must differ from StagingDir.
	OutputDir string
	// MaxUploadBytes caps a staged upload. Zero means unlimited.
	MaxUploadBytes int64
	// MaxDetailBytes caps diagnostic text in error responses.
	MaxDetailBytes int
	// StderrLimit caps captured worker stderr.
	StderrLimit int
	// InlineWarnBytes logs a warning when an inline result exceeds it.
	InlineWarnBytes int64
	// WaitDelay bounds pipe draining after the worker is killed.
	WaitDelay time.Duration
	// Workers maps each media kind to its worker.
	Workers map[types.MediaKind]*WorkerSpec
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxDetailBytes == 0 {
		c.MaxDetailBytes = DefaultMaxDetailBytes
	}
	if c.StderrLimit == 0 {
		c.StderrLimit = DefaultStderrLimit
	}
	if c.InlineWarnBytes == 0 {
		c.InlineWarnBytes = DefaultInlineWarnBytes
	}
	if c.WaitDelay == 0 {
		c.WaitDelay = DefaultWaitDelay
	}
	for kind, w := range c.Workers {
		if w == nil {
			continue
		}
		if w.Input == "" {
			w.Input = types.InputPath
		}
		if w.Output == "" {
			w.Output = types.OutputBytes
		}
		if w.Response == "" {
			w.Response = types.ResponseInline
		}
		if w.MIME == "" {
			w.MIME = kind.DefaultMIME()
		}
		if w.Timeout == 0 {
			w.Timeout = DefaultWorkerTimeout
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.StagingDir == "" {
		return errors.New("staging_dir is required")
	}
	if c.OutputDir == "" {
		return errors.New("output_dir is required")
	}
	if filepath.Clean(c.StagingDir) == filepath.Clean(c.OutputDir) {
		return errors.New("staging_dir and output_dir must be distinct")
	}
	if c.MaxUploadBytes < 0 {
		return errors.New("max_upload_bytes must be non-negative")
	}
	if c.MaxDetailBytes < 0 || c.StderrLimit < 0 {
		return errors.New("byte limits must be non-negative")
	}
	if len(c.Workers) == 0 {
		return errors.New("at least one worker must be configured")
	}
	for kind, w := range c.Workers {
		if _, err := types.ParseMediaKind(string(kind)); err != nil {
			return err
		}
		if w == nil {
			return fmt.Errorf("worker.%s: missing", kind)
		}
		if err := w.Validate(); err != nil {
			return fmt.Errorf("worker.%s: %w", kind, err)
		}
	}
	return nil
}

// Worker returns the spec for kind.
func (c *Config) Worker(kind types.MediaKind) (*WorkerSpec, bool) {
	w, ok := c.Workers[kind]
	return w, ok && w != nil
}
