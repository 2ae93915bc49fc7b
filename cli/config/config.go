package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pithecene-io/spotter/lode"
	"github.com/pithecene-io/spotter/log"
	"github.com/pithecene-io/spotter/runtime"
	"github.com/pithecene-io/spotter/types"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultListen          = ":5000"
	DefaultLogLevel        = "info"
	DefaultStagingDir      = "./uploads"
	DefaultOutputDir       = "./processed"
	DefaultMaxUploadBytes  = 512 * 1024 * 1024
	DefaultSweepOlderThan  = time.Hour
	DefaultShutdownTimeout = 30 * time.Second
)

// Backend and notifier names that disable the side effect.
const disabled = "none"

// Notifier types.
const (
	NotifyWebhook = "webhook"
	NotifyRedis   = "redis"
)

// Config represents a spotter.yaml configuration file.
// CLI flags override file values.
type Config struct {
	Listen           string                  `yaml:"listen"`
	Logging          LoggingConfig           `yaml:"logging"`
	StagingDir       string                  `yaml:"staging_dir"`
	OutputDir        string                  `yaml:"output_dir"`
	MaxUploadBytes   int64                   `yaml:"max_upload_bytes"`
	MaxDetailBytes   int                     `yaml:"max_detail_bytes"`
	StderrLimitBytes int                     `yaml:"stderr_limit_bytes"`
	InlineWarnBytes  int64                   `yaml:"inline_warn_bytes"`
	SweepOlderThan   Duration                `yaml:"sweep_older_than"`
	WaitDelay        Duration                `yaml:"wait_delay"`
	ShutdownTimeout  Duration                `yaml:"shutdown_timeout"`
	Worker           map[string]WorkerConfig `yaml:"worker"`
	Report           ReportConfig            `yaml:"report"`
	Notify           NotifyConfig            `yaml:"notify"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// WorkerConfig is the worker for one media kind.
type WorkerConfig struct {
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env,omitempty"`
	Dir      string            `yaml:"dir,omitempty"`
	Input    string            `yaml:"input"`
	Output   string            `yaml:"output"`
	Response string            `yaml:"response"`
	MIME     string            `yaml:"mime"`
	Timeout  Duration          `yaml:"timeout"`
}

// ReportConfig selects the request-report ledger.
type ReportConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// NotifyConfig selects the completion notifier.
type NotifyConfig struct {
	Type        string            `yaml:"type"`
	URL         string            `yaml:"url"`
	Secret      string            `yaml:"secret,omitempty"`
	Channel     string            `yaml:"channel,omitempty"`
	RecentKey   string            `yaml:"recent_key,omitempty"`
	RecentLimit int64             `yaml:"recent_limit,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Timeout     Duration          `yaml:"timeout,omitempty"`
	Retries     *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// DefaultWorkers returns the stock image and video workers.
func DefaultWorkers() map[string]WorkerConfig {
	return map[string]WorkerConfig{
		string(types.MediaImage): {
			Command:  "python3",
			Args:     []string{"original_script.py", runtime.InputPlaceholder},
			Input:    string(types.InputPath),
			Output:   string(types.OutputBase64),
			Response: string(types.ResponseInline),
			MIME:     "image/jpeg",
			Timeout:  Duration{60 * time.Second},
		},
		string(types.MediaVideo): {
			Command:  "python3",
			Args:     []string{"original_video.py", runtime.InputPlaceholder, runtime.OutputPlaceholder},
			Input:    string(types.InputPath),
			Output:   string(types.OutputPath),
			Response: string(types.ResponseStream),
			MIME:     "video/mp4",
			Timeout:  Duration{10 * time.Minute},
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values. Worker-level defaults are left to the
// runtime.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.StagingDir == "" {
		c.StagingDir = DefaultStagingDir
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.SweepOlderThan.Duration == 0 {
		c.SweepOlderThan.Duration = DefaultSweepOlderThan
	}
	if c.ShutdownTimeout.Duration == 0 {
		c.ShutdownTimeout.Duration = DefaultShutdownTimeout
	}
	if len(c.Worker) == 0 {
		c.Worker = DefaultWorkers()
	}
	if c.Report.Backend == "" {
		c.Report.Backend = disabled
	}
	if c.Notify.Type == "" {
		c.Notify.Type = disabled
	}
}

// Validate checks the whole configuration, including the pipeline it
// converts to.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.SweepOlderThan.Duration < 0 {
		return errors.New("sweep_older_than must be non-negative")
	}
	pipeline, err := c.RuntimeConfig()
	if err != nil {
		return err
	}
	pipeline.ApplyDefaults()
	if err := pipeline.Validate(); err != nil {
		return err
	}
	if ledger, ok := c.LedgerConfig(); ok {
		if err := ledger.Validate(); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	switch c.Notify.Type {
	case disabled:
	case NotifyWebhook, NotifyRedis:
		if c.Notify.URL == "" {
			return fmt.Errorf("notify: url is required for %s", c.Notify.Type)
		}
		if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
			return errors.New("notify: retries must be >= 0")
		}
	default:
		return fmt.Errorf("notify: invalid type %q (must be webhook, redis, or none)", c.Notify.Type)
	}
	return nil
}

// RuntimeConfig converts the file layout into the pipeline configuration.
func (c *Config) RuntimeConfig() (*runtime.Config, error) {
	workers := make(map[types.MediaKind]*runtime.WorkerSpec, len(c.Worker))
	for name, w := range c.Worker {
		kind, err := types.ParseMediaKind(name)
		if err != nil {
			return nil, fmt.Errorf("worker.%s: %w", name, err)
		}
		workers[kind] = &runtime.WorkerSpec{
			Command:  w.Command,
			Args:     append([]string(nil), w.Args...),
			Env:      envList(w.Env),
			Dir:      w.Dir,
			Input:    types.InputMode(w.Input),
			Output:   types.OutputMode(w.Output),
			Response: types.ResponseMode(w.Response),
			MIME:     w.MIME,
			Timeout:  w.Timeout.Duration,
		}
	}

	return &runtime.Config{
		StagingDir:      c.StagingDir,
		OutputDir:       c.OutputDir,
		MaxUploadBytes:  c.MaxUploadBytes,
		MaxDetailBytes:  c.MaxDetailBytes,
		StderrLimit:     c.StderrLimitBytes,
		InlineWarnBytes: c.InlineWarnBytes,
		WaitDelay:       c.WaitDelay.Duration,
		Workers:         workers,
	}, nil
}

// envList flattens env entries into sorted KEY=VALUE form.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// LedgerConfig returns the ledger configuration, or false when reports are
// not persisted.
func (c *Config) LedgerConfig() (*lode.Config, bool) {
	backend := strings.ToLower(c.Report.Backend)
	if backend == disabled || backend == "" {
		return nil, false
	}
	return &lode.Config{
		Backend: backend,
		Path:    c.Report.Path,
		S3: lode.S3Config{
			Region:       c.Report.Region,
			Endpoint:     c.Report.Endpoint,
			UsePathStyle: c.Report.S3PathStyle,
		},
	}, true
}

// NotifyEnabled reports whether a notifier is configured.
func (c *Config) NotifyEnabled() bool {
	return c.Notify.Type != "" && c.Notify.Type != disabled
}

// RetriesOr returns the configured retry count, or def when unset.
func (n *NotifyConfig) RetriesOr(def int) int {
	if n.Retries == nil {
		return def
	}
	return *n.Retries
}
