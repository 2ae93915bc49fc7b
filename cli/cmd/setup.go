package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spotter/adapter"
	"github.com/pithecene-io/spotter/adapter/redis"
	"github.com/pithecene-io/spotter/adapter/webhook"
	"github.com/pithecene-io/spotter/cli/config"
	"github.com/pithecene-io/spotter/lode"
	"github.com/pithecene-io/spotter/log"
	"github.com/pithecene-io/spotter/metrics"
	"github.com/pithecene-io/spotter/runtime"
)

// loadConfig reads --config (or the defaults) and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"listen", &cfg.Listen},
		{"staging-dir", &cfg.StagingDir},
		{"output-dir", &cfg.OutputDir},
		{"log-level", &cfg.Logging.Level},
	}
	for _, o := range overrides {
		if c.IsSet(o.flag) {
			*o.dst = c.String(o.flag)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return log.NewLogger(level), nil
}

// openLedger opens the report ledger, or returns nil when disabled.
func openLedger(ctx context.Context, cfg *config.Config) (*lode.Ledger, error) {
	lc, ok := cfg.LedgerConfig()
	if !ok {
		return nil, nil
	}
	return lode.Open(ctx, *lc)
}

// newNotifier builds the configured adapter, or returns nil when disabled.
func newNotifier(cfg *config.Config) (adapter.Adapter, error) {
	n := cfg.Notify
	switch n.Type {
	case config.NotifyWebhook:
		return webhook.New(webhook.Config{
			URL:     n.URL,
			Secret:  n.Secret,
			Headers: n.Headers,
			Timeout: n.Timeout.Duration,
			Retries: n.RetriesOr(webhook.DefaultRetries),
		})
	case config.NotifyRedis:
		return redis.New(redis.Config{
			URL:         n.URL,
			Channel:     n.Channel,
			RecentKey:   n.RecentKey,
			RecentLimit: n.RecentLimit,
			Timeout:     n.Timeout.Duration,
			Retries:     n.RetriesOr(redis.DefaultRetries),
		})
	default:
		return nil, nil
	}
}

// pipeline bundles the orchestrator and the resources it owns.
type pipeline struct {
	config       *config.Config
	runtime      *runtime.Config
	orchestrator *runtime.Orchestrator
	collector    *metrics.Collector
	logger       *log.Logger
	ledger       *lode.Ledger
	notifier     adapter.Adapter
}

// newPipeline wires the orchestrator from cfg. Close releases everything
// it opened.
func newPipeline(ctx context.Context, cfg *config.Config, logger *log.Logger) (*pipeline, error) {
	p := &pipeline{config: cfg, logger: logger}

	rc, err := cfg.RuntimeConfig()
	if err != nil {
		return nil, err
	}
	p.runtime = rc

	p.ledger, err = openLedger(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open report ledger: %w", err)
	}
	p.notifier, err = newNotifier(cfg)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}

	reportBackend, notifierName := "", ""
	if p.ledger != nil {
		reportBackend = p.ledger.Backend()
	}
	if p.notifier != nil {
		notifierName = cfg.Notify.Type
	}
	p.collector = metrics.NewCollector(reportBackend, notifierName)

	oc := &runtime.OrchestratorConfig{
		Pipeline:  rc,
		Logger:    logger,
		Collector: p.collector,
		Notifier:  p.notifier,
	}
	// A nil *Ledger must not become a non-nil interface.
	if p.ledger != nil {
		oc.ReportSink = p.ledger
	}

	p.orchestrator, err = runtime.NewOrchestrator(oc)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Close waits for pending side effects, then releases the ledger and
// notifier.
func (p *pipeline) Close() error {
	var errs []error
	if p.orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout.Duration)
		if err := p.orchestrator.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain side effects: %w", err))
		}
		cancel()
	}
	if p.notifier != nil {
		errs = append(errs, p.notifier.Close())
	}
	if p.ledger != nil {
		errs = append(errs, p.ledger.Close())
	}
	p.logger.Sync()
	return errors.Join(errs...)
}
