package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spotter/server"
)

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the detection HTTP API",
		Flags: append(pipelineFlags(),
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Listen address",
				EnvVars: []string{"SPOTTER_LISTEN"},
			},
		),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer func() { _ = p.Close() }()

	if _, err := p.orchestrator.Store().Sweep(cfg.SweepOlderThan.Duration, time.Now()); err != nil {
		logger.Warn("startup sweep incomplete", map[string]any{"error": err.Error()})
	}

	srv := server.New(server.Config{
		Listen:          cfg.Listen,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration,
	}, p.orchestrator, p.collector, logger)

	if err := srv.ListenAndServe(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
