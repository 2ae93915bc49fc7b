package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spotter/iox"
	"github.com/pithecene-io/spotter/runtime"
	"github.com/pithecene-io/spotter/types"
)

// DetectCommand returns the detect command. It runs local files through
// the same pipeline the server uses.
func DetectCommand() *cli.Command {
	return &cli.Command{
		Name:  "detect",
		Usage: "Run detection on local files",
		Description: `Exit codes:
   0  success
   1  worker failure (or any failed item in batch mode)
   2  staging, spawn, invalid upload or internal error
   3  worker timeout
   4  worker produced no valid output`,
		Flags: append(pipelineFlags(),
			&cli.StringFlag{
				Name:     "kind",
				Aliases:  []string{"k"},
				Usage:    "Media kind: image or video",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:     "file",
				Usage:    "Input file (repeatable; more than one runs a batch)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Result file (single) or directory (batch)",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write the request report as JSON to a path, or - for stderr",
			},
			&cli.StringFlag{
				Name:  "request-id",
				Usage: "Request ID (single file only; generated when empty)",
			},
			&cli.IntFlag{
				Name:  "parallel",
				Usage: "Concurrent requests in batch mode",
				Value: 1,
			},
			&cli.IntFlag{
				Name:  "max-items",
				Usage: "Maximum files to process in batch mode (0 = all)",
			},
		),
		Action: detectAction,
	}
}

func detectAction(c *cli.Context) error {
	kind, err := types.ParseMediaKind(c.String("kind"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInternal)
	}
	files := c.StringSlice("file")
	if c.Int("parallel") < 1 {
		return cli.Exit("--parallel must be at least 1", runtime.ExitCodeInternal)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInternal)
	}
	// Keep an interactive terminal readable unless asked otherwise.
	if !c.IsSet("log-level") && isStderrTTY() && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInternal)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInternal)
	}
	defer func() { _ = p.Close() }()

	if len(files) == 1 {
		return detectOne(ctx, c, p, kind, files[0])
	}
	return detectBatch(ctx, c, p, kind, files)
}

func detectOne(ctx context.Context, c *cli.Context, p *pipeline, kind types.MediaKind, path string) error {
	res, err := processFile(ctx, p, kind, path, c.String("request-id"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInternal)
	}
	defer func() { _ = res.Close() }()

	if dst := c.String("report"); dst != "" {
		report := runtime.BuildRequestReport(res, p.runtime.StderrLimit)
		if err := runtime.WriteRequestReport(report, dst); err != nil {
			p.logger.Warn("failed to write report", map[string]any{"error": err.Error()})
		}
	}

	if !res.Succeeded() {
		return cli.Exit(describeFailure(res.Error), runtime.ExitCodeFor(res))
	}
	if err := writeResult(c.App.Writer, c.String("out"), res); err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInternal)
	}
	return nil
}

func processFile(ctx context.Context, p *pipeline, kind types.MediaKind, path, requestID string) (*runtime.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open input: %w", err)
	}
	defer iox.DiscardClose(f)

	return p.orchestrator.Process(ctx, &runtime.Upload{
		Body:         f,
		Kind:         kind,
		OriginalName: filepath.Base(path),
		RequestID:    requestID,
	}), nil
}

func describeFailure(e *types.ErrorResponse) string {
	msg := fmt.Sprintf("%s (%s)", e.Error, e.Kind)
	if e.Detail != "" {
		msg += ": " + strings.TrimSpace(e.Detail)
	}
	return msg
}

// writeResult delivers a successful result. With no destination an inline
// result is printed as the HTTP JSON body and a streamed result is saved as
// <request-id>.<ext> in the working directory.
func writeResult(w io.Writer, dst string, res *runtime.Result) error {
	payload := res.Payload
	if payload.Inline != nil {
		if dst == "" {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"message":            res.Meta.Kind.Title() + " detection completed!",
				payload.Inline.Field: payload.Inline.DataURI(),
			})
		}
		data, err := base64.StdEncoding.DecodeString(payload.Inline.Data)
		if err != nil {
			return fmt.Errorf("decode inline result: %w", err)
		}
		return os.WriteFile(dst, data, 0o644)
	}

	if dst == "" {
		dst = res.Meta.RequestID + filepath.Ext(payload.Streamed.Path)
	}
	return copyFile(payload.Streamed.Path, dst)
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(in)

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(out, in)
	return err
}

func detectBatch(ctx context.Context, c *cli.Context, p *pipeline, kind types.MediaKind, files []string) error {
	if c.IsSet("request-id") {
		return cli.Exit("--request-id applies to a single file only", runtime.ExitCodeInternal)
	}
	outDir := c.String("out")
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return cli.Exit(err.Error(), runtime.ExitCodeInternal)
		}
	}

	items := make([]runtime.BatchItem, 0, len(files))
	for _, f := range files {
		items = append(items, runtime.BatchItem{Path: f, Kind: kind})
	}

	op := runtime.NewBatchOperator(runtime.BatchConfig{
		Parallel: c.Int("parallel"),
		MaxItems: c.Int("max-items"),
	}, func(ctx context.Context, item runtime.BatchItem) (*runtime.RequestReport, error) {
		res, err := processFile(ctx, p, item.Kind, item.Path, "")
		if err != nil {
			return nil, err
		}
		defer func() { _ = res.Close() }()

		report := runtime.BuildRequestReport(res, p.runtime.StderrLimit)
		if res.Succeeded() && outDir != "" {
			dst := filepath.Join(outDir, res.Meta.RequestID+resultExt(res))
			if err := writeResult(io.Discard, dst, res); err != nil {
				return report, err
			}
		}
		return report, nil
	})

	result := op.Run(ctx, items)
	runtime.PrintBatchSummary(c.App.ErrWriter, result)

	if dst := c.String("report"); dst != "" {
		if err := writeBatchReports(result, dst, c.App.ErrWriter); err != nil {
			p.logger.Warn("failed to write batch report", map[string]any{"error": err.Error()})
		}
	}

	switch {
	case ctx.Err() != nil:
		return cli.Exit("batch interrupted", runtime.ExitCodeWorkerFailure)
	case result.Failed > 0:
		return cli.Exit("", runtime.ExitCodeWorkerFailure)
	}
	return nil
}

func resultExt(res *runtime.Result) string {
	if res.Payload.Streamed != nil {
		return filepath.Ext(res.Payload.Streamed.Path)
	}
	return "." + res.Meta.Kind.DefaultExtension()
}

// writeBatchReports writes all reports as a JSON array ordered by input path.
func writeBatchReports(result runtime.BatchResult, dst string, stderr io.Writer) error {
	paths := make([]string, 0, len(result.Reports))
	for p := range result.Reports {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	reports := make([]*runtime.RequestReport, 0, len(paths))
	for _, p := range paths {
		reports = append(reports, result.Reports[p])
	}

	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if dst == "-" {
		_, err = stderr.Write(data)
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
