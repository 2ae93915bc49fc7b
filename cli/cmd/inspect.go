package cmd

import (
	"errors"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spotter/cli/render"
	"github.com/pithecene-io/spotter/cli/tui"
	"github.com/pithecene-io/spotter/lode"
	"github.com/pithecene-io/spotter/runtime"
)

// InspectCommand returns the inspect command. It shows a report file, or
// queries the configured report ledger.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect request reports (a report file or the report ledger)",
		ArgsUsage: "[report.json]",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to spotter.yaml (ledger queries)",
				EnvVars: []string{"SPOTTER_CONFIG"},
			},
			&cli.StringFlag{Name: "request-id", Usage: "Filter by request ID"},
			&cli.StringFlag{Name: "kind", Usage: "Filter by media kind"},
			&cli.StringFlag{Name: "day", Usage: "Filter by day (YYYY-MM-DD)"},
			&cli.StringFlag{Name: "outcome", Usage: "Filter by outcome (completed or an error kind)"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum reports to return", Value: 50},
		),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	if c.NArg() > 0 {
		report, err := runtime.ReadRequestReport(c.Args().First())
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		if c.Bool("tui") {
			return r.RenderTUI(tui.ViewInspectReport, report)
		}
		return r.Render(report)
	}

	reports, err := queryLedger(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewInspectReports, reports)
	}
	if r.Format() == render.FormatTable {
		return r.Render(summarize(reports))
	}
	return r.Render(reports)
}

func queryLedger(c *cli.Context) ([]*runtime.RequestReport, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	ledger, err := openLedger(c.Context, cfg)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	if ledger == nil {
		return nil, cli.Exit("no report backend configured (set report.backend or pass a report file)", 2)
	}
	defer func() { _ = ledger.Close() }()

	reports, err := lode.QueryReports(c.Context, ledger.Dataset(), lode.Query{
		RequestID: c.String("request-id"),
		Kind:      c.String("kind"),
		Day:       c.String("day"),
		Outcome:   c.String("outcome"),
		Limit:     c.Int("limit"),
	})
	if errors.Is(err, lode.ErrNoReportsFound) {
		return nil, cli.Exit("no reports found", 1)
	}
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	return reports, nil
}

// reportSummary is the table row for a report listing.
type reportSummary struct {
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`
	Outcome   string    `json:"outcome"`
	Duration  string    `json:"duration"`
	StartedAt time.Time `json:"started_at"`
}

func summarize(reports []*runtime.RequestReport) []reportSummary {
	out := make([]reportSummary, 0, len(reports))
	for _, r := range reports {
		out = append(out, reportSummary{
			RequestID: r.RequestID,
			Kind:      string(r.Kind),
			Outcome:   r.Outcome(),
			Duration:  (time.Duration(r.DurationMs) * time.Millisecond).String(),
			StartedAt: r.StartedAt,
		})
	}
	return out
}
