package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spotter/cli/render"
	"github.com/pithecene-io/spotter/cli/tui"
	"github.com/pithecene-io/spotter/metrics"
)

// DefaultStatsAddr is the server queried when --addr is not set.
const DefaultStatsAddr = "http://localhost:5000"

const statsTimeout = 5 * time.Second

// StatsCommand returns the stats command. It reads GET /stats from a
// running server.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show request statistics from a running server",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Server base URL",
				Value:   DefaultStatsAddr,
				EnvVars: []string{"SPOTTER_ADDR"},
			},
		),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: statsTimeout}
	fetch := func() (*metrics.Snapshot, error) {
		return fetchStats(client, c.String("addr"))
	}

	snap, err := fetch()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if c.Bool("tui") {
		return tui.RunStatsTUI(snap, fetch)
	}
	return r.Render(snap)
}

func fetchStats(client *http.Client, addr string) (*metrics.Snapshot, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	url := strings.TrimSuffix(addr, "/") + "/stats"

	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch stats: %s returned %s", url, resp.Status)
	}
	var snap metrics.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &snap, nil
}
