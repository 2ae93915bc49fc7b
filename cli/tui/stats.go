package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/spotter/metrics"
)

// RefreshInterval is how often a live stats view refetches.
const RefreshInterval = 2 * time.Second

// FetchFunc retrieves a fresh snapshot for live views.
type FetchFunc func() (*metrics.Snapshot, error)

type refreshMsg time.Time

type snapshotMsg struct {
	snap *metrics.Snapshot
	err  error
}

// StatsModel shows a metrics snapshot, refreshing it when a fetch func is
// set.
type StatsModel struct {
	snap      *metrics.Snapshot
	fetch     FetchFunc
	updatedAt time.Time
	err       error
	quitting  bool
}

// NewStatsModel creates a stats model. fetch may be nil for a static view.
func NewStatsModel(snap *metrics.Snapshot, fetch FetchFunc) StatsModel {
	return StatsModel{snap: snap, fetch: fetch, updatedAt: time.Now()}
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m StatsModel) refresh() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		snap, err := fetch()
		return snapshotMsg{snap: snap, err: err}
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	if m.fetch == nil {
		return nil
	}
	return tick()
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	case refreshMsg:
		return m, m.refresh()
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.updatedAt = time.Now()
		}
		return m, tick()
	}
	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}
	if m.snap == nil {
		return "Invalid data type for " + ViewStats
	}
	s := m.snap

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Spotter Statistics"))
	b.WriteString("\n\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderStatBox("Requests", s.RequestsStarted, highlightColor),
		renderStatBox("In Flight", s.InFlight, warningColor),
		renderStatBox("Completed", s.RequestsCompleted, successColor),
		renderStatBox("Failed", s.RequestsFailed, errorColor),
	))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderStatBox("Launched", s.WorkerLaunchSuccess, highlightColor),
		renderStatBox("Spawn Errors", s.WorkerLaunchFailure, errorColor),
		renderStatBox("Timeouts", s.WorkerTimeouts, warningColor),
		renderStatBox("Frame Errors", s.FrameDecodeErrors, errorColor),
	))
	b.WriteString("\n\n")

	if len(s.FailuresByKind) > 0 {
		b.WriteString(TitleStyle.Render("Failures by Kind"))
		b.WriteString("\n")
		for _, k := range sortedKeys(s.FailuresByKind) {
			fmt.Fprintf(&b, "%s %s\n", LabelStyle.Width(24).Render(k+":"), ErrorStyle.Render(fmt.Sprint(s.FailuresByKind[k])))
		}
		b.WriteString("\n")
	}

	rows := [][2]string{
		{"Staged", formatBytes(s.BytesStaged)},
		{"Returned", formatBytes(s.BytesReturned)},
		{"Reports", fmt.Sprintf("%d ok / %d failed (%s)", s.ReportWriteSuccess, s.ReportWriteFailure, orNone(s.ReportBackend))},
		{"Notify", fmt.Sprintf("%d ok / %d failed (%s)", s.NotifySuccess, s.NotifyFailure, orNone(s.Notifier))},
	}
	if !s.StartedAt.IsZero() {
		rows = append(rows, [2]string{"Up Since", s.StartedAt.Local().Format(timeLayout)})
	}
	for _, row := range rows {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(row[0]+":"), ValueStyle.Render(row[1]))
	}

	help := "Press q or Ctrl+C to quit"
	if m.fetch != nil {
		help = fmt.Sprintf("Updated %s • %s", m.updatedAt.Format("15:04:05"), help)
		if m.err != nil {
			help = ErrorStyle.Render("refresh failed: "+m.err.Error()) + "\n" + help
		}
	}
	return b.String() + HelpStyle.Render(help)
}

func renderStatBox(label string, value int64, color lipgloss.Color) string {
	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprint(value))
	labelStr := StatLabelStyle.Render(label)
	return StatBoxStyle.BorderForeground(color).Render(lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr))
}

func sortedKeys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// formatBytes renders n with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// RunStatsTUI runs the stats TUI. data must be a *metrics.Snapshot; fetch
// enables live refresh.
func RunStatsTUI(data any, fetch FetchFunc) error {
	snap, ok := data.(*metrics.Snapshot)
	if !ok {
		return fmt.Errorf("invalid data type for %s: %T", ViewStats, data)
	}
	p := tea.NewProgram(NewStatsModel(snap, fetch), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats without a terminal program.
func RenderStatsStatic(snap *metrics.Snapshot) string {
	return lipgloss.NewStyle().Padding(1, 2).Render(NewStatsModel(snap, nil).View())
}
