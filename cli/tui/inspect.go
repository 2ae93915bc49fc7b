package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/spotter/runtime"
)

const timeLayout = "2006-01-02 15:04:05"

type keyMap struct {
	Quit   key.Binding
	Select key.Binding
	Back   key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Select: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "details"),
	),
	Back: key.NewBinding(
		key.WithKeys("esc", "backspace"),
		key.WithHelp("esc", "back"),
	),
}

// InspectModel shows one report, or a table of reports with a detail view.
type InspectModel struct {
	reports  []*runtime.RequestReport
	single   bool
	table    table.Model
	detail   viewport.Model
	showing  bool
	width    int
	height   int
	quitting bool
	err      string
}

// NewInspectModel creates the model for an inspect view.
func NewInspectModel(viewType string, data any) InspectModel {
	m := InspectModel{width: 80, height: 24}
	switch viewType {
	case ViewInspectReport:
		r, ok := data.(*runtime.RequestReport)
		if !ok || r == nil {
			m.err = "Invalid data type for " + viewType
			return m
		}
		m.reports = []*runtime.RequestReport{r}
		m.single = true
		m.showing = true
	case ViewInspectReports:
		rs, ok := data.([]*runtime.RequestReport)
		if !ok {
			m.err = "Invalid data type for " + viewType
			return m
		}
		m.reports = rs
	default:
		m.err = "Unknown view type: " + viewType
		return m
	}

	m.table = newReportTable(m.reports)
	m.detail = viewport.New(m.width, m.height-4)
	if m.single {
		m.detail.SetContent(renderReport(m.reports[0]))
	}
	return m
}

func newReportTable(reports []*runtime.RequestReport) table.Model {
	columns := []table.Column{
		{Title: "Request", Width: 36},
		{Title: "Kind", Width: 6},
		{Title: "Outcome", Width: 20},
		{Title: "Duration", Width: 10},
		{Title: "Started", Width: 19},
	}
	rows := make([]table.Row, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, table.Row{
			r.RequestID,
			string(r.Kind),
			r.Outcome(),
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			r.StartedAt.Local().Format(timeLayout),
		})
	}
	return table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(min(len(rows)+1, 20)),
	)
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.detail.Width = msg.Width
		m.detail.Height = max(msg.Height-4, 1)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Back) && m.showing && !m.single:
			m.showing = false
			return m, nil
		case key.Matches(msg, keys.Select) && !m.showing && len(m.reports) > 0:
			m.showing = true
			m.detail.SetContent(renderReport(m.reports[m.table.Cursor()]))
			m.detail.GotoTop()
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.showing {
		m.detail, cmd = m.detail.Update(msg)
	} else {
		m.table, cmd = m.table.Update(msg)
	}
	return m, cmd
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}
	if m.err != "" {
		return m.err
	}

	var content, help string
	switch {
	case m.showing:
		content = m.detail.View()
		help = "↑/↓ scroll • q quit"
		if !m.single {
			help = "↑/↓ scroll • esc back • q quit"
		}
	case len(m.reports) == 0:
		content = "(no reports)"
		help = "q quit"
	default:
		content = TitleStyle.Render(fmt.Sprintf("Request Reports (%d)", len(m.reports))) + "\n" + m.table.View()
		help = "↑/↓ move • enter details • q quit"
	}
	return content + "\n" + HelpStyle.Render(help)
}

// renderReport renders the detail box for one report.
func renderReport(r *runtime.RequestReport) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Request Report"))
	b.WriteString("\n")

	field := func(label, value string, style lipgloss.Style) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(label+":"), style.Render(value))
	}

	field("Request ID", r.RequestID, ValueStyle)
	field("Kind", string(r.Kind), ValueStyle)
	field("State", string(r.State), StateStyle(string(r.State)))
	field("Error Kind", string(r.ErrorKind), ErrorStyle)
	field("Message", r.Message, ValueStyle)
	if r.ExitCode != nil {
		field("Exit Code", fmt.Sprint(*r.ExitCode), ValueStyle)
	}
	field("Response", string(r.Response), ValueStyle)
	field("MIME", r.MIME, ValueStyle)
	field("Started At", r.StartedAt.Local().Format(timeLayout), ValueStyle)
	field("Duration", (time.Duration(r.DurationMs) * time.Millisecond).String(), ValueStyle)
	field("Worker", (time.Duration(r.WorkerMs) * time.Millisecond).String(), ValueStyle)
	field("Input", fmt.Sprintf("%d bytes", r.InputBytes), ValueStyle)
	field("Output", fmt.Sprintf("%d bytes", r.OutputBytes), ValueStyle)

	if len(r.History) > 0 {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("History"))
		b.WriteString("\n")
		start := r.History[0].At
		for _, tr := range r.History {
			fmt.Fprintf(&b, "  %s %s\n",
				LabelStyle.Render("+"+tr.At.Sub(start).String()),
				StateStyle(string(tr.State)).Render(string(tr.State)))
		}
	}

	if r.Detail != "" {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("Detail"))
		b.WriteString("\n")
		b.WriteString(r.Detail)
		b.WriteString("\n")
	}
	if r.Stderr != "" && r.Stderr != r.Detail {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("Stderr"))
		b.WriteString("\n")
		b.WriteString(r.Stderr)
		b.WriteString("\n")
	}

	return BoxStyle.Render(b.String())
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	p := tea.NewProgram(NewInspectModel(viewType, data), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without a terminal program.
// A single report is rendered in full rather than through the viewport.
func RenderInspectStatic(viewType string, data any) string {
	m := NewInspectModel(viewType, data)
	pad := lipgloss.NewStyle().Padding(1, 2)
	if m.err == "" && m.single {
		return pad.Render(renderReport(m.reports[0]))
	}
	return pad.Render(m.View())
}
