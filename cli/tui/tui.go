package tui

import (
	"fmt"
	"slices"
)

// View types with a TUI.
const (
	ViewInspectReport  = "inspect_report"
	ViewInspectReports = "inspect_reports"
	ViewStats          = "stats_service"
)

var supportedViews = []string{ViewInspectReport, ViewInspectReports, ViewStats}

// Run starts the TUI for viewType. Only inspect and stats views have one.
func Run(viewType string, data any) error {
	switch viewType {
	case ViewInspectReport, ViewInspectReports:
		return RunInspectTUI(viewType, data)
	case ViewStats:
		return RunStatsTUI(data, nil)
	default:
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
}

// IsTUISupported reports whether viewType has a TUI.
func IsTUISupported(viewType string) bool {
	return slices.Contains(supportedViews, viewType)
}

// SupportedTUIViews returns the view types that have a TUI.
func SupportedTUIViews() []string {
	return slices.Clone(supportedViews)
}
