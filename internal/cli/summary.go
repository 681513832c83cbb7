package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Bold(true)
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#88C0D0"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EBCB8B"))
)

type summaryRow struct {
	Label string
	Value string
}

func renderSummary(s batchSummary) string {
	rows := []summaryRow{
		{Label: "Files", Value: fmt.Sprintf("%d", len(s.Files))},
		{Label: "Converted", Value: fmt.Sprintf("%d", s.Converted)},
		{Label: "Failed", Value: fmt.Sprintf("%d", s.Failed)},
		{Label: "Output bytes", Value: fmt.Sprintf("%d", s.Bytes)},
	}
	if len(s.Written) == 1 {
		rows = append(rows, summaryRow{Label: "Written to", Value: s.Written[0]})
	} else if len(s.Written) > 1 {
		rows = append(rows, summaryRow{Label: "Written to", Value: filepath.Dir(s.Written[0])})
	}

	lines := renderRows(rows)
	for _, f := range s.Files {
		if f.Err != "" {
			lines = append(lines, warnStyle.Render(fmt.Sprintf("%s: %s", filepath.Base(f.Path), f.Err)))
		}
	}
	return strings.Join(lines, "\n")
}

func renderRows(rows []summaryRow) []string {
	labelWidth, valueWidth := 0, 0
	for _, row := range rows {
		labelWidth = max(labelWidth, len(row.Label))
		valueWidth = max(valueWidth, len(row.Value))
	}

	hline := strings.Repeat("-", labelWidth+valueWidth+3)
	lines := []string{hline}
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("%s | %s", labelStyle.Render(padRight(row.Label, labelWidth)), valueStyle.Render(padRight(row.Value, valueWidth))))
	}
	return append(lines, hline)
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
