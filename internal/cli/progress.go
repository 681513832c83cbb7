package cli

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type progressUpdate struct {
	Name   string
	Failed bool
}

type progressModel struct {
	updates  <-chan progressUpdate
	started  time.Time
	width    int
	total    int
	done     int
	failed   int
	last     string
	quitting bool
}

type progressDoneMsg struct{}

type progressMsg progressUpdate

func newProgressModel(updates <-chan progressUpdate, total int) progressModel {
	return progressModel{updates: updates, total: total, started: time.Now()}
}

func (m progressModel) Init() tea.Cmd {
	return waitForProgress(m.updates)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case progressMsg:
		m.done++
		if msg.Failed {
			m.failed++
		}
		m.last = msg.Name
		return m, waitForProgress(m.updates)
	case progressDoneMsg:
		m.quitting = true
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	default:
		return m, nil
	}
}

func (m progressModel) View() string {
	if m.quitting {
		return ""
	}

	barWidth := 40
	if m.width > 0 {
		barWidth = min(60, max(20, m.width-10))
	}
	ratio := 0.0
	if m.total > 0 {
		ratio = math.Min(1, float64(m.done)/float64(m.total))
	}

	lines := []string{
		titleStyle.Render("pixelconvert"),
		labelStyle.Render(fmt.Sprintf("Files: %d/%d", m.done, m.total)) + dimStyle.Render(fmt.Sprintf("  failed:%d", m.failed)),
		dimStyle.Render(fmt.Sprintf("Last: %s  Elapsed: %s", m.last, time.Since(m.started).Round(time.Millisecond))),
		barStyle.Render(renderBar(barWidth, ratio)),
	}
	return strings.Join(lines, "\n")
}

func waitForProgress(updates <-chan progressUpdate) tea.Cmd {
	return func() tea.Msg {
		update, ok := <-updates
		if !ok {
			return progressDoneMsg{}
		}
		return progressMsg(update)
	}
}

func renderBar(width int, ratio float64) string {
	filled := min(width, max(0, int(math.Round(ratio*float64(width)))))
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}
