package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/andewx/vkhot/watcher"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const historySize = 10

type statsMsg watcher.Stats

type model struct {
	path     string
	debounce time.Duration
	spinner  spinner.Model
	stats    watcher.Stats
	history  []result
	quit     func()
}

func newModel(path string, debounce time.Duration, quit func()) *model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return &model{path: path, debounce: debounce, spinner: s, quit: quit}
}

func (m *model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quit()
			return m, tea.Quit
		}
	case result:
		m.history = append([]result{msg}, m.history...)
		if len(m.history) > historySize {
			m.history = m.history[:historySize]
		}
	case statsMsg:
		m.stats = watcher.Stats(msg)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("hotwatch"))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%s watching %s (debounce %s)\n", m.spinner.View(), m.path, m.debounce)
	b.WriteString(dimStyle.Render(fmt.Sprintf("events %d  requests %d  replaced %d  suppressed %d  retries %d",
		m.stats.Events, m.stats.Requests, m.stats.Replaced, m.stats.Suppressed, m.stats.Retries)))
	b.WriteString("\n\n")
	if len(m.history) == 0 {
		b.WriteString(dimStyle.Render("no builds yet"))
		b.WriteString("\n")
	}
	for _, r := range m.history {
		line := fmt.Sprintf("%s  %08x  %s", r.checked.Format("15:04:05"), r.req.Checksum,
			r.took.Round(time.Millisecond))
		if r.err != nil {
			b.WriteString(errorStyle.Render("✗ " + line + "  " + r.err.Error()))
		} else {
			b.WriteString(okStyle.Render("✓ " + line))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q to quit"))
	return b.String()
}
