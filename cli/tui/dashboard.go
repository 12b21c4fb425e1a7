// Package tui provides the live subscription dashboard for logbus. It is
// built on the bubbletea/lipgloss stack and refreshes its counters once a
// second from the running subscription.
package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/logbus-protocol/logbus/pkg/subscriber"
)

var (
	// titleStyle renders the dashboard title bar.
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	// labelStyle is used for counter names.
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Width(14)

	// valueStyle is used for counter values.
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	// statusBarStyle renders the bottom status bar.
	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)
)

const refreshInterval = time.Second

// tickMsg is sent every refreshInterval to trigger a counter refresh.
type tickMsg time.Time

// statsMsg carries a freshly sampled counter snapshot.
type statsMsg subscriber.Stats

// StatsSource yields the current subscription counters.
type StatsSource func() subscriber.Stats

// Model is the top-level bubbletea model for the dashboard.
type Model struct {
	source  StatsSource
	channel string
	stats   subscriber.Stats
	started time.Time
}

// NewModel creates the dashboard model over a stats source.
func NewModel(source StatsSource, channel string) Model {
	return Model{source: source, channel: channel, started: time.Now()}
}

// Init schedules the first refresh.
func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles key presses and refresh ticks.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		stats := m.source()
		return m, tea.Batch(tick(), func() tea.Msg { return statsMsg(stats) })
	case statsMsg:
		m.stats = subscriber.Stats(msg)
	}
	return m, nil
}

// View renders the counter table.
func (m Model) View() string {
	var rows string
	row := func(label string, value any) {
		rows += labelStyle.Render(label) + valueStyle.Render(fmt.Sprintf("%v", value)) + "\n"
	}
	row("Images", m.stats.Images)
	row("Fragments", m.stats.Fragments)
	row("Bytes", m.stats.Bytes)
	row("Duplicates", m.stats.Duplicates)
	row("Dropped", m.stats.Dropped)
	row("Ready", m.stats.Ready)

	title := titleStyle.Render(fmt.Sprintf("logbus watch %s", m.channel))
	status := statusBarStyle.Render(fmt.Sprintf("up %s · q to quit", time.Since(m.started).Round(time.Second)))
	return lipgloss.JoinVertical(lipgloss.Left, title, "", rows, status)
}

// Run starts the dashboard and blocks until the user quits.
func Run(source StatsSource, channel string) error {
	_, err := tea.NewProgram(NewModel(source, channel)).Run()
	return err
}
