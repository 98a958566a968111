package cli

import (
	"context"
	"fmt"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/interviewcore/orchestrator/internal/models"
)

const statusPollInterval = time.Second

// statusTheme holds the color scheme for the live status view.
type statusTheme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultStatusTheme = statusTheme{
	Status:  lipgloss.Color("#5FAFD7"),
	Success: lipgloss.Color("#00D787"),
	Error:   lipgloss.Color("#FF005F"),
	Hint:    lipgloss.Color("#6C6C6C"),
}

func (t statusTheme) statusStyle() lipgloss.Style  { return lipgloss.NewStyle().Foreground(t.Status) }
func (t statusTheme) successStyle() lipgloss.Style { return lipgloss.NewStyle().Foreground(t.Success).Bold(true) }
func (t statusTheme) errorStyle() lipgloss.Style   { return lipgloss.NewStyle().Foreground(t.Error).Bold(true) }
func (t statusTheme) hintStyle() lipgloss.Style    { return lipgloss.NewStyle().Foreground(t.Hint).Italic(true) }

type statusTickMsg time.Time

type statusUpdateMsg struct {
	view statusResponse
	err  error
}

// statusSource abstracts where a statusResponse comes from: the run
// command polls its own in-process Controller directly, while the status
// command polls it over the control plane's HTTP endpoint. Either way the
// rendered view is identical — a rendering convenience over the same
// status data the session contract defines, never a second source of truth.
type statusSource func(ctx context.Context) (statusResponse, error)

type statusModel struct {
	poll     statusSource
	view     statusResponse
	theme    statusTheme
	done     bool
	quitting bool
	err      error
}

func newStatusModel(poll statusSource) statusModel {
	return statusModel{poll: poll, theme: defaultStatusTheme}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(statusTickCmd(), m.fetch())
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case statusTickMsg:
		return m, m.fetch()

	case statusUpdateMsg:
		if msg.err != nil {
			m.err = msg.err
			m.done = true
			return m, tea.Quit
		}
		m.view = msg.view
		if isTerminalStatus(m.view.Status) {
			m.done = true
			return m, tea.Quit
		}
		return m, statusTickCmd()
	}
	return m, nil
}

func isTerminalStatus(s models.Status) bool {
	return s == models.StatusEnded || s == models.StatusFailed
}

func (m statusModel) View() tea.View {
	return tea.NewView(m.render())
}

func (m statusModel) render() string {
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\nerror: %s\n", m.err))
	}
	if m.view.SessionID == "" {
		return "connecting...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.view.Status))
	elapsed := time.Duration(m.view.ElapsedMs) * time.Millisecond
	remaining := time.Duration(m.view.RemainMs) * time.Millisecond
	line := fmt.Sprintf("%s session %s  elapsed %s  remaining %s\n",
		status, m.view.SessionID, elapsed.Round(time.Second), remaining.Round(time.Second))

	if m.view.LastEvent != nil {
		line += fmt.Sprintf("last event: %s from %s\n", m.view.LastEvent.Kind, m.view.LastEvent.Producer)
	}
	if m.view.Metrics != nil {
		line += fmt.Sprintf("dropped events: %d  avg llm: %s\n",
			m.view.Metrics.Dropped, formatAvgMs(m.view.Metrics.LLMAvgMs))
	}

	hint := m.theme.hintStyle().Render("press q to quit the live view")
	line += hint + "\n"

	if isTerminalStatus(m.view.Status) {
		if m.view.Status == models.StatusFailed {
			line = m.theme.errorStyle().Render("session failed\n") + line
		} else {
			line = m.theme.successStyle().Render("session ended\n") + line
		}
	}
	return line
}

func (m statusModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		view, err := m.poll(ctx)
		return statusUpdateMsg{view: view, err: err}
	}
}

func statusTickCmd() tea.Cmd {
	return tea.Tick(statusPollInterval, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}

// runStatusView drives the bubbletea live view to completion, returning the
// last observed statusResponse.
func runStatusView(poll statusSource) (statusResponse, error) {
	p := tea.NewProgram(newStatusModel(poll))
	final, err := p.Run()
	if err != nil {
		return statusResponse{}, fmt.Errorf("status view error: %w", err)
	}
	if m, ok := final.(statusModel); ok {
		if m.err != nil {
			return m.view, m.err
		}
		return m.view, nil
	}
	return statusResponse{}, nil
}

// printStatusLine renders a single plain-text status line for non-TTY output.
func printStatusLine(view statusResponse) string {
	elapsed := time.Duration(view.ElapsedMs) * time.Millisecond
	remaining := time.Duration(view.RemainMs) * time.Millisecond
	line := fmt.Sprintf("session=%s status=%s elapsed=%s remaining=%s",
		view.SessionID, view.Status, elapsed.Round(time.Second), remaining.Round(time.Second))
	if view.LastEvent != nil {
		line += fmt.Sprintf(" last_event=%s/%s", view.LastEvent.Producer, view.LastEvent.Kind)
	}
	if view.Metrics != nil {
		line += fmt.Sprintf(" dropped=%d llm_avg_ms=%s", view.Metrics.Dropped, formatAvgMs(view.Metrics.LLMAvgMs))
	}
	return line
}

// formatAvgMs renders an optional average-latency figure, or "n/a" before
// the first sample is recorded.
func formatAvgMs(avg *float64) string {
	if avg == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.0fms", *avg)
}
