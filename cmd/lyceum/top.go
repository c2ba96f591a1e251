package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/benaskins/lyceum/internal/daemon"
	"github.com/benaskins/lyceum/internal/gateway"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Interactive dashboard for the service and workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		_, err := tea.NewProgram(newTopModel(interval), tea.WithAltScreen()).Run()
		return err
	},
}

func init() {
	topCmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(topCmd)
}

type topTheme struct {
	header  lipgloss.Style
	panel   lipgloss.Style
	label   lipgloss.Style
	good    lipgloss.Style
	bad     lipgloss.Style
	muted   lipgloss.Style
	footer  lipgloss.Style
	message lipgloss.Style
}

func newTopTheme() topTheme {
	border := lipgloss.Color("#5f5fd7")
	return topTheme{
		header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffd166")),
		panel:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7")).Width(12),
		good:    lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1")).Bold(true),
		bad:     lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f87")).Bold(true),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")),
		footer:  lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")).MarginTop(1),
		message: lipgloss.NewStyle().Foreground(lipgloss.Color("#ffd166")),
	}
}

type (
	tickMsg   time.Time
	statusMsg struct {
		status daemon.Status
		err    error
	}
	actionDoneMsg struct {
		action string
		err    error
	}
)

type topModel struct {
	interval time.Duration
	status   daemon.Status
	err      error
	busy     string
	message  string
	loaded   bool
	spinner  spinner.Model
	theme    topTheme
}

func newTopModel(interval time.Duration) topModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))
	return topModel{interval: interval, spinner: sp, theme: newTopTheme()}
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchStatus, tickEvery(m.interval))
}

func tickEvery(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetchStatus() tea.Msg {
	var st daemon.Status
	err := apiGet("/v1/status", &st)
	return statusMsg{status: st, err: err}
}

func runAction(name string) tea.Cmd {
	return func() tea.Msg {
		err := apiPost("/v1/actions", gateway.Action{Name: name}, nil)
		return actionDoneMsg{action: name, err: err}
	}
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		action := ""
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchStatus
		case "s":
			action = gateway.ActionServiceStart
		case "S":
			action = gateway.ActionServiceStop
		case "R":
			action = gateway.ActionServiceRestart
		case "w":
			action = gateway.ActionPoolStart
		case "W":
			action = gateway.ActionPoolStop
		}
		if action == "" || m.busy != "" {
			return m, nil
		}
		m.busy = action
		m.message = ""
		return m, runAction(action)

	case tickMsg:
		return m, tea.Batch(fetchStatus, tickEvery(m.interval))

	case statusMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
		return m, nil

	case actionDoneMsg:
		m.busy = ""
		if msg.err != nil {
			m.message = msg.action + ": " + msg.err.Error()
		} else {
			m.message = msg.action + ": done"
		}
		return m, fetchStatus

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m topModel) View() string {
	t := m.theme
	var b strings.Builder

	b.WriteString(t.header.Render("lyceum"))
	if m.busy != "" {
		b.WriteString("  " + m.spinner.View() + " " + m.busy)
	}
	b.WriteString("\n\n")

	switch {
	case !m.loaded:
		b.WriteString(m.spinner.View() + " connecting to daemon\n")
	case m.err != nil:
		b.WriteString(t.bad.Render("daemon unreachable: ") + m.err.Error() + "\n")
	default:
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			t.panel.Render(m.serviceView()),
			t.panel.Render(m.poolView()),
			t.panel.Render(m.runtimeView()),
		))
		b.WriteString("\n")
	}

	if m.message != "" {
		b.WriteString(t.message.Render(m.message) + "\n")
	}
	b.WriteString(t.footer.Render("s/S start/stop service  R restart  w/W start/stop workers  r refresh  q quit"))
	return b.String()
}

func (m topModel) row(label, value string) string {
	return m.theme.label.Render(label) + value + "\n"
}

func (m topModel) stateText(state string, ok bool) string {
	if ok {
		return m.theme.good.Render(state)
	}
	if state == "failed" {
		return m.theme.bad.Render(state)
	}
	return m.theme.muted.Render(state)
}

func (m topModel) serviceView() string {
	svc := m.status.Service
	var b strings.Builder
	b.WriteString(m.theme.header.Render("Service") + "\n")
	b.WriteString(m.row("state", m.stateText(svc.State, svc.Running)))
	b.WriteString(m.row("health", m.stateText(string(svc.Health), svc.Health == "healthy")))
	b.WriteString(m.row("pid", dashInt(svc.PID)))
	b.WriteString(m.row("port", dashInt(svc.Port)))
	b.WriteString(m.row("uptime", dash(svc.Uptime)))
	b.WriteString(m.row("restarts", fmt.Sprintf("%d", svc.RestartCount)))
	if svc.LastError != "" {
		b.WriteString(m.theme.bad.Render(svc.LastError) + "\n")
	}
	return b.String()
}

func (m topModel) poolView() string {
	pool := m.status.Pool
	var b strings.Builder
	b.WriteString(m.theme.header.Render("Workers") + "\n")
	state := "stopped"
	if pool.Running {
		state = "running"
	}
	b.WriteString(m.row("state", m.stateText(state, pool.Running)))
	b.WriteString(m.row("count", fmt.Sprintf("%d/%d", pool.WorkerCount, pool.TargetCount)))
	accel := "off"
	if pool.AccelerationEnabled {
		accel = "on"
	}
	b.WriteString(m.row("accel", accel))
	for _, w := range pool.Workers {
		b.WriteString(m.theme.muted.Render(fmt.Sprintf("%s  pid %d  %s", w.ID, w.PID, w.Uptime)) + "\n")
	}
	return b.String()
}

func (m topModel) runtimeView() string {
	rt := m.status.Runtime
	var b strings.Builder
	b.WriteString(m.theme.header.Render("Model runtime") + "\n")
	if !rt.Enabled {
		b.WriteString(m.theme.muted.Render("not configured") + "\n")
		return b.String()
	}
	state := runtimeState(rt)
	b.WriteString(m.row("type", rt.Type))
	b.WriteString(m.row("state", m.stateText(state, rt.Running)))
	b.WriteString(m.row("health", m.stateText(string(rt.Health), rt.Health == "healthy")))
	b.WriteString(m.row("url", rt.URL))
	return b.String()
}
