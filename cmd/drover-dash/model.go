package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"drover/pkg/coordinator"
)

// tickMsg is sent by Bubble Tea on every tick interval and triggers a
// periodic refresh from the coordination database.
type tickMsg time.Time

// statusMsg carries a fetched swarm snapshot. nil means the fetch failed;
// the dashboard shows the daemon as offline until the next tick succeeds.
type statusMsg *coordinator.Status

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchStatusCmd returns a tea.Cmd that snapshots swarm state.
func fetchStatusCmd(src *statusSource) tea.Cmd {
	return func() tea.Msg {
		st, err := src.Snapshot(context.Background())
		if err != nil {
			return statusMsg(nil)
		}
		return statusMsg(st)
	}
}

// focusArea selects which table receives navigation keys.
type focusArea int

const (
	focusWorkers focusArea = iota
	focusTasks
)

// Model is the Bubble Tea model for the drover dashboard.
type Model struct {
	src *statusSource

	status  *coordinator.Status
	healthy bool

	workers table.Model
	tasks   table.Model
	focus   focusArea

	width  int
	height int
}

func newModel(src *statusSource) Model {
	theme := DefaultTheme()
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(theme.Primary)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#ffffff")).Background(theme.Primary)

	workers := table.New(
		table.WithColumns([]table.Column{
			{Title: "Worker ID", Width: 24},
			{Title: "State", Width: 12},
			{Title: "Capabilities", Width: 28},
			{Title: "Heartbeat", Width: 10},
		}),
		table.WithHeight(6),
		table.WithStyles(styles),
	)
	workers.Focus()

	tasks := table.New(
		table.WithColumns([]table.Column{
			{Title: "Task ID", Width: 16},
			{Title: "Priority", Width: 8},
			{Title: "Claim", Width: 10},
			{Title: "Worker", Width: 24},
			{Title: "Stage", Width: 16},
		}),
		table.WithHeight(10),
		table.WithStyles(styles),
	)

	return Model{src: src, workers: workers, tasks: tasks, focus: focusWorkers}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchStatusCmd(m.src), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m = m.toggleFocus()
			return m, nil
		}
		var cmd tea.Cmd
		if m.focus == focusWorkers {
			m.workers, cmd = m.workers.Update(msg)
		} else {
			m.tasks, cmd = m.tasks.Update(msg)
		}
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case statusMsg:
		if msg == nil {
			m.healthy = false
		} else {
			m.healthy = true
			m.status = msg
			m.workers.SetRows(workerRows(m.status))
			m.tasks.SetRows(taskRows(m.status))
		}

	case tickMsg:
		return m, tea.Batch(fetchStatusCmd(m.src), tickCmd())
	}

	return m, nil
}

func (m Model) toggleFocus() Model {
	if m.focus == focusWorkers {
		m.focus = focusTasks
		m.workers.Blur()
		m.tasks.Focus()
	} else {
		m.focus = focusWorkers
		m.tasks.Blur()
		m.workers.Focus()
	}
	return m
}

func workerRows(st *coordinator.Status) []table.Row {
	rows := make([]table.Row, 0, len(st.Workers))
	for _, w := range st.Workers {
		hb := "-"
		if !w.LastHeartbeat.IsZero() {
			hb = w.LastHeartbeat.Format("15:04:05")
		}
		rows = append(rows, table.Row{w.ID, string(w.State), strings.Join(w.Capabilities, ","), hb})
	}
	return rows
}

func taskRows(st *coordinator.Status) []table.Row {
	rows := make([]table.Row, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		worker := t.WorkerID
		if worker == "" {
			worker = "-"
		}
		stage := t.Stage
		if stage == "" {
			stage = "-"
		}
		rows = append(rows, table.Row{t.ID, t.Priority, t.ClaimStatus, worker, stage})
	}
	return rows
}

// View implements tea.Model.
func (m Model) View() string {
	theme := DefaultTheme()
	sections := []string{
		m.renderStatusBar(theme),
		sectionTitle(theme, "Workers"),
		m.workers.View(),
		sectionTitle(theme, "Tasks"),
		m.tasks.View(),
	}
	if footer := m.renderFooter(theme); footer != "" {
		sections = append(sections, footer)
	}
	sections = append(sections,
		lipgloss.NewStyle().Foreground(theme.Muted).Render("tab: switch table  j/k: move  q: quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func sectionTitle(theme Theme, s string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(theme.Primary).Padding(1, 0, 0, 0).Render(s)
}

// renderStatusBar renders daemon health and aggregate counts.
func (m Model) renderStatusBar(theme Theme) string {
	var health string
	if m.healthy {
		health = lipgloss.NewStyle().Foreground(theme.Success).Render("db: online")
	} else {
		health = lipgloss.NewStyle().Foreground(theme.Error).Render("db: offline")
	}

	var active, claimed int
	if m.status != nil {
		for _, w := range m.status.Workers {
			if w.State == "active" || w.State == "registered" {
				active++
			}
		}
		for _, t := range m.status.Tasks {
			if t.ClaimStatus == "claimed" {
				claimed++
			}
		}
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		health,
		lipgloss.NewStyle().Render(" | Workers: "),
		lipgloss.NewStyle().Foreground(theme.Primary).Render(fmt.Sprintf("%d", active)),
		lipgloss.NewStyle().Render(" | Claimed: "),
		lipgloss.NewStyle().Foreground(theme.Warning).Render(fmt.Sprintf("%d", claimed)),
	)
}

// renderFooter renders pending escalations and the dead-letter count, or an
// empty string when there is nothing to escalate.
func (m Model) renderFooter(theme Theme) string {
	if m.status == nil {
		return ""
	}
	var sb strings.Builder
	if n := len(m.status.Escalations); n > 0 {
		style := lipgloss.NewStyle().Foreground(theme.Error).Bold(true)
		sb.WriteString(style.Render(fmt.Sprintf("Escalations (%d)", n)))
		sb.WriteString("\n")
		for _, e := range m.status.Escalations {
			sb.WriteString(fmt.Sprintf("  [%d] %s\n", e.ID, e.Message))
		}
	}
	if m.status.DeadLetters > 0 {
		style := lipgloss.NewStyle().Foreground(theme.Warning)
		sb.WriteString(style.Render(fmt.Sprintf("Dead letters: %d", m.status.DeadLetters)))
	}
	return strings.TrimRight(sb.String(), "\n")
}
