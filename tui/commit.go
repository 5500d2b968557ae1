package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/superfly/blockplan"
)

// ActionStartedMsg marks an action as running.
type ActionStartedMsg struct {
	Index   int
	Summary string
}

// ActionDoneMsg records the outcome of one action.
type ActionDoneMsg struct {
	Index   int
	Summary string
	Error   string
}

// CommitDoneMsg carries the final report and ends the program.
type CommitDoneMsg struct {
	Report *blockplan.CommitReport
	Err    error
}

type actionState struct {
	summary string
	status  string // queued, running, executed, failed
	err     string
}

// CommitModel is the Bubble Tea model for watching a commit run.
type CommitModel struct {
	total   int
	actions []actionState
	done    int

	spin spinner.Model
	bar  progress.Model

	styles    *Styles
	startTime time.Time
	width     int
	finished  bool
	report    *blockplan.CommitReport
	err       error
}

// NewCommitModel creates a model expecting the given action summaries, in
// execution order.
func NewCommitModel(summaries []string) *CommitModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorInfo)

	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)

	actions := make([]actionState, len(summaries))
	for i, s := range summaries {
		actions[i] = actionState{summary: s, status: "queued"}
	}
	return &CommitModel{
		total:     len(summaries),
		actions:   actions,
		spin:      sp,
		bar:       bar,
		styles:    DefaultStyles(),
		startTime: time.Now(),
		width:     80,
	}
}

// Init initializes the model
func (m *CommitModel) Init() tea.Cmd {
	return m.spin.Tick
}

// Update handles messages
func (m *CommitModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 20

	case ActionStartedMsg:
		if msg.Index >= 0 && msg.Index < len(m.actions) {
			m.actions[msg.Index].status = "running"
		}

	case ActionDoneMsg:
		// Execution order and registration indexes can differ; match on the
		// summary first and fall back to the index.
		idx := -1
		for i, a := range m.actions {
			if a.summary == msg.Summary && a.status != "executed" && a.status != "failed" {
				idx = i
				break
			}
		}
		if idx < 0 && msg.Index >= 0 && msg.Index < len(m.actions) {
			idx = msg.Index
		}
		if idx >= 0 {
			if msg.Error == "" {
				m.actions[idx].status = "executed"
			} else {
				m.actions[idx].status = "failed"
				m.actions[idx].err = msg.Error
			}
			m.done++
		}

	case CommitDoneMsg:
		m.finished = true
		m.report = msg.Report
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		m.bar = barModel.(progress.Model)
		return m, cmd
	}

	return m, nil
}

// View renders the model
func (m *CommitModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("blockplan commit") + "\n\n")

	percent := 0.0
	if m.total > 0 {
		percent = float64(m.done) / float64(m.total)
	}
	b.WriteString("  " + m.bar.ViewAs(percent))
	b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" %d/%d actions", m.done, m.total)))
	b.WriteString("\n\n")

	for _, a := range m.actions {
		icon := m.styles.StatusIcon(a.status)
		if a.status == "running" {
			icon = m.spin.View()
		}
		line := fmt.Sprintf("  %s %s", icon, a.summary)
		if a.err != "" {
			line += m.styles.Error.Render(" " + a.err)
		}
		b.WriteString(line + "\n")
	}

	elapsed := time.Since(m.startTime)
	b.WriteString(fmt.Sprintf("\n  %s %s\n",
		m.styles.Muted.Render("Elapsed:"),
		FormatDuration(elapsed)))

	if m.finished {
		b.WriteString("\n")
		if m.err != nil {
			b.WriteString(m.styles.Error.Render(fmt.Sprintf("  %s Commit failed: %v\n", SymbolError, m.err)))
		} else if m.report != nil {
			b.WriteString(m.styles.Success.Render(fmt.Sprintf("  %s Commit %s finished\n", SymbolSuccess, m.report.RunID)))
		}
	}

	b.WriteString(fmt.Sprintf("\n  %s\n", m.styles.Help.Render("Press q to quit")))
	return b.String()
}

// Done reports whether the commit has finished.
func (m *CommitModel) Done() bool { return m.finished }

// Report returns the final report, if any.
func (m *CommitModel) Report() *blockplan.CommitReport { return m.report }

// Err returns the commit error, if any.
func (m *CommitModel) Err() error { return m.err }

// BridgeBus subscribes a running program to a session bus so executed
// actions update the display. The returned function removes the
// subscription.
func BridgeBus(p *tea.Program, bus *blockplan.Bus) func() {
	return bus.SubscribeTopic("action-executed", func(e blockplan.Event) {
		if ev, ok := e.(blockplan.ActionExecuted); ok {
			p.Send(ActionDoneMsg{Index: ev.Index, Summary: ev.Summary, Error: ev.Error})
		}
	})
}

// SendDone pushes the final commit result into the program.
func SendDone(p *tea.Program, report *blockplan.CommitReport, err error) {
	p.Send(CommitDoneMsg{Report: report, Err: err})
}
