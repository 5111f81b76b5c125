package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type waitDoneMsg struct {
	err error
}

// waitSpinnerModel shows a spinner while a blocking step such as the first
// sync runs, then quits with that step's error.
type waitSpinnerModel struct {
	spinner spinner.Model
	label   string
	wait    tea.Cmd
	started time.Time
	err     error
	done    bool
}

func newWaitSpinnerModel(label string, wait tea.Cmd) waitSpinnerModel {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("69"))),
	)

	return waitSpinnerModel{
		spinner: s,
		label:   label,
		wait:    wait,
		started: time.Now(),
	}
}

func (m waitSpinnerModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.wait)
}

func (m waitSpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case waitDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m waitSpinnerModel) View() string {
	if m.done {
		return ""
	}

	view := m.spinner.View()
	if m.label != "" {
		view += " " + m.label
	}
	// long polls can take a while before the first response
	if elapsed := time.Since(m.started).Truncate(time.Second); elapsed >= time.Second {
		view += " " + elapsed.String()
	}

	return view
}

// runWithSpinner announces label on its own line, since a fast wait can end
// before the first frame is drawn, then animates until wait returns.
func runWithSpinner(ctx context.Context, output io.Writer, label string, wait func(context.Context) error) error {
	if _, err := fmt.Fprintln(output, label); err != nil {
		return err
	}
	waitCmd := func() tea.Msg {
		return waitDoneMsg{err: wait(ctx)}
	}

	p := tea.NewProgram(
		newWaitSpinnerModel("", waitCmd),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	finalModel, err := p.Run()
	if err != nil {
		return err
	}

	result, ok := finalModel.(waitSpinnerModel)
	if !ok {
		return fmt.Errorf("unexpected final spinner model type %T", finalModel)
	}

	return result.err
}
