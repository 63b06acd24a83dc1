package ui

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

type taskResultMsg[T any] struct {
	data T
	err  error
}

type spinnerModel[T any] struct {
	spinner  spinner.Model
	text     string
	cancel   context.CancelFunc
	run      tea.Cmd
	result   T
	err      error
	quitting bool
}

func (m spinnerModel[T]) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.run)
}

func (m spinnerModel[T]) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyEsc {
			// The task sees the cancellation and reports back.
			m.cancel()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case taskResultMsg[T]:
		m.result = msg.data
		m.err = msg.err
		m.quitting = true
		return m, tea.Quit

	default:
		return m, nil
	}
}

func (m spinnerModel[T]) View() string {
	if m.quitting {
		return ""
	}
	return fmt.Sprintf("%s %s\n", m.spinner.View(), textStyle.Render(m.text))
}

// Spin runs task while showing a spinner on stderr. Ctrl-C or Esc cancels the
// context passed to task. Without a terminal the task simply runs.
func Spin[T any](ctx context.Context, text string, task func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !Interactive() {
		fmt.Fprintln(os.Stderr, text)
		return task(ctx)
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	m := spinnerModel[T]{
		spinner: s,
		text:    text,
		cancel:  cancel,
		run: func() tea.Msg {
			res, err := task(ctx)
			return taskResultMsg[T]{data: res, err: err}
		},
	}

	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if fm, ok := finalModel.(spinnerModel[T]); ok && fm.quitting {
		return fm.result, fm.err
	}
	var zero T
	if err == nil {
		err = fmt.Errorf("spinner exited before the task finished")
	}
	return zero, err
}

// SpinErr is Spin for tasks without a result.
func SpinErr(ctx context.Context, text string, task func(ctx context.Context) error) error {
	_, err := Spin(ctx, text, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, task(ctx)
	})
	return err
}
