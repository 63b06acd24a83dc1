package ui

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// ErrCancelled is returned when the user leaves a prompt with Esc or Ctrl-C.
var ErrCancelled = errors.New("cancelled")

// Input is a single-line prompt.
type Input struct {
	Prompt      string
	Placeholder string
	// Default is returned when the user submits an empty line.
	Default  string
	Password bool
	// Validate rejects a value and keeps the prompt open with the error shown.
	Validate func(string) error
}

// Ask shows the prompt on stderr and returns the trimmed answer.
func (in Input) Ask() (string, error) {
	if !Interactive() {
		if in.Default != "" {
			return in.Default, nil
		}
		return "", fmt.Errorf("%s: no terminal to prompt on", in.Prompt)
	}

	ti := textinput.New()
	ti.Placeholder = in.Placeholder
	if in.Default != "" && ti.Placeholder == "" {
		ti.Placeholder = in.Default
	}
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 48

	if in.Password {
		ti.EchoMode = textinput.EchoPassword
		ti.EchoCharacter = '•'
	}

	m := inputModel{textInput: ti, input: in}

	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}

	if m, ok := finalModel.(inputModel); ok && m.complete {
		return m.value(), nil
	}
	return "", ErrCancelled
}

type inputModel struct {
	textInput textinput.Model
	input     Input
	errText   string
	complete  bool
	quitting  bool
}

func (m inputModel) value() string {
	v := strings.TrimSpace(m.textInput.Value())
	if v == "" {
		return m.input.Default
	}
	return v
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			if m.input.Validate != nil {
				if err := m.input.Validate(m.value()); err != nil {
					m.errText = err.Error()
					return m, nil
				}
			}
			m.complete = true
			return m, tea.Quit
		}
	}

	m.errText = ""
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.complete {
		return ""
	}
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	view := fmt.Sprintf("\n%s\n\n%s\n", titleStyle.Render(m.input.Prompt), m.textInput.View())
	if m.errText != "" {
		view += "\n" + cursorStyle.Render("✗ "+m.errText) + "\n"
	}
	return view + "\n"
}
