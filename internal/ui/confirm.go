package ui

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

type confirmModel struct {
	question string
	answer   bool
	done     bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "y", "Y":
		m.answer, m.done = true, true
		return m, tea.Quit
	case "n", "N", "enter", "esc", "ctrl+c":
		m.answer, m.done = false, true
		return m, tea.Quit
	}
	return m, nil
}

func (m confirmModel) View() string {
	if m.done {
		return ""
	}
	return fmt.Sprintf("%s %s ", textStyle.Render(m.question), mutedStyle.Render("[y/N]"))
}

// Confirm asks a yes/no question and defaults to no. Without a terminal it
// answers no.
func Confirm(question string) (bool, error) {
	if !Interactive() {
		return false, nil
	}
	p := tea.NewProgram(confirmModel{question: question}, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return false, err
	}
	m, _ := finalModel.(confirmModel)
	return m.answer, nil
}
