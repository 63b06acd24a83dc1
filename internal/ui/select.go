package ui

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// Option is one entry of a Select list.
type Option struct {
	Label  string
	Detail string
}

type selectModel struct {
	title    string
	options  []Option
	cursor   int
	chosen   bool
	quitting bool
}

func (m selectModel) Init() tea.Cmd { return nil }

func (m selectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "ctrl+c", "esc", "q":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.options)-1 {
			m.cursor++
		}
	case "enter":
		m.chosen = true
		return m, tea.Quit
	}
	return m, nil
}

func (m selectModel) View() string {
	if m.chosen || m.quitting {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n\n", titleStyle.Render(m.title))
	for i, opt := range m.options {
		line := "  " + opt.Label
		if i == m.cursor {
			line = cursorStyle.Render("› " + opt.Label)
		}
		if opt.Detail != "" {
			line += "  " + mutedStyle.Render(opt.Detail)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("↑/↓ to move, enter to select, esc to cancel") + "\n")
	return b.String()
}

// Select lets the user pick one option and returns its index. A single
// option is returned without prompting.
func Select(title string, options []Option) (int, error) {
	switch {
	case len(options) == 0:
		return -1, fmt.Errorf("%s: nothing to choose from", title)
	case len(options) == 1:
		return 0, nil
	case !Interactive():
		return -1, fmt.Errorf("%s: no terminal to prompt on", title)
	}

	p := tea.NewProgram(selectModel{title: title, options: options}, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return -1, err
	}
	if m, ok := finalModel.(selectModel); ok && m.chosen {
		return m.cursor, nil
	}
	return -1, ErrCancelled
}
