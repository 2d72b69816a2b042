package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/vnmchuo/llm-relay/internal/markup"
)

type theme struct {
	header   lipgloss.Style
	user     lipgloss.Style
	bot      lipgloss.Style
	provider lipgloss.Style
	errText  lipgloss.Style
	footer   lipgloss.Style
}

func newTheme() theme {
	mint := lipgloss.Color("#05ffa1")
	blue := lipgloss.Color("#01cdfe")
	pink := lipgloss.Color("#ff71ce")
	muted := lipgloss.Color("#8b8fa3")
	return theme{
		header:   lipgloss.NewStyle().Bold(true).Foreground(blue).Padding(0, 1),
		user:     lipgloss.NewStyle().Foreground(mint).Bold(true),
		bot:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		provider: lipgloss.NewStyle().Foreground(muted).Italic(true),
		errText:  lipgloss.NewStyle().Foreground(pink).Bold(true),
		footer:   lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
	}
}

type line struct {
	who      string
	text     string
	provider string
	failed   bool
}

type replyMsg struct {
	resp *messageResponse
	err  error
}

type model struct {
	client   *relayClient
	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    theme
	lines    []line
	waiting  bool
	width    int
}

func newModel(client *relayClient) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Say something. Ctrl+C quits."
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	return model{
		client:   client,
		input:    input,
		timeline: viewport.New(80, 20),
		spinner:  sp,
		theme:    newTheme(),
		width:    80,
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.send(context.Background(), text)
		return replyMsg{resp: resp, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.timeline.Width = msg.Width
		m.timeline.Height = max(msg.Height-4, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.waiting {
				return m, nil
			}
			m.input.Reset()
			m.lines = append(m.lines, line{who: "you", text: text})
			m.waiting = true
			m.refresh()
			return m, tea.Batch(m.sendCmd(text), m.spinner.Tick)
		}

	case replyMsg:
		m.waiting = false
		if msg.err != nil {
			m.lines = append(m.lines, line{who: "relay", text: msg.err.Error(), failed: true})
		} else {
			m.lines = append(m.lines, line{
				who:      "relay",
				text:     markup.StripTags(msg.resp.RenderedText),
				provider: msg.resp.Provider,
			})
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.timeline, cmd = m.timeline.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *model) refresh() {
	var b strings.Builder
	for _, l := range m.lines {
		switch {
		case l.failed:
			b.WriteString(m.theme.errText.Render(l.who+": ") + l.text)
		case l.who == "you":
			b.WriteString(m.theme.user.Render("you: ") + l.text)
		default:
			b.WriteString(m.theme.bot.Render(l.who+": ") + l.text)
			if l.provider != "" {
				b.WriteString("\n" + m.theme.provider.Render("via "+l.provider))
			}
		}
		b.WriteString("\n\n")
	}
	m.timeline.SetContent(lipgloss.NewStyle().Width(m.width).Render(b.String()))
	m.timeline.GotoBottom()
}

func (m model) View() string {
	status := fmt.Sprintf("conversation %s", m.client.key)
	if m.waiting {
		status = m.spinner.View() + " waiting for the relay"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.theme.header.Render("llm-relay chat"),
		m.timeline.View(),
		m.input.View(),
		m.theme.footer.Render(status),
	)
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "relay base URL")
	key := flag.String("key", "", "conversation key (random when empty)")
	timeout := flag.Duration("timeout", 5*time.Minute, "request timeout")
	flag.Parse()

	if *key == "" {
		*key = "cli:" + uuid.NewString()
	}

	p := tea.NewProgram(newModel(newRelayClient(*addr, *key, *timeout)), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "relay-chat:", err)
		os.Exit(1)
	}
}
