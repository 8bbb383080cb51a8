package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hossein1376/hark/authstate"
	"github.com/hossein1376/hark/internal/config"
	"github.com/hossein1376/hark/internal/logging"
	"github.com/hossein1376/hark/runner"
	"github.com/hossein1376/hark/socket"
)

const gap = "\n\n"

type (
	incomingMsg socket.Message
	statusMsg   string
	doneMsg     struct{ err error }
)

// sender is the part of the runner the inbox drives.
type sender interface {
	SendText(ctx context.Context, to, text string) (socket.Message, error)
	Logout(ctx context.Context) error
}

func runInbox(ctx context.Context, cfg config.Config, store authstate.Store, to string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var p *tea.Program
	w := &programWriter{send: func(msg tea.Msg) { p.Send(msg) }}
	cfg.Log.Writer = w
	logger, release, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer release()

	r := runner.New(cfg, store, logging.Component(logger, "runner"), w,
		runner.WithMessageHandler(func(m socket.Message) { p.Send(incomingMsg(m)) }),
	)
	p = tea.NewProgram(newModel(ctx, r, to), tea.WithAltScreen())

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		p.Send(doneMsg{err: r.Run(ctx)})
	}()
	final, err := p.Run()
	cancel()
	<-stopped
	if err != nil {
		return fmt.Errorf("running inbox: %w", err)
	}
	return final.(model).err
}

// programWriter turns lines written to it into status lines of the inbox.
// Received messages are skipped, the inbox renders them on its own.
type programWriter struct {
	send func(tea.Msg)
}

func (w *programWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" || strings.HasPrefix(line, "message received: ") {
			continue
		}
		w.send(statusMsg(line))
	}
	return len(p), nil
}

type model struct {
	ctx        context.Context
	sender     sender
	to         string
	viewport   viewport.Model
	messages   []string
	textarea   textarea.Model
	userPrefix lipgloss.Style
	userText   lipgloss.Style
	peerPrefix lipgloss.Style
	peerText   lipgloss.Style
	status     lipgloss.Style
	err        error
}

func newModel(ctx context.Context, s sender, to string) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message, /to <device> or /logout..."
	ta.Focus()
	ta.FocusedStyle = textarea.Style{
		Base: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#43BF6D")).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#383838")).
			Padding(0, 1),
		CursorLine: lipgloss.NewStyle(),
	}
	ta.Prompt = "┃ "
	ta.CharLimit = 280
	ta.SetWidth(30)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	vp := viewport.New(30, 5)
	vp.MouseWheelEnabled = true
	vp.Style = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#383838")).
		Padding(0, 1)

	return model{
		ctx:        ctx,
		sender:     s,
		to:         to,
		textarea:   ta,
		viewport:   vp,
		userPrefix: lipgloss.NewStyle().Foreground(lipgloss.Color("#4A90E2")),
		userText:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E0F0FF")),
		peerPrefix: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500")),
		peerText:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF7E1")),
		status:     lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")),
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - lipgloss.Height(gap)
		m.render()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			m.submit(strings.TrimSpace(m.textarea.Value()))
			m.textarea.Reset()
			m.render()
		}

	case incomingMsg:
		prefix := fmt.Sprintf("[%s] %s: ", msg.Timestamp.Local().Format(time.DateTime), msg.From)
		m.messages = append(m.messages, m.peerPrefix.Render(prefix)+m.peerText.Render(msg.Conversation))
		m.render()

	case statusMsg:
		m.messages = append(m.messages, m.status.Render(string(msg)))
		m.render()

	case doneMsg:
		m.err = msg.err
		return m, tea.Quit
	}

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *model) submit(text string) {
	switch {
	case text == "":
	case strings.HasPrefix(text, "/to "):
		m.to = strings.TrimSpace(strings.TrimPrefix(text, "/to "))
		m.messages = append(m.messages, m.status.Render("sending to "+m.to))
	case text == "/logout":
		if err := m.sender.Logout(m.ctx); err != nil {
			m.messages = append(m.messages, m.status.Render("logout: "+err.Error()))
		}
	case m.to == "":
		m.messages = append(m.messages, m.status.Render("pick a recipient with /to <device>"))
	default:
		sent, err := m.sender.SendText(m.ctx, m.to, text)
		if err != nil {
			m.messages = append(m.messages, m.status.Render("sending: "+err.Error()))
			return
		}
		prefix := fmt.Sprintf("[%s] You: ", sent.Timestamp.Local().Format(time.DateTime))
		m.messages = append(m.messages, m.userPrefix.Render(prefix)+m.userText.Render(text))
	}
}

func (m *model) render() {
	if len(m.messages) == 0 {
		return
	}
	m.viewport.SetContent(lipgloss.
		NewStyle().
		Width(m.viewport.Width).
		Render(strings.Join(m.messages, "\n")),
	)
	m.viewport.GotoBottom()
}

func (m model) View() string {
	return fmt.Sprintf(
		"%s%s%s",
		m.viewport.View(),
		gap,
		m.textarea.View(),
	)
}
