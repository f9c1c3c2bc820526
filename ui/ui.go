// Package ui is the terminal front end. Its Update loop is the only
// goroutine that drains the shared appstate buffer; everything touching the
// network is handed to the chat service and reported back as messages.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/onnwee/seraphbot/appstate"
	"github.com/onnwee/seraphbot/chat"
	"github.com/onnwee/seraphbot/model"
)

// FrameInterval is how often the pending queue is drained.
const FrameInterval = 50 * time.Millisecond

// Controller is the part of the chat service the UI drives.
type Controller interface {
	State() chat.ConnectionState
	LastStatus() string
	CurrentUser() string
	StartLogin() error
	RestoreSession(ctx context.Context) error
	ConnectToChat(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	SendMessage(text string) error
}

// Reloader reloads user commands on /reload.
type Reloader interface {
	Reload() (int, error)
}

// Options wires the model.
type Options struct {
	Feed       *appstate.State
	Controller Controller
	Commands   Reloader // optional
	// ActionTimeout bounds connect, restore and logout. Defaults to 30s.
	ActionTimeout time.Duration
}

type frameMsg time.Time

// actionDoneMsg reports the outcome of a slash command that ran off the UI goroutine.
type actionDoneMsg struct {
	action string
	err    error
	note   string
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A970FF"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(model.SystemColor)).Italic(true)
	badgeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#777777"))

	stateColors = map[chat.ConnectionState]lipgloss.Color{
		chat.Disconnected:     "#777777",
		chat.LoggingIn:        "#FFB86C",
		chat.LoggedIn:         "#8BE9FD",
		chat.ConnectingToChat: "#FFB86C",
		chat.ChatConnected:    "#50FA7B",
		chat.Error:            "#FF5555",
	}
)

const helpText = "/login /restore /connect /reconnect /disconnect /logout /reload /quit  |  anything else is sent to chat"

// Model is the bubbletea model.
type Model struct {
	feed    *appstate.State
	ctl     Controller
	cmds    Reloader
	timeout time.Duration

	viewport viewport.Model
	input    textinput.Model
	ready    bool
	width    int

	note    string
	noteErr bool
	busy    string
}

// New returns the initial model.
func New(opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message or /help"
	ti.CharLimit = 500
	ti.Prompt = "> "
	ti.Focus()
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 30 * time.Second
	}
	return Model{
		feed:     opts.Feed,
		ctl:      opts.Controller,
		cmds:     opts.Commands,
		timeout:  opts.ActionTimeout,
		input:    ti,
		viewport: viewport.New(80, 20),
		width:    80,
	}
}

func frame() tea.Cmd {
	return tea.Tick(FrameInterval, func(t time.Time) tea.Msg { return frameMsg(t) })
}

// Init starts the frame ticker and the cursor blink.
func (m Model) Init() tea.Cmd {
	return tea.Batch(frame(), textinput.Blink)
}

// Update handles one message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.Width = msg.Width - 4
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 1)
		m.ready = true
		m.render()
		return m, nil

	case frameMsg:
		if m.feed.ProcessPendingMessages() > 0 {
			m.render()
		}
		return m, frame()

	case actionDoneMsg:
		if m.busy == msg.action {
			m.busy = ""
		}
		switch {
		case msg.err != nil:
			m.note, m.noteErr = fmt.Sprintf("%s failed: %v", msg.action, msg.err), true
		case msg.note != "":
			m.note, m.noteErr = msg.note, false
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			return m.submit(line)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit(line string) (tea.Model, tea.Cmd) {
	if !strings.HasPrefix(line, "/") {
		if err := m.ctl.SendMessage(line); err != nil {
			m.note, m.noteErr = err.Error(), true
		}
		return m, nil
	}

	name := strings.ToLower(strings.Fields(line)[0][1:])
	m.note, m.noteErr = "", false
	switch name {
	case "quit", "exit":
		return m, tea.Quit
	case "help":
		m.note = helpText
		return m, nil
	case "login":
		if err := m.ctl.StartLogin(); err != nil {
			m.note, m.noteErr = "login failed: "+err.Error(), true
		}
		return m, nil
	case "disconnect":
		m.ctl.Disconnect()
		return m, nil
	case "reload":
		if m.cmds == nil {
			m.note, m.noteErr = "commands are not configured", true
			return m, nil
		}
		return m.run(name, func(context.Context) (string, error) {
			n, err := m.cmds.Reload()
			return fmt.Sprintf("%d commands loaded", n), err
		})
	case "restore":
		return m.run(name, func(ctx context.Context) (string, error) { return "", m.ctl.RestoreSession(ctx) })
	case "connect":
		return m.run(name, func(ctx context.Context) (string, error) { return "", m.ctl.ConnectToChat(ctx) })
	case "reconnect":
		return m.run(name, func(ctx context.Context) (string, error) { return "", m.ctl.Reconnect(ctx) })
	case "logout":
		return m.run(name, func(ctx context.Context) (string, error) { return "", m.ctl.Logout(ctx) })
	}
	m.note, m.noteErr = "unknown command /"+name, true
	return m, nil
}

// run executes fn off the UI goroutine. Only one action runs at a time.
func (m Model) run(action string, fn func(ctx context.Context) (string, error)) (tea.Model, tea.Cmd) {
	if m.busy != "" {
		m.note, m.noteErr = m.busy+" is still running", true
		return m, nil
	}
	m.busy = action
	timeout := m.timeout
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		note, err := fn(ctx)
		return actionDoneMsg{action: action, err: err, note: note}
	}
}

func (m *Model) render() {
	log := m.feed.ChatLog()
	var b strings.Builder
	for i, msg := range log {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(formatLine(msg))
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func formatLine(msg model.ChatMessage) string {
	if msg.IsSystem() {
		return systemStyle.Render("* " + msg.Text)
	}
	var badges string
	for _, b := range msg.Badges {
		badges += badgeStyle.Render("["+b+"]") + " "
	}
	name := lipgloss.NewStyle().Bold(true)
	if msg.Color != "" {
		name = name.Foreground(lipgloss.Color(msg.Color))
	}
	return badges + name.Render(msg.User) + ": " + msg.Text
}

func (m Model) header() string {
	state := m.ctl.State()
	badge := lipgloss.NewStyle().Bold(true).Foreground(stateColors[state]).Render(state.String())
	line := titleStyle.Render("seraphbot") + "  " + badge
	if user := m.ctl.CurrentUser(); user != "" {
		line += "  " + statusStyle.Render("as "+user)
	}
	if status := m.ctl.LastStatus(); status != "" {
		line += "  " + statusStyle.Render(status)
	}
	if m.busy != "" {
		line += "  " + helpStyle.Render("("+m.busy+"...)")
	}
	return line
}

// View renders the header, the chat log and the input.
func (m Model) View() string {
	footer := helpStyle.Render("/help for commands, esc to quit")
	if m.note != "" {
		if m.noteErr {
			footer = errorStyle.Render(m.note)
		} else {
			footer = statusStyle.Render(m.note)
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		m.viewport.View(),
		m.input.View(),
		footer,
	)
}

// Run blocks until the user quits or ctx ends.
func Run(ctx context.Context, opts Options) error {
	p := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
