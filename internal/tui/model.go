// Package tui renders a chat session in the terminal: the transcript in a
// scrolling viewport above a single-line input.
package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/chilledoj/portalchat"
)

// Session is the part of *portalchat.ChatSession the view needs.
type Session interface {
	State() portalchat.SessionState
	Local() portalchat.Participant
	Remote() portalchat.Participant
	Transcript() []portalchat.ChatMessage
	CanSend() bool
	Send(text string) (portalchat.ChatMessage, error)
}

const (
	headerHeight = 1
	footerHeight = 2
	timeLayout   = "15:04"
)

type Model struct {
	session  Session
	notifier *Notifier

	viewport viewport.Model
	input    textinput.Model
	ready    bool

	state    portalchat.SessionState
	messages []portalchat.ChatMessage
	lastErr  error
}

func New(session Session, notifier *Notifier) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message..."
	ti.CharLimit = 2000
	ti.Focus()

	m := Model{
		session:  session,
		notifier: notifier,
		input:    ti,
		viewport: viewport.New(80, 20),
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.notifier.wait())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			m.submit()
			return m, nil
		case tea.KeyPgUp:
			m.viewport.SetYOffset(m.viewport.YOffset - m.viewport.Height/2)
			return m, nil
		case tea.KeyPgDown:
			m.viewport.SetYOffset(m.viewport.YOffset + m.viewport.Height/2)
			return m, nil
		}
		// Other keys belong to the input; the viewport keymap would scroll on letters.
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight-footerHeight, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.ready = true
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()
		return m, nil
	case refreshMsg:
		m.refresh()
		return m, m.notifier.wait()
	}

	var tiCmd, vpCmd tea.Cmd
	m.input, tiCmd = m.input.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *Model) submit() {
	text := m.input.Value()
	if strings.TrimSpace(text) == "" {
		return
	}
	if !m.session.CanSend() {
		m.lastErr = portalchat.ErrNotConnected
		return
	}
	if _, err := m.session.Send(text); err != nil {
		m.lastErr = err
		return
	}
	m.lastErr = nil
	m.input.Reset()
	m.refresh()
}

// refresh re-reads the session and scrolls to the newest message when the
// transcript changed.
func (m *Model) refresh() {
	m.state = m.session.State()
	msgs := m.session.Transcript()
	changed := !sameTranscript(m.messages, msgs)
	m.messages = msgs
	if changed {
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()
	}
}

func sameTranscript(a, b []portalchat.ChatMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m Model) renderTranscript() string {
	if len(m.messages) == 0 {
		return "No messages yet."
	}
	local := m.session.Local()
	var b strings.Builder
	for i, msg := range m.messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		who := fmt.Sprintf("%s %d", msg.SenderType, msg.SenderID)
		if msg.Sender() == local {
			who = "you"
		}
		fmt.Fprintf(&b, "[%s] %s: %s", msg.Timestamp.Local().Format(timeLayout), who, msg.Message)
	}
	return b.String()
}

func (m Model) View() string {
	if !m.ready {
		return fmt.Sprintf("%s...\n", m.state)
	}
	remote := m.session.Remote()
	header := fmt.Sprintf("Chat with %s %d | %s", remote.Type, remote.ID, m.state)
	if !remote.Known() {
		header = fmt.Sprintf("No %s assigned | %s", remote.Type, m.state)
	}

	status := ""
	switch {
	case m.lastErr != nil:
		status = "error: " + errorText(m.lastErr)
	case m.state == portalchat.Idle:
		// identity could not be resolved
		status = "not signed in, sending disabled"
	case !m.session.CanSend():
		status = "sending disabled"
	}
	return header + "\n" + m.viewport.View() + "\n" + m.input.View() + "\n" + status
}

func errorText(err error) string {
	switch {
	case errors.Is(err, portalchat.ErrNotConnected):
		return "not connected"
	case errors.Is(err, portalchat.ErrSendBufferFull):
		return "too many unsent messages, try again"
	default:
		return err.Error()
	}
}
