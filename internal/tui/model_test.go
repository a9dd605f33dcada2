package tui

import (
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chilledoj/portalchat"
)

var (
	customer5 = portalchat.Participant{ID: 5, Type: portalchat.Customer}
	worker7   = portalchat.Participant{ID: 7, Type: portalchat.Worker}
)

type fakeSession struct {
	mu         sync.Mutex
	state      portalchat.SessionState
	transcript []portalchat.ChatMessage
	sent       []string
	sendErr    error
}

func (f *fakeSession) State() portalchat.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Local() portalchat.Participant  { return customer5 }
func (f *fakeSession) Remote() portalchat.Participant { return worker7 }

func (f *fakeSession) Transcript() []portalchat.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]portalchat.ChatMessage(nil), f.transcript...)
}

func (f *fakeSession) CanSend() bool {
	return f.State() == portalchat.Open
}

func (f *fakeSession) Send(text string) (portalchat.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return portalchat.ChatMessage{}, f.sendErr
	}
	msg := message(customer5, worker7, text)
	f.sent = append(f.sent, text)
	f.transcript = append(f.transcript, msg)
	return msg, nil
}

func (f *fakeSession) receive(msg portalchat.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcript = append(f.transcript, msg)
}

func message(from, to portalchat.Participant, text string) portalchat.ChatMessage {
	return portalchat.ChatMessage{
		SenderID:     from.ID,
		SenderType:   from.Type,
		ReceiverID:   to.ID,
		ReceiverType: to.Type,
		Message:      text,
		Timestamp:    time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
}

func sized(t *testing.T, session Session) Model {
	t.Helper()
	m := New(session, NewNotifier())
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return updated.(Model)
}

func TestModel_View(t *testing.T) {
	t.Run("should show the state before the first resize", func(t *testing.T) {
		m := New(&fakeSession{state: portalchat.Connecting}, NewNotifier())
		assert.Equal(t, "Connecting...\n", m.View())
	})
	t.Run("should render the transcript with the local sender as you", func(t *testing.T) {
		fs := &fakeSession{state: portalchat.Open}
		fs.receive(message(worker7, customer5, "hello"))
		fs.receive(message(customer5, worker7, "hi there"))

		view := sized(t, fs).View()
		assert.Contains(t, view, "Chat with worker 7 | Open")
		assert.Contains(t, view, "worker 7: hello")
		assert.Contains(t, view, "you: hi there")
		assert.NotContains(t, view, "sending disabled")
	})
	t.Run("should say sending is disabled while not open", func(t *testing.T) {
		view := sized(t, &fakeSession{state: portalchat.Closed}).View()
		assert.Contains(t, view, "No messages yet.")
		assert.Contains(t, view, "sending disabled")
	})
}

func TestModel_Update(t *testing.T) {
	t.Run("should send the input on enter and clear it", func(t *testing.T) {
		fs := &fakeSession{state: portalchat.Open}
		m := sized(t, fs)
		m.input.SetValue("hello")

		updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		m = updated.(Model)

		assert.Equal(t, []string{"hello"}, fs.sent)
		assert.Equal(t, "", m.input.Value())
		assert.Contains(t, m.View(), "you: hello")
	})
	t.Run("should not send blank input", func(t *testing.T) {
		fs := &fakeSession{state: portalchat.Open}
		m := sized(t, fs)
		m.input.SetValue("   ")

		_, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		assert.Empty(t, fs.sent)
	})
	t.Run("should keep the input and report when not connected", func(t *testing.T) {
		fs := &fakeSession{state: portalchat.Closed}
		m := sized(t, fs)
		m.input.SetValue("hello")

		updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		m = updated.(Model)

		assert.Empty(t, fs.sent)
		assert.Equal(t, "hello", m.input.Value())
		assert.Contains(t, m.View(), "error: not connected")
	})
	t.Run("should report a full send buffer", func(t *testing.T) {
		fs := &fakeSession{state: portalchat.Open, sendErr: portalchat.ErrSendBufferFull}
		m := sized(t, fs)
		m.input.SetValue("hello")

		updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		assert.Contains(t, updated.(Model).View(), "too many unsent messages")
	})
	t.Run("should pick up session changes on refresh", func(t *testing.T) {
		fs := &fakeSession{state: portalchat.Connecting}
		m := sized(t, fs)

		fs.mu.Lock()
		fs.state = portalchat.Open
		fs.mu.Unlock()
		fs.receive(message(worker7, customer5, "are you there?"))

		updated, cmd := m.Update(refreshMsg{})
		m = updated.(Model)
		require.NotNil(t, cmd)
		assert.Equal(t, portalchat.Open, m.state)
		assert.Len(t, m.messages, 1)
		assert.Contains(t, m.View(), "worker 7: are you there?")
	})
	t.Run("should scroll to the newest message", func(t *testing.T) {
		fs := &fakeSession{state: portalchat.Open}
		m := sized(t, fs)
		for i := 0; i < 50; i++ {
			fs.receive(message(worker7, customer5, "line"))
		}
		fs.receive(message(worker7, customer5, "newest"))

		updated, _ := m.Update(refreshMsg{})
		m = updated.(Model)
		assert.True(t, m.viewport.AtBottom())
		assert.Contains(t, m.viewport.View(), "newest")
	})
	t.Run("should quit on ctrl+c", func(t *testing.T) {
		m := sized(t, &fakeSession{})
		_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
		require.NotNil(t, cmd)
		assert.Equal(t, tea.Quit(), cmd())
	})
}

func TestNotifier(t *testing.T) {
	t.Run("should coalesce signals without blocking", func(t *testing.T) {
		n := NewNotifier()
		n.OnStateChange(portalchat.Open)
		n.OnTranscriptChange(nil)
		n.Notify()
		assert.Len(t, n.ch, 1)

		assert.Equal(t, refreshMsg{}, n.wait()())
		assert.Len(t, n.ch, 0)
	})
}

func TestModel_Keys(t *testing.T) {
	t.Run("should type letters into the input without scrolling", func(t *testing.T) {
		fs := &fakeSession{state: portalchat.Open}
		for i := 0; i < 50; i++ {
			fs.receive(message(worker7, customer5, "line"))
		}
		m := sized(t, fs)
		require.True(t, m.viewport.AtBottom())

		updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
		m = updated.(Model)
		assert.Equal(t, "k", m.input.Value())
		assert.True(t, m.viewport.AtBottom())
	})
	t.Run("should scroll up with page up", func(t *testing.T) {
		fs := &fakeSession{state: portalchat.Open}
		for i := 0; i < 50; i++ {
			fs.receive(message(worker7, customer5, "line"))
		}
		m := sized(t, fs)

		updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyPgUp})
		assert.False(t, updated.(Model).viewport.AtBottom())
	})
}

func TestModel_Idle(t *testing.T) {
	t.Run("should render a signed-out fallback", func(t *testing.T) {
		fs := &fakeSession{state: portalchat.Idle}
		view := sized(t, fs).View()
		assert.Contains(t, view, "Chat with worker 7 | Idle")
		assert.Contains(t, view, "No messages yet.")
		assert.Contains(t, view, "not signed in, sending disabled")
	})
}
