package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/chilledoj/portalchat"
)

type refreshMsg struct{}

// Notifier turns session observer callbacks into redraws. Signals coalesce and
// never block: the model re-reads the session on every refresh.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *Notifier) OnStateChange(portalchat.SessionState) { n.Notify() }

func (n *Notifier) OnTranscriptChange([]portalchat.ChatMessage) { n.Notify() }

func (n *Notifier) wait() tea.Cmd {
	return func() tea.Msg {
		<-n.ch
		return refreshMsg{}
	}
}
