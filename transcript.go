package portalchat

import (
	"slices"
	"sync"
)

// Transcript is the ordered list of messages shown for one conversation. Entries are
// only ever appended, or the whole list is replaced by a history load.
type Transcript struct {
	mu   sync.RWMutex
	msgs []ChatMessage
}

func NewTranscript() *Transcript {
	return &Transcript{msgs: make([]ChatMessage, 0)}
}

func (t *Transcript) Append(msg ChatMessage) {
	t.mu.Lock()
	t.msgs = append(t.msgs, msg)
	t.mu.Unlock()
}

func (t *Transcript) Replace(msgs []ChatMessage) {
	t.mu.Lock()
	t.msgs = slices.Clone(msgs)
	if t.msgs == nil {
		t.msgs = make([]ChatMessage, 0)
	}
	t.mu.Unlock()
}

// Messages returns a copy of the entries.
func (t *Transcript) Messages() []ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.msgs)
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}
