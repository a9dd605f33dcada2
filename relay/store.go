package relay

import (
	"context"
	"sync"

	"github.com/chilledoj/portalchat"
)

const defaultHistoryLimit = 200

// HistoryStore persists routed messages. History returns at most limit of the
// newest messages exchanged by a and b, oldest first.
type HistoryStore interface {
	Append(ctx context.Context, msg portalchat.ChatMessage) error
	History(ctx context.Context, a, b portalchat.Participant, limit int) ([]portalchat.ChatMessage, error)
}

type pairKey [2]portalchat.Participant

func keyFor(a, b portalchat.Participant) pairKey {
	if a.String() > b.String() {
		a, b = b, a
	}
	return pairKey{a, b}
}

type MemoryStore struct {
	mu    sync.RWMutex
	pairs map[pairKey][]portalchat.ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pairs: make(map[pairKey][]portalchat.ChatMessage)}
}

func (ms *MemoryStore) Append(_ context.Context, msg portalchat.ChatMessage) error {
	k := keyFor(msg.Sender(), msg.Receiver())
	ms.mu.Lock()
	ms.pairs[k] = append(ms.pairs[k], msg)
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) History(_ context.Context, a, b portalchat.Participant, limit int) ([]portalchat.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	msgs := ms.pairs[keyFor(a, b)]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]portalchat.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}
