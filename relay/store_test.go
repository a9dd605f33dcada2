package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chilledoj/portalchat"
)

func storedMessage(from, to portalchat.Participant, text string, ts time.Time) portalchat.ChatMessage {
	return portalchat.ChatMessage{
		SenderID: from.ID, SenderType: from.Type,
		ReceiverID: to.ID, ReceiverType: to.Type,
		Message: text, Timestamp: ts,
	}
}

// historyStoreTests runs against any HistoryStore that starts empty.
func historyStoreTests(t *testing.T, newStore func(t *testing.T) HistoryStore) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	t.Run("should return both directions in order", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, storedMessage(customer5, worker7, "one", base)))
		require.NoError(t, s.Append(ctx, storedMessage(worker7, customer5, "two", base.Add(time.Minute))))
		require.NoError(t, s.Append(ctx, storedMessage(customer5, worker8, "elsewhere", base.Add(2*time.Minute))))
		require.NoError(t, s.Append(ctx, storedMessage(customer5, worker7, "three", base.Add(3*time.Minute))))

		for _, pair := range [][2]portalchat.Participant{{customer5, worker7}, {worker7, customer5}} {
			msgs, err := s.History(ctx, pair[0], pair[1], 0)
			require.NoError(t, err)
			texts := make([]string, 0, len(msgs))
			for _, m := range msgs {
				texts = append(texts, m.Message)
			}
			assert.Equal(t, []string{"one", "two", "three"}, texts)
		}
	})
	t.Run("should keep the newest messages under a limit", func(t *testing.T) {
		s := newStore(t)
		for i, text := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.Append(ctx, storedMessage(customer5, worker7, text, base.Add(time.Duration(i)*time.Minute))))
		}
		msgs, err := s.History(ctx, customer5, worker7, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "c", msgs[0].Message)
		assert.Equal(t, "d", msgs[1].Message)
	})
	t.Run("should not mix customer and worker ids", func(t *testing.T) {
		s := newStore(t)
		customer7 := portalchat.Participant{ID: 7, Type: portalchat.Customer}
		worker5 := portalchat.Participant{ID: 5, Type: portalchat.Worker}
		require.NoError(t, s.Append(ctx, storedMessage(customer7, worker5, "swapped", base)))

		msgs, err := s.History(ctx, customer5, worker7, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		assert.NotNil(t, msgs)
	})
	t.Run("should round trip every field", func(t *testing.T) {
		s := newStore(t)
		in := storedMessage(customer5, worker7, "hello", base)
		in.ClientID = "8f14e45f-ceea-4e1a-9f8e-0a3b5c2d1e0f"
		require.NoError(t, s.Append(ctx, in))

		msgs, err := s.History(ctx, customer5, worker7, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, in.Sender(), msgs[0].Sender())
		assert.Equal(t, in.Receiver(), msgs[0].Receiver())
		assert.Equal(t, in.Message, msgs[0].Message)
		assert.Equal(t, in.ClientID, msgs[0].ClientID)
		assert.True(t, in.Timestamp.Equal(msgs[0].Timestamp))
	})
}

func TestMemoryStore(t *testing.T) {
	historyStoreTests(t, func(t *testing.T) HistoryStore {
		return NewMemoryStore()
	})

	t.Run("should hand out copies", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Append(context.Background(), storedMessage(customer5, worker7, "hello", time.Now())))
		msgs, _ := s.History(context.Background(), customer5, worker7, 0)
		msgs[0].Message = "changed"

		again, _ := s.History(context.Background(), customer5, worker7, 0)
		assert.Equal(t, "hello", again[0].Message)
	})
}
