package relay

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chilledoj/portalchat"
)

type recordingDeliverer struct {
	mu   sync.Mutex
	msgs []portalchat.ChatMessage
}

func (d *recordingDeliverer) Deliver(msg portalchat.ChatMessage) {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

func envelopeFor(t *testing.T, origin string, msg portalchat.ChatMessage) string {
	t.Helper()
	data, err := json.Marshal(envelope{Origin: origin, Message: msg})
	require.NoError(t, err)
	return string(data)
}

func TestRedisBridge_dispatch(t *testing.T) {
	b := NewRedisBridge(nil, "", "instance-a", nil)
	msg := storedMessage(customer5, worker7, "hello", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	t.Run("should use the default channel", func(t *testing.T) {
		assert.Equal(t, DefaultBridgeChannel, b.channel)
	})
	t.Run("should deliver envelopes from other instances", func(t *testing.T) {
		d := &recordingDeliverer{}
		assert.True(t, b.dispatch(envelopeFor(t, "instance-b", msg), d))
		require.Equal(t, 1, d.count())
		assert.Equal(t, "hello", d.msgs[0].Message)
		assert.True(t, d.msgs[0].Timestamp.Equal(msg.Timestamp))
	})
	t.Run("should skip its own envelopes", func(t *testing.T) {
		d := &recordingDeliverer{}
		assert.False(t, b.dispatch(envelopeFor(t, "instance-a", msg), d))
		assert.Zero(t, d.count())
	})
	t.Run("should skip garbage and invalid messages", func(t *testing.T) {
		d := &recordingDeliverer{}
		assert.False(t, b.dispatch("not json", d))
		assert.False(t, b.dispatch(envelopeFor(t, "instance-b", portalchat.ChatMessage{Message: "no ids"}), d))
		assert.Zero(t, d.count())
	})
}

// Set PORTALCHAT_TEST_REDIS_ADDR to run against a live server.
func TestRedisBridge_Run(t *testing.T) {
	addr := os.Getenv("PORTALCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PORTALCHAT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	channel := "portalchat:test:" + time.Now().Format("150405.000000")
	a := NewRedisBridge(rdb, channel, "a", nil)
	b := NewRedisBridge(rdb, channel, "b", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &recordingDeliverer{}
	go func() { _ = b.Run(ctx, d) }()

	msg := storedMessage(customer5, worker7, "across", time.Now().UTC())
	require.Eventually(t, func() bool {
		_ = a.Publish(ctx, msg)
		return d.count() > 0
	}, 2*time.Second, 50*time.Millisecond)
}
