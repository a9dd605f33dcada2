package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/chilledoj/portalchat"
)

const DefaultBridgeChannel = "portalchat:messages"

// Deliverer hands a message to local connections only.
type Deliverer interface {
	Deliver(msg portalchat.ChatMessage)
}

type envelope struct {
	Origin  string                 `json:"origin"`
	Message portalchat.ChatMessage `json:"message"`
}

// RedisBridge fans routed messages out to every relay instance subscribed to the
// same channel. Each instance skips the envelopes it published itself.
type RedisBridge struct {
	rdb     *redis.Client
	channel string
	origin  string
	sl      *slog.Logger
}

func NewRedisBridge(rdb *redis.Client, channel, origin string, sl *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultBridgeChannel
	}
	if sl == nil {
		sl = slog.Default()
	}
	return &RedisBridge{rdb: rdb, channel: channel, origin: origin, sl: sl.With("bridge", channel)}
}

func (b *RedisBridge) Publish(ctx context.Context, msg portalchat.ChatMessage) error {
	payload, err := json.Marshal(envelope{Origin: b.origin, Message: msg})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel and delivers foreign envelopes to d until ctx is done.
func (b *RedisBridge) Run(ctx context.Context, d Deliverer) error {
	sl := b.sl.With("func", "bridge.Run")
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	sl.Info("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			sl.Debug("stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(msg.Payload, d)
		}
	}
}

func (b *RedisBridge) dispatch(payload string, d Deliverer) bool {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.sl.Warn("bad envelope", "err", err)
		return false
	}
	if env.Origin == b.origin {
		return false
	}
	if err := env.Message.Validate(); err != nil {
		b.sl.Warn("bad envelope message", "origin", env.Origin, "err", err)
		return false
	}
	d.Deliver(env.Message)
	return true
}
