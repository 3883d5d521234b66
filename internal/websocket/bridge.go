package websocket

import (
	"context"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	storeredis "github.com/habitrace/server/internal/redis"
)

// Bridge moves notification events published on Redis user channels
// into the hub, so a worker process publishing from outside the server
// still reaches live connections. The upstream subscription follows hub
// membership: a user's Redis channel is subscribed while at least one
// of their connections is, and dropped when the last one leaves.
type Bridge struct {
	hub    *Hub
	pubsub *goredis.PubSub
	logger *slog.Logger
}

// NewBridge wires a bridge between the hub and a Redis pub/sub
// subscription
func NewBridge(hub *Hub, notifier *storeredis.Notifier, logger *slog.Logger) *Bridge {
	b := &Bridge{
		hub:    hub,
		pubsub: notifier.Subscribe(context.Background()),
		logger: logger,
	}
	hub.OnFirstSubscriber = b.subscribeUser
	hub.OnLastUnsubscribe = b.unsubscribeUser
	return b
}

// Run forwards upstream messages to the hub until the context ends
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("pub/sub bridge started")
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("pub/sub bridge stopping")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			username := strings.TrimPrefix(msg.Channel, storeredis.ChannelKey(""))
			b.hub.Publish(username, []byte(msg.Payload))
		}
	}
}

// Close tears down the upstream subscription
func (b *Bridge) Close() error {
	return b.pubsub.Close()
}

func (b *Bridge) subscribeUser(username string) {
	if err := b.pubsub.Subscribe(context.Background(), storeredis.ChannelKey(username)); err != nil {
		b.logger.Error("failed to subscribe user channel", "user", username, "error", err)
	}
}

func (b *Bridge) unsubscribeUser(username string) {
	if err := b.pubsub.Unsubscribe(context.Background(), storeredis.ChannelKey(username)); err != nil {
		b.logger.Warn("failed to unsubscribe user channel", "user", username, "error", err)
	}
}
