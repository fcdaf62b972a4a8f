package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"claimdesk.org/internal/obs"
)

const DefaultChannel = "claimdesk:feed"

// RedisBridge relays bus events between service instances over a Redis pub/sub channel.
// Only locally originated events are forwarded, so nothing echoes back.
type RedisBridge struct {
	client   redis.UniversalClient
	channel  string
	bus      *Bus
	onRemote func(ctx context.Context, evt Event)
}

func NewRedisBridge(client redis.UniversalClient, channel string, bus *Bus) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{client: client, channel: channel, bus: bus}
}

// OnRemote registers a hook run for each remote event before it reaches local subscribers.
func (b *RedisBridge) OnRemote(fn func(ctx context.Context, evt Event)) {
	b.onRemote = fn
}

// Run relays until ctx ends. It returns once the Redis subscription fails or ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = ps.Close() }()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	remote := ps.Channel()
	local := b.bus.Subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-local.Lost:
			if !ok {
				return nil
			}
			obs.Logger().Warn("feed bridge dropped local events", zap.String("channel", b.channel))
		case evt, ok := <-local.C:
			if !ok {
				return nil
			}
			if evt.Origin != b.bus.Origin() {
				continue
			}
			if err := b.forward(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
				obs.Logger().Warn("feed bridge publish failed", zap.String("channel", b.channel), zap.Error(err))
			}
		case msg, ok := <-remote:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				obs.Logger().Warn("feed bridge dropped malformed event", zap.Error(err))
				continue
			}
			if evt.Origin == "" || evt.Origin == b.bus.Origin() {
				continue
			}
			if b.onRemote != nil {
				b.onRemote(ctx, evt)
			}
			b.bus.Publish(evt)
		}
	}
}

func (b *RedisBridge) forward(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}
