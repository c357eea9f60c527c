package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel used by RedisRelay.
const DefaultRedisChannel = "stridecoach:events"

// RedisRelay mirrors locally published events to Redis and delivers events
// published by other processes to local channel subscribers.
type RedisRelay struct {
	client  *redis.Client
	bus     *Bus
	channel string

	pubsub *redis.PubSub
	local  *Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisRelay creates a relay. An empty channel uses DefaultRedisChannel.
func NewRedisRelay(client *redis.Client, bus *Bus, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisRelay{client: client, bus: bus, channel: channel}
}

// Start subscribes to Redis, waits for the subscription to be confirmed, and begins relaying.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		slog.Error("RedisRelay.Start: subscribe failed", "channel", r.channel, "error", err)
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.pubsub = pubsub
	r.cancel = cancel
	r.local = r.bus.Subscribe("", 0)

	r.wg.Add(2)
	go r.forwardLocal(runCtx)
	go r.receiveRemote(pubsub.Channel())
	slog.Info("RedisRelay.Start: relaying events", "channel", r.channel, "origin", r.bus.ID())
	return nil
}

// Close stops relaying.
func (r *RedisRelay) Close() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	r.bus.Unsubscribe(r.local)
	err := r.pubsub.Close()
	r.wg.Wait()
	r.cancel = nil
	return err
}

func (r *RedisRelay) forwardLocal(ctx context.Context) {
	defer r.wg.Done()
	for ev := range r.local.C {
		// Relayed events keep their foreign origin and are not sent back out.
		if ev.Origin != r.bus.ID() {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("RedisRelay.forwardLocal: marshal failed", "id", ev.ID, "error", err)
			continue
		}
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			slog.Error("RedisRelay.forwardLocal: redis publish error", "id", ev.ID, "error", err)
		}
	}
}

func (r *RedisRelay) receiveRemote(ch <-chan *redis.Message) {
	defer r.wg.Done()
	for msg := range ch {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			slog.Warn("RedisRelay.receiveRemote: ignoring malformed payload", "error", err)
			continue
		}
		if ev.Origin == r.bus.ID() {
			continue
		}
		r.bus.deliverRemote(ev)
	}
}
