package events

import (
	"context"
	"encoding/json"
	"log"

	redis "github.com/redis/go-redis/v9"
)

const channelName = "dukapos:events"

// RedisBroadcaster relays events through a Redis Pub/Sub channel so every
// server instance delivers them to its own connected terminals. Local
// subscribers are fed from the Redis stream, not directly from Publish, so
// delivery is uniform whether an event originated here or on a peer.
type RedisBroadcaster struct {
	client *redis.Client
	hub    *Hub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBroadcaster(addr string, password string, db int) *RedisBroadcaster {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBroadcaster{
		client: client,
		hub:    NewHub(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.relay(ctx)
	return b
}

func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroadcaster) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelName, payload).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return b.hub.Subscribe(ctx)
}

// relay moves messages from the Redis channel into the local hub until the
// broadcaster is closed. go-redis reconnects the PubSub itself on errors.
func (b *RedisBroadcaster) relay(ctx context.Context) {
	defer close(b.done)

	sub := b.client.Subscribe(ctx, channelName)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("[events] WARN: bad payload on %s: %v", channelName, err)
				continue
			}
			_ = b.hub.Publish(ctx, event)
		}
	}
}

func (b *RedisBroadcaster) Close() error {
	b.cancel()
	<-b.done
	b.hub.Close()
	return b.client.Close()
}
