package pushbus

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const DefaultBridgeChannel = "rmb:pushbus"

// Bridge mirrors local publishes to other broker instances.
type Bridge interface {
	Forward(origin, group string, data []byte) error
}

type envelope struct {
	Origin string          `json:"origin"`
	Group  string          `json:"group"`
	Data   json.RawMessage `json:"data"`
}

// RedisBridge relays frames over a Redis pub/sub channel.
type RedisBridge struct {
	client  *redis.Client
	channel string
}

// AttachRedis connects the broker to a Redis channel and starts delivering
// frames published by other instances. It returns when ctx is cancelled or
// the subscription fails to start.
func (b *Broker) AttachRedis(ctx context.Context, client *redis.Client, channel string) error {
	if channel == "" {
		channel = DefaultBridgeChannel
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	b.mu.Lock()
	b.bridge = &RedisBridge{client: client, channel: channel}
	b.mu.Unlock()

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.receive([]byte(msg.Payload))
			}
		}
	}()
	log.Infof("[PushBus] Redis bridge attached on channel %s", channel)
	return nil
}

func (b *Broker) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warnf("[PushBus] Malformed bridge envelope: %v", err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.deliver(env.Group, env.Data)
}

func (r *RedisBridge) Forward(origin, group string, data []byte) error {
	payload, err := json.Marshal(envelope{Origin: origin, Group: group, Data: data})
	if err != nil {
		return err
	}
	return r.client.Publish(context.Background(), r.channel, payload).Err()
}
