package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// BusMessage carries an encoded frame between relay instances. Room is empty
// for global broadcasts.
type BusMessage struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// Bus is an at-most-once fan-out channel shared by relay instances.
type Bus interface {
	Publish(ctx context.Context, m BusMessage) error
	// Subscribe blocks until ctx is done.
	Subscribe(ctx context.Context, fn func(BusMessage)) error
}

const DefaultBusChannel = "proctoring:relay"

type RedisBus struct {
	client  *redis.Client
	channel string
}

func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultBusChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, m BusMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish relay message: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, fn func(BusMessage)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m BusMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Warn().Err(err).Msg("drop malformed relay bus message")
				continue
			}
			fn(m)
		}
	}
}
