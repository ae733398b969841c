// README: Redis pub/sub relay so events reach sessions attached to any API instance.
package broadcast

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const relayChannelPrefix = "broadcast:"

type RedisRelay struct {
	redis redis.UniversalClient
	hub   *Hub
	log   logrus.FieldLogger
}

func NewRedisRelay(client redis.UniversalClient, hub *Hub, log logrus.FieldLogger) *RedisRelay {
	return &RedisRelay{redis: client, hub: hub, log: log}
}

// Publish sends the frame to every instance; the local hub receives it
// through Run like any other subscriber.
func (r *RedisRelay) Publish(ctx context.Context, groupKey, eventType string, payload any) error {
	msg, err := NewMessage(groupKey, eventType, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.redis.Publish(ctx, relayChannelPrefix+groupKey, frame).Err()
}

// Run forwards relayed frames to the local hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.redis.PSubscribe(ctx, relayChannelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	r.log.Info("broadcast relay subscribed")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			group := strings.TrimPrefix(m.Channel, relayChannelPrefix)
			r.hub.Deliver(group, []byte(m.Payload))
		}
	}
}
