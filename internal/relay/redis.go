package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisChannel = "parley:deliveries"
	onlineKeyPrefix     = "parley:online:"
)

// RedisBroker fans deliveries out through a redis pub/sub channel so several
// relay instances can share one user population. Presence is a per-user
// connection counter.
type RedisBroker struct {
	client  *redis.Client
	channel string
	cancel  context.CancelFunc
}

// NewRedisBroker connects to redisURL ("redis://host:port/db").
func NewRedisBroker(ctx context.Context, redisURL string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Infof("RELAY: connected to redis %s", opt.Addr)
	return &RedisBroker{client: client, channel: defaultRedisChannel}, nil
}

func (b *RedisBroker) Start(ctx context.Context, deliver func(Delivery)) error {
	ctx, cancel := context.WithCancel(ctx)
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		ps.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.cancel = cancel
	log.Infof("RELAY: subscribed to redis channel %s", b.channel)

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					log.Warnf("RELAY: bad redis delivery: %v", err)
					continue
				}
				deliver(d)
			}
		}
	}()
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBroker) Attach(ctx context.Context, userID string) error {
	return b.client.Incr(ctx, onlineKeyPrefix+userID).Err()
}

func (b *RedisBroker) Detach(ctx context.Context, userID string) error {
	n, err := b.client.Decr(ctx, onlineKeyPrefix+userID).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		return b.client.Del(ctx, onlineKeyPrefix+userID).Err()
	}
	return nil
}

func (b *RedisBroker) Online(ctx context.Context, userID string) (bool, error) {
	n, err := b.client.Get(ctx, onlineKeyPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBroker) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return b.client.Close()
}
