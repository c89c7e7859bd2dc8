package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Broadcaster 把消息分发到持有连接的实例
type Broadcaster interface {
	Publish(ctx context.Context, d *Delivery) error
	Close() error
}

// localBroadcaster 单实例：直接交给本进程的 Hub
type localBroadcaster struct {
	hub *Hub
}

// NewLocalBroadcaster 创建进程内分发器
func NewLocalBroadcaster(hub *Hub) Broadcaster {
	return &localBroadcaster{hub: hub}
}

func (b *localBroadcaster) Publish(_ context.Context, d *Delivery) error {
	b.hub.Deliver(d)
	return nil
}

func (b *localBroadcaster) Close() error { return nil }

// PushChannel Redis 发布订阅频道
const PushChannel = "roomchat:push"

// RedisBroadcaster 多实例：经 Redis 发布订阅转发，每个实例推送给自己的连接
type RedisBroadcaster struct {
	client *redis.Client
	pubsub *redis.PubSub
	log    zerolog.Logger
}

// NewRedisBroadcaster 连接 Redis 并开始订阅
func NewRedisBroadcaster(ctx context.Context, addr string, hub *Hub, log zerolog.Logger) (*RedisBroadcaster, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	pubsub := client.Subscribe(ctx, PushChannel)
	if _, err := pubsub.Receive(pingCtx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", PushChannel, err)
	}

	b := &RedisBroadcaster{client: client, pubsub: pubsub, log: log}
	go b.consume(hub)
	return b, nil
}

func (b *RedisBroadcaster) consume(hub *Hub) {
	for m := range b.pubsub.Channel() {
		var d Delivery
		if err := json.Unmarshal([]byte(m.Payload), &d); err != nil || d.Message == nil {
			b.log.Warn().Err(err).Msg("drop malformed push delivery")
			continue
		}
		hub.Deliver(&d)
	}
}

// Publish 发布一条推送
func (b *RedisBroadcaster) Publish(ctx context.Context, d *Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, PushChannel, data).Err()
}

// Close 关闭订阅和连接
func (b *RedisBroadcaster) Close() error {
	if err := b.pubsub.Close(); err != nil {
		b.log.Warn().Err(err).Msg("close redis pubsub failed")
	}
	return b.client.Close()
}
