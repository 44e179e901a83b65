package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/pkg/logger"
)

// RedisNotifier 通过 redis pub/sub 在多进程之间广播集合变更
type RedisNotifier struct {
	client  *redis.Client
	channel string
	local   *LocalNotifier
	pubsub  *redis.PubSub
	done    chan struct{}
}

// NewRedisNotifier 订阅 channel 并在后台把消息转给本地 watcher
func NewRedisNotifier(ctx context.Context, client *redis.Client, channel string) (*RedisNotifier, error) {
	pubsub := client.Subscribe(ctx, channel)
	// 等待订阅确认，避免丢失紧随其后的消息
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	n := &RedisNotifier{
		client:  client,
		channel: channel,
		local:   NewLocalNotifier(),
		pubsub:  pubsub,
		done:    make(chan struct{}),
	}
	go n.loop()
	return n, nil
}

func (n *RedisNotifier) loop() {
	defer close(n.done)
	for msg := range n.pubsub.Channel() {
		_ = n.local.Notify(context.Background(), msg.Payload)
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, collection string) error {
	if err := n.client.Publish(ctx, n.channel, collection).Err(); err != nil {
		logger.Warn("publish change failed, notifying local watchers only",
			zap.String("collection", collection), zap.Error(err))
		return n.local.Notify(ctx, collection)
	}
	return nil
}

func (n *RedisNotifier) Watch(collection string) (<-chan struct{}, func()) {
	return n.local.Watch(collection)
}

func (n *RedisNotifier) Close() error {
	err := n.pubsub.Close()
	<-n.done
	return err
}
