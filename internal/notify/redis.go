package notify

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/qiyuhang/multisolve/internal/logger"
)

const channelPrefix = "chat.events."

// RedisNotifier fans completion events out across API instances via redis
// pub/sub. Drop-in replacement for Hub when running horizontally scaled.
type RedisNotifier struct {
	rdb *redis.Client
	log *logger.Logger
}

func NewRedisNotifier(rdb *redis.Client, log *logger.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, log: log.With("component", "notify.Redis")}
}

func (n *RedisNotifier) Publish(ctx context.Context, chatID string) {
	if err := n.rdb.Publish(ctx, channelPrefix+chatID, "1").Err(); err != nil {
		n.log.Warn("publish failed", "chatID", chatID, "err", err)
	}
}

func (n *RedisNotifier) Subscribe(chatID string, fn func()) func() {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := n.rdb.Subscribe(ctx, channelPrefix+chatID)

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn()
			}
		}
	}()

	return func() {
		cancel()
		if err := pubsub.Close(); err != nil {
			n.log.Warn("pubsub close failed", "chatID", chatID, "err", err)
		}
	}
}
