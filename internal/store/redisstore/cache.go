// Package redisstore caches a registered user's chat history so the listing
// endpoint stays cheap between chain updates.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qiyuhang/multisolve/internal/chat"
)

const historyTTL = 5 * time.Minute

type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{rdb: rdb, ttl: historyTTL}, nil
}

// Client exposes the underlying connection for the pub/sub notifier.
func (c *Cache) Client() *redis.Client { return c.rdb }

func (c *Cache) Close() error { return c.rdb.Close() }

func historyKey(userID uint64) string {
	return fmt.Sprintf("chat:history:%d", userID)
}

// GetHistory returns (nil, false, nil) on a miss. A corrupt entry counts as
// a miss and is dropped.
func (c *Cache) GetHistory(ctx context.Context, userID uint64) ([]chat.HistoryEntry, bool, error) {
	raw, err := c.rdb.Get(ctx, historyKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var entries []chat.HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		_ = c.rdb.Del(ctx, historyKey(userID)).Err()
		return nil, false, nil
	}
	return entries, true, nil
}

func (c *Cache) SetHistory(ctx context.Context, userID uint64, entries []chat.HistoryEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, historyKey(userID), raw, c.ttl).Err()
}

// InvalidateHistory runs after any mutation to a user's chats.
func (c *Cache) InvalidateHistory(ctx context.Context, userID uint64) error {
	return c.rdb.Del(ctx, historyKey(userID)).Err()
}
