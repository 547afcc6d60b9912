package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL 使用者名稱快取時間
const DefaultCacheTTL = 10 * time.Minute

// CachedDirectory Redis 旁路快取（Cache-Aside）
//
//  1. 讀取：先查 Redis，Miss 時查後端並寫回
//  2. Redis 失敗不影響查詢，直接回到後端
//  3. 名稱變更時呼叫 Invalidate
type CachedDirectory struct {
	client    *redis.Client
	backend   Directory
	ttl       time.Duration
	keyPrefix string
	logger    *slog.Logger
}

// NewCachedDirectory 建立快取層；ttl 為 0 時使用預設值
func NewCachedDirectory(client *redis.Client, backend Directory, ttl time.Duration, logger *slog.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedDirectory{
		client:    client,
		backend:   backend,
		ttl:       ttl,
		keyPrefix: "player:name:",
		logger:    logger,
	}
}

// Username 查詢顯示名稱
func (c *CachedDirectory) Username(ctx context.Context, userID string) (string, error) {
	key := c.keyPrefix + userID

	name, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.WarnContext(ctx, "讀取快取失敗，改查後端", "key", key, "error", err)
	}

	name, err = c.backend.Username(ctx, userID)
	if err != nil {
		return "", err
	}

	if err := c.client.Set(ctx, key, name, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "寫入快取失敗", "key", key, "error", err)
	}
	return name, nil
}

// Invalidate 刪除快取
func (c *CachedDirectory) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, c.keyPrefix+userID).Err()
}
