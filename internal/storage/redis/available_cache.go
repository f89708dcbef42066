package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 可用桩数缓存键：ev:station:{id}:available
const availableKeyFmt = "ev:station:%d:available"

// 缓存 TTL，过期后由登记表重算回填
const availableTTL = 30 * time.Second

// AvailableCache 基于 Redis 的站点可用桩数缓存
type AvailableCache struct {
	client *Client
}

// NewAvailableCache 创建可用桩数缓存
func NewAvailableCache(client *Client) *AvailableCache {
	return &AvailableCache{client: client}
}

// GetAvailable 读取缓存值，未命中返回 (0, false, nil)
func (c *AvailableCache) GetAvailable(ctx context.Context, stationID int64) (int, bool, error) {
	val, err := c.client.Get(ctx, fmt.Sprintf(availableKeyFmt, stationID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		// 脏值按未命中处理，等待回填覆盖
		return 0, false, nil
	}
	return n, true, nil
}

// SetAvailable 写入缓存值
func (c *AvailableCache) SetAvailable(ctx context.Context, stationID int64, n int) error {
	return c.client.Set(ctx, fmt.Sprintf(availableKeyFmt, stationID), n, availableTTL).Err()
}

// Invalidate 删除缓存值
func (c *AvailableCache) Invalidate(ctx context.Context, stationID int64) error {
	return c.client.Del(ctx, fmt.Sprintf(availableKeyFmt, stationID)).Err()
}
