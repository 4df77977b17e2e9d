package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	stockKeyPrefix    = "stock:"
	idempotencyKeyTTL = 24 * time.Hour
)

// Writes carry the item version; an older version never overwrites a newer one.
var mirrorStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = ARGV[1]
local version = tonumber(ARGV[2])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) > version then
	return 0
end

redis.call('HSET', key, 'qty', quantity, 'version', version)
return 1
`)

// RedisAdapter mirrors committed quantities for fast reads and stores
// request keys for idempotency. It is never the source of truth.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func stockKey(id domain.StockItemID) string {
	return stockKeyPrefix + strconv.FormatInt(int64(id), 10)
}

func (r *RedisAdapter) MirrorStock(ctx context.Context, items []domain.StockItem) error {
	var errs []error
	for _, item := range items {
		err := mirrorStockScript.Run(ctx, r.client, []string{stockKey(item.ID)}, item.Quantity, item.Version).Err()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *RedisAdapter) GetStock(ctx context.Context, id domain.StockItemID) (int64, bool, error) {
	qty, err := r.client.HGet(ctx, stockKey(id), "qty").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return qty, true, nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
