package downloader

import (
	"context"
	"fmt"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "busboard:feed:"

// Shares downloaded feeds between instances through Redis, so that a
// fleet of servers polls each agency endpoint about once per TTL
// rather than once per instance.
//
// Redis failures degrade to plain HTTP.
type RedisDownloader struct {
	Cache *cache.Cache[string]
}

func NewRedisDownloader(client *redis.Client) *RedisDownloader {
	redisStore := redisstore.NewRedis(client, store.WithExpiration(time.Minute))

	return &RedisDownloader{
		Cache: cache.New[string](redisStore),
	}
}

func (d *RedisDownloader) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	key := redisKeyPrefix + cacheKey(url, headers)

	if options.Cache {
		value, err := d.Cache.Get(ctx, key)
		if err == nil && value != "" {
			return []byte(value), nil
		}
	}

	body, err := HTTPGet(ctx, url, headers, options)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}

	if options.Cache && options.CacheTTL > 0 {
		err = d.Cache.Set(ctx, key, string(body), store.WithExpiration(options.CacheTTL))
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("caching feed in redis")
		}
	}

	return body, nil
}
