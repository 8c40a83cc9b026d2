// Package cache is the optional Redis-backed mirror: Store.Update writes a
// CallJob snapshot here after each successful update (nothing in this
// module reads those snapshots back), and the Rate Limiter's distributed
// mode keeps its shared per-second counter here. It is never the system of
// record — the in-process Store plus its MySQL journal is.
package cache

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/go-redis/redis/v8"

    "github.com/hamzaKhattat/callqueue-engine/pkg/errors"
    "github.com/hamzaKhattat/callqueue-engine/pkg/logger"
)

type Config struct {
    Host         string
    Port         int
    Password     string
    DB           int
    PoolSize     int
    MinIdleConns int
    MaxRetries   int
    DialTimeout  time.Duration
    ReadTimeout  time.Duration
    WriteTimeout time.Duration
}

type Cache struct {
    client *redis.Client
    prefix string
}

// New connects to Redis. Passing a zero Config (Host == "") yields a
// no-op cache whose Get/Set/Delete/Lock calls are all safe, non-failing
// stand-ins — the single-process, non-distributed default.
func New(cfg Config, prefix string) (*Cache, error) {
    if cfg.Host == "" {
        return &Cache{}, nil
    }

    client := redis.NewClient(&redis.Options{
        Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
        Password:     cfg.Password,
        DB:           cfg.DB,
        PoolSize:     cfg.PoolSize,
        MinIdleConns: cfg.MinIdleConns,
        MaxRetries:   cfg.MaxRetries,
        DialTimeout:  cfg.DialTimeout,
        ReadTimeout:  cfg.ReadTimeout,
        WriteTimeout: cfg.WriteTimeout,
    })

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    if err := client.Ping(ctx).Err(); err != nil {
        return nil, errors.Wrap(err, errors.ErrRedis, "failed to connect to redis")
    }

    logger.Info("redis status mirror initialized")
    return &Cache{client: client, prefix: prefix}, nil
}

func (c *Cache) key(k string) string {
    if c.prefix != "" {
        return fmt.Sprintf("%s:%s", c.prefix, k)
    }
    return k
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
    if c.client == nil {
        return nil
    }

    val, err := c.client.Get(ctx, c.key(key)).Result()
    if err == redis.Nil {
        return nil
    }
    if err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache get failed")
        return nil
    }

    if err := json.Unmarshal([]byte(val), dest); err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache unmarshal failed")
    }
    return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
    if c.client == nil {
        return nil
    }

    data, err := json.Marshal(value)
    if err != nil {
        return nil
    }

    if err := c.client.Set(ctx, c.key(key), data, expiration).Err(); err != nil {
        logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache set failed")
    }
    return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
    if c.client == nil {
        return nil
    }

    fullKeys := make([]string, len(keys))
    for i, k := range keys {
        fullKeys[i] = c.key(k)
    }

    if err := c.client.Del(ctx, fullKeys...).Err(); err != nil {
        logger.WithContext(ctx).WithError(err).Warn("cache delete failed")
    }
    return nil
}

// Lock is a SETNX-based distributed mutex. Nothing in this module calls it;
// the promoter and the rate limiter run without it.
func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
    if c.client == nil {
        return func() {}, nil
    }

    lockKey := c.key(fmt.Sprintf("lock:%s", key))
    value := fmt.Sprintf("%d", time.Now().UnixNano())

    ok, err := c.client.SetNX(ctx, lockKey, value, ttl).Result()
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrRedis, "failed to acquire lock")
    }
    if !ok {
        return nil, errors.New(errors.ErrInternal, "lock already held")
    }

    return func() {
        script := redis.NewScript(`
            if redis.call("get", KEYS[1]) == ARGV[1] then
                return redis.call("del", KEYS[1])
            else
                return 0
            end
        `)
        script.Run(ctx, c.client, []string{lockKey}, value)
    }, nil
}

// IncrWithExpire atomically increments a counter and sets its expiry on
// first creation, the primitive the distributed rate limiter needs for a
// per-second token count shared across instances.
func (c *Cache) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
    if c.client == nil {
        return 0, nil
    }

    fullKey := c.key(key)
    pipe := c.client.TxPipeline()
    incr := pipe.Incr(ctx, fullKey)
    pipe.Expire(ctx, fullKey, window)
    if _, err := pipe.Exec(ctx); err != nil {
        return 0, errors.Wrap(err, errors.ErrRedis, "incr with expire")
    }
    return incr.Val(), nil
}
