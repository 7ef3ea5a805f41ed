package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultKey = "uptimewatch:cycle"

// releaseScript deletes the key only if it still holds our token, so a
// holder whose TTL expired cannot release someone else's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Redis struct {
	rdb *redis.Client
	key string
	log *zap.Logger
}

func NewRedis(ctx context.Context, redisURL, key string, log *zap.Logger) (*Redis, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if key == "" {
		key = DefaultKey
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.PoolSize = 4
	opt.MinIdleConns = 1
	opt.ConnMaxIdleTime = 30 * time.Second

	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, key: key, log: log}, nil
}

func (r *Redis) Acquire(ctx context.Context, ttl time.Duration) (ReleaseFunc, bool, error) {
	token := uuid.NewString()

	var ok bool
	err := retry(ctx, 3, func() error {
		var err error
		ok, err = r.rdb.SetNX(ctx, r.key, token, ttl).Result()
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("lease acquire: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	// the holder keeps the key alive for as long as its cycle runs
	stop := keepAlive(ttl/3, func(ctx context.Context) bool {
		n, err := renewScript.Run(ctx, r.rdb, []string{r.key}, token, ttl.Milliseconds()).Int()
		if err != nil {
			r.log.Warn("lease_renew_failed", zap.String("key", r.key), zap.Error(err))
			return true
		}
		if n == 0 {
			r.log.Error("lease_lost", zap.String("key", r.key))
			return false
		}
		return true
	})

	release := func(ctx context.Context) error {
		stop()
		n, err := releaseScript.Run(ctx, r.rdb, []string{r.key}, token).Int()
		if err != nil {
			return fmt.Errorf("lease release: %w", err)
		}
		if n == 0 {
			r.log.Warn("lease_expired_before_release", zap.String("key", r.key))
		}
		return nil
	}
	return release, true, nil
}

// Holder returns the token currently holding the lease, or "" when free.
func (r *Redis) Holder(ctx context.Context) (string, error) {
	v, err := r.rdb.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *Redis) Close() error { return r.rdb.Close() }

func retry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(50*(i+1)) * time.Millisecond):
		}
	}
	return err
}
