package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"storenotify/internal/model"
	logx "storenotify/pkg/logx"
)

// RedisClient is the subset of go-redis the native strategy needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// renewScript extends the lease only while the token still owns the key.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// Redis is the native strategy.
type Redis struct {
	r      *retrier
	client RedisClient
	prefix string
}

func NewRedis(client RedisClient, opts Options) *Redis {
	return &Redis{r: newRetrier(opts), client: client, prefix: "storenotify:lock:"}
}

func (l *Redis) WithLock(ctx context.Context, name string, fn func(ctx context.Context, t model.LockTicket) error) error {
	key := l.prefix + name
	return l.r.run(ctx, "guard.Redis.WithLock", name, func(ctx context.Context) (context.Context, func(), bool, error) {
		token := uuid.NewString()
		ok, err := l.client.SetNX(ctx, key, token, l.r.opts.Lease).Result()
		if err != nil || !ok {
			return nil, nil, false, err
		}
		held, cancel := context.WithCancel(ctx)
		renewed := make(chan struct{})
		go l.renew(held, cancel, renewed, name, key, token)
		return held, func() {
			cancel()
			<-renewed
			// Release even when the caller's ctx is already canceled.
			rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer rcancel()
			n, err := l.client.Eval(rctx, releaseScript, []string{key}, token).Int()
			if err != nil {
				l.r.opts.Log.Warn("lock release failed", logx.String("lock", name), logx.Err(err))
				return
			}
			if n == 0 {
				// Lease lost while fn ran; another holder may own it now.
				l.r.opts.Log.Warn("lock lease expired before release", logx.String("lock", name))
			}
		}, true, nil
	}, fn)
}

// renew extends the lease every Lease/3 until ctx ends. When the key is gone
// or renewals keep failing past the lease, lost cancels fn's context.
func (l *Redis) renew(ctx context.Context, lost context.CancelFunc, done chan<- struct{}, name, key, token string) {
	defer close(done)
	lease := l.r.opts.Lease
	every := lease / 3
	if every <= 0 {
		every = lease
	}
	t := time.NewTicker(every)
	defer t.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n, err := l.client.Eval(ctx, renewScript, []string{key}, token, lease.Milliseconds()).Int()
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil && n == 1:
			lastOK = time.Now()
		case err == nil:
			l.r.opts.Log.Warn("lock lease lost", logx.String("lock", name))
			lost()
			return
		case time.Since(lastOK)+every >= lease:
			l.r.opts.Log.Warn("lock lease renewal failed", logx.String("lock", name), logx.Err(err))
			lost()
			return
		default:
			l.r.opts.Log.Debug("lock lease renewal retry", logx.String("lock", name), logx.Err(err))
		}
	}
}

// Connect parses url and pings Redis, retrying a few times.
func Connect(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		client := redis.NewClient(opt)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("redis not ready: %w", lastErr)
}
