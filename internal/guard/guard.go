// Package guard serializes cross-task critical sections by name.
//
// Two strategies share one contract:
//   - native: a Redis lock (SET NX PX + token, renewed every Lease/3,
//     compare-and-delete release)
//   - emulated: an in-process held-name set
//
// Both retry with jittered exponential backoff and give up with
// apperr.KindLockTimeout; fn never runs without the lock.
package guard

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"storenotify/internal/apperr"
	"storenotify/internal/model"
	logx "storenotify/pkg/logx"
)

// Locker runs fn while holding the named lock.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context, t model.LockTicket) error) error
}

// Do is WithLock for functions returning a value.
func Do[T any](ctx context.Context, l Locker, name string, fn func(ctx context.Context, t model.LockTicket) (T, error)) (T, error) {
	var out T
	err := l.WithLock(ctx, name, func(ctx context.Context, t model.LockTicket) error {
		v, err := fn(ctx, t)
		out = v
		return err
	})
	return out, err
}

type Options struct {
	Retries     int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Lease bounds how long a native lock survives a crashed holder.
	Lease time.Duration
	Log   logx.Logger
}

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 50 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}

// New picks the strategy: native when a Redis client is given, emulated otherwise.
func New(opts Options, rdb RedisClient) Locker {
	if rdb != nil {
		return NewRedis(rdb, opts)
	}
	return NewEmulated(opts)
}

// DefaultRetries is the retry budget of the fallback locker components build
// when none is injected.
const DefaultRetries = 5

// NewLocal is the in-process locker used when no shared one is configured.
func NewLocal() *Emulated { return NewEmulated(Options{Retries: DefaultRetries}) }

// tryFunc attempts one acquisition. ok=false means the lock is busy. held is
// the context fn runs under; it ends if the lock is lost while fn runs.
type tryFunc func(ctx context.Context) (held context.Context, release func(), ok bool, err error)

type retrier struct {
	opts Options

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newRetrier(opts Options) *retrier {
	return &retrier{opts: opts.withDefaults(), rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *retrier) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	r.rngMu.Lock()
	j := time.Duration(r.rng.Int63n(int64(d)/2 + 1))
	r.rngMu.Unlock()
	return d/2 + j
}

func (r *retrier) run(ctx context.Context, op, name string, try tryFunc, fn func(ctx context.Context, t model.LockTicket) error) error {
	attempts := 1 + r.opts.Retries
	backoff := r.opts.BackoffBase
	var lastErr error

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		held, release, ok, err := try(ctx)
		if err != nil {
			lastErr = err
			r.opts.Log.Debug("lock attempt failed", logx.String("lock", name), logx.Int("attempt", i+1), logx.Err(err))
		}
		if ok {
			defer release()
			if held == nil {
				held = ctx
			}
			return fn(held, model.LockTicket{Name: name, AcquiredAt: time.Now()})
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(r.jitter(backoff))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > r.opts.BackoffMax {
			backoff = r.opts.BackoffMax
		}
	}

	cause := fmt.Errorf("lock %q still held after %d attempts", name, attempts)
	if lastErr != nil {
		cause = fmt.Errorf("lock %q not acquired after %d attempts: %w", name, attempts, lastErr)
	}
	r.opts.Log.Warn("lock timeout", logx.String("lock", name), logx.Int("attempts", attempts))
	return apperr.New(apperr.KindLockTimeout, op, cause)
}
