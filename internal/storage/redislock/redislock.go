// Package redislock serializes discount code redemptions across processes
// with a Redis lock.
package redislock

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/shop-discount/internal/domain/discount"
)

const (
	defaultTTL     = 30 * time.Second
	defaultBackoff = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another holder is left alone.
var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`)

var _ discount.Locker = (*Locker)(nil)

// Locker is a SETNX based lock. Each holder writes a random token and only
// the holder of the token may release it.
type Locker struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	backoff time.Duration
}

// Option configures a Locker.
type Option func(l *Locker)

// WithTTL bounds how long a crashed holder keeps the lock.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithBackoff sets the delay between acquisition attempts.
func WithBackoff(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.backoff = d
		}
	}
}

// WithPrefix namespaces lock keys.
func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// New returns a Locker using client.
func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client:  client,
		prefix:  "lock:",
		ttl:     defaultTTL,
		backoff: defaultBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithLock runs fn while holding the lock for key, waiting for it until ctx
// is done. The lock is released when fn returns, including on error.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("lock callback is nil")
	}
	key = l.prefix + key
	token := uuid.New().String()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}
	defer l.release(ctx, key, token)

	return fn(ctx)
}

func (l *Locker) acquire(ctx context.Context, key, token string) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "acquire lock %q", key)
		case <-timer.C:
		}

		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return errors.Wrapf(err, "acquire lock %q", key)
		}
		if ok {
			return nil
		}
		timer.Reset(l.backoff)
	}
}

// release runs detached from ctx so a cancelled caller still frees the lock.
func (l *Locker) release(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
		zctx.From(ctx).Warn("Release lock", zap.String("key", key), zap.Error(err))
	}
}
