package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deletes the key only if this holder still owns it, so an expired lease
// taken over by another instance is never released by the old owner.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// ErrLeaseLost is returned by Release when the lease expired before release.
var ErrLeaseLost = errors.New("lock lease lost before release")

// Redis is a lease-based lock shared by all instances using the same Redis.
type Redis struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
	prefix string
	scrRel *redis.Script
	logger *zap.Logger
}

type RedisOption func(*Redis)

// WithPollInterval sets how often a waiter retries SET NX.
func WithPollInterval(d time.Duration) RedisOption { return func(r *Redis) { r.poll = d } }

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(p string) RedisOption { return func(r *Redis) { r.prefix = p } }

// WithLogger reports leases that expired or failed to release.
func WithLogger(l *zap.Logger) RedisOption { return func(r *Redis) { r.logger = l.Named("lock") } }

// NewRedis builds a lock whose leases expire after ttl. The ttl must exceed
// the longest critical section (store timeout plus margin).
func NewRedis(rdb redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		ttl:    ttl,
		poll:   25 * time.Millisecond,
		prefix: "ledger:lock:",
		scrRel: redis.NewScript(releaseScript),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// hash tag keeps the key on one slot in cluster mode
func (r *Redis) key(k string) string { return fmt.Sprintf("%s{%s}", r.prefix, k) }

// Acquire polls SET NX PX until it wins or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	rk := r.key(key)
	token := uuid.NewString()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, rk, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", rk, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// Release must run even if the request context is gone.
		relCtx, cancel := context.WithTimeout(context.Background(), r.ttl)
		defer cancel()
		err := r.release(relCtx, rk, token)
		switch {
		case errors.Is(err, ErrLeaseLost):
			r.logger.Warn("lease expired before release; critical section outlived ttl",
				zap.String("key", rk), zap.Duration("ttl", r.ttl))
		case err != nil:
			r.logger.Error("release lock", zap.String("key", rk), zap.Error(err))
		}
	}, nil
}

func (r *Redis) release(ctx context.Context, rk, token string) error {
	n, err := r.scrRel.Run(ctx, r.rdb, []string{rk}, token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
