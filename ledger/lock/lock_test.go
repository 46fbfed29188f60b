package lock_test

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/rez/wallet-ledger/ledger/lock"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := lock.NewLocal()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			release, err := l.Acquire(ctx, "U1")
			if err != nil {
				return err
			}
			defer release()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, l.Held(), "slots are dropped after the last release")
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := lock.NewLocal()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "U1")
	require.NoError(t, err)
	defer release()

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	release2, err := l.Acquire(ctx2, "U2")
	require.NoError(t, err)
	release2()
}

func TestLocal_AcquireHonoursContext(t *testing.T) {
	l := lock.NewLocal()
	release, err := l.Acquire(context.Background(), "U1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "U1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Zero(t, l.Held())
}

// =============================================================================
// REDIS (needs LEDGER_TEST_REDIS_ADDR)
// =============================================================================

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestRedis_MutualExclusion(t *testing.T) {
	rdb := newRedis(t)
	prefix := "ledger:test:" + time.Now().Format("150405.000000") + ":"
	a := lock.NewRedis(rdb, time.Second, lock.WithKeyPrefix(prefix), lock.WithPollInterval(5*time.Millisecond))
	b := lock.NewRedis(rdb, time.Second, lock.WithKeyPrefix(prefix), lock.WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	release, err := a.Acquire(ctx, "U1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(short, "U1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := b.Acquire(ctx, "U1")
	require.NoError(t, err)
	release2()
}

func TestRedis_LeaseExpires(t *testing.T) {
	rdb := newRedis(t)
	prefix := "ledger:test:" + time.Now().Format("150405.000000") + ":"
	l := lock.NewRedis(rdb, 50*time.Millisecond, lock.WithKeyPrefix(prefix), lock.WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	_, err := l.Acquire(ctx, "U1")
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	release, err := l.Acquire(ctx2, "U1")
	require.NoError(t, err, "an abandoned lease is reclaimed after its ttl")
	release()
}

// scriptedRedis answers lock commands in-process: SET NX always wins and
// the release script returns releaseReply.
type scriptedRedis struct {
	releaseReply int64
	releaseErr   error
}

func (h scriptedRedis) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial disabled")
	}
}

func (h scriptedRedis) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		switch c := cmd.(type) {
		case *redis.BoolCmd:
			c.SetVal(true)
		case *redis.Cmd:
			if h.releaseErr != nil {
				c.SetErr(h.releaseErr)
				return h.releaseErr
			}
			c.SetVal(h.releaseReply)
		}
		return nil
	}
}

func (h scriptedRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedis_ReleaseProblemsAreLogged(t *testing.T) {
	tests := []struct {
		name  string
		hook  scriptedRedis
		level zapcore.Level
		count int
	}{
		{"released", scriptedRedis{releaseReply: 1}, zapcore.WarnLevel, 0},
		{"lease lost", scriptedRedis{releaseReply: 0}, zapcore.WarnLevel, 1},
		{"redis error", scriptedRedis{releaseErr: errors.New("connection reset")}, zapcore.ErrorLevel, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
			rdb.AddHook(tt.hook)
			t.Cleanup(func() { rdb.Close() })

			core, logs := observer.New(zapcore.DebugLevel)
			l := lock.NewRedis(rdb, time.Second, lock.WithLogger(zap.New(core)))

			release, err := l.Acquire(context.Background(), "U1")
			require.NoError(t, err)
			release()

			assert.Equal(t, tt.count, logs.FilterLevelExact(tt.level).Len())
		})
	}
}
