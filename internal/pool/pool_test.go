package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pippio/timelines/internal/client"
	"github.com/pippio/timelines/internal/store"
)

// nullConn is a minimal store.Conn whose pipeline commands all succeed
// trivially, or all fail if forceErr is set. It exists only to exercise
// Pool's checkout/auto-disable bookkeeping, not Client's redis semantics.
type nullConn struct {
	mu       sync.Mutex
	forceErr error
	closed   bool
}

func (n *nullConn) Pipeline() store.Pipeliner { return &nullPipe{conn: n} }
func (n *nullConn) Close() error              { n.mu.Lock(); defer n.mu.Unlock(); n.closed = true; return nil }

type nullPipe struct {
	conn *nullConn
	ops  []func()
}

func (p *nullPipe) add(set func(err error)) {
	p.ops = append(p.ops, func() {
		p.conn.mu.Lock()
		var err = p.conn.forceErr
		p.conn.mu.Unlock()
		set(err)
	})
}

func (p *nullPipe) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	var cmd = redis.NewIntCmd(ctx)
	p.add(func(err error) {
		if err != nil {
			cmd.SetErr(err)
			return
		}
		cmd.SetVal(1)
	})
	return cmd
}
func (p *nullPipe) RPushX(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return p.RPush(ctx, key, values...)
}
func (p *nullPipe) LPushX(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return p.RPush(ctx, key, values...)
}
func (p *nullPipe) LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd {
	var cmd = redis.NewIntCmd(ctx)
	p.add(func(err error) {
		if err != nil {
			cmd.SetErr(err)
			return
		}
		cmd.SetVal(0)
	})
	return cmd
}
func (p *nullPipe) LInsertBefore(ctx context.Context, key string, pivot, value interface{}) *redis.IntCmd {
	return p.LRem(ctx, key, 0, value)
}
func (p *nullPipe) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	var cmd = redis.NewStringSliceCmd(ctx)
	p.add(func(err error) {
		if err != nil {
			cmd.SetErr(err)
			return
		}
		cmd.SetVal(nil)
	})
	return cmd
}
func (p *nullPipe) LLen(ctx context.Context, key string) *redis.IntCmd { return p.LRem(ctx, key, 0, nil) }
func (p *nullPipe) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	var cmd = redis.NewStatusCmd(ctx)
	p.add(func(err error) {
		if err != nil {
			cmd.SetErr(err)
			return
		}
		cmd.SetVal("OK")
	})
	return cmd
}
func (p *nullPipe) Del(ctx context.Context, keys ...string) *redis.IntCmd { return p.LRem(ctx, "", 0, nil) }
func (p *nullPipe) Rename(ctx context.Context, key, newkey string) *redis.StatusCmd {
	return p.LTrim(ctx, key, 0, 0)
}
func (p *nullPipe) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	return p.LRem(ctx, "", 0, nil)
}
func (p *nullPipe) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	return p.LRange(ctx, "", 0, 0)
}
func (p *nullPipe) Exec(ctx context.Context) ([]redis.Cmder, error) {
	for _, op := range p.ops {
		op()
	}
	return nil, nil
}

func testPoolParams(size int, conns map[int]*nullConn) Params {
	var i = 0
	return Params{
		Host: "replica-a",
		Size: size,
		Dial: func(host string) store.Conn {
			var c = &nullConn{}
			conns[i] = c
			i++
			return c
		},
		PoolTimeout:           50 * time.Millisecond,
		AutoDisableErrorLimit: 3,
		AutoDisableDuration:   30 * time.Millisecond,
		ClientParams: client.Params{
			PipelineMaxSize: 64,
			BatchSize:       8,
			BatchTimeout:    2 * time.Millisecond,
			CallTimeout:     200 * time.Millisecond,
			KeysTimeout:     200 * time.Millisecond,
		},
	}
}

func TestCheckoutReturnsLeastLoaded(t *testing.T) {
	var conns = map[int]*nullConn{}
	var params = testPoolParams(2, conns)
	// Keep submitted calls batched so that they count as inflight.
	params.ClientParams.BatchTimeout = time.Hour
	var p = New(params)
	defer p.Shutdown()

	var c, err = p.Checkout(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c)

	require.NoError(t, c.Push("t", []byte("x"), nil, nil))
	other, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c, other)
}

func TestHostDownWhenAllDisabled(t *testing.T) {
	var conns = map[int]*nullConn{}
	var params = testPoolParams(1, conns)
	var p = New(params)
	defer p.Shutdown()

	conns[0].mu.Lock()
	conns[0].forceErr = assertError{}
	conns[0].mu.Unlock()

	// Drive enough errored calls to cross AutoDisableErrorLimit.
	var c, err = p.Checkout(context.Background())
	require.NoError(t, err)
	for i := 0; i < int(params.AutoDisableErrorLimit)+1; i++ {
		var done = make(chan struct{})
		_ = c.Push("t", []byte("x"), func(int64) { close(done) }, func(error) { close(done) })
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for push result")
		}
	}

	require.Eventually(t, func() bool {
		_, err := p.Checkout(context.Background())
		return err == client.ErrHostDown
	}, time.Second, 2*time.Millisecond)

	// After the cooldown elapses, the host becomes checkoutable again.
	require.Eventually(t, func() bool {
		_, err := p.Checkout(context.Background())
		return err == nil
	}, time.Second, 2*time.Millisecond)
}

type assertError struct{}

func (assertError) Error() string { return "forced execution error" }
