package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pippio/timelines/internal/store"
)

// fakeConn is an in-memory stand-in for a single store connection, just
// capable enough to exercise the worker loop's batching, pipelining, and
// error-classification behavior without a live backing store.
type fakeConn struct {
	mu     sync.Mutex
	lists  map[string][][]byte
	closed bool

	// failNext, if set, is returned as the error of the very next queued
	// command, then cleared.
	failNext error
}

func newFakeConn() *fakeConn {
	return &fakeConn{lists: make(map[string][][]byte)}
}

func (c *fakeConn) Pipeline() store.Pipeliner { return &fakePipe{conn: c} }
func (c *fakeConn) Close() error              { c.mu.Lock(); defer c.mu.Unlock(); c.closed = true; return nil }

func (c *fakeConn) get(key string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.lists[key]...)
}

func (c *fakeConn) set(key string, vals ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append([][]byte(nil), vals...)
}

type fakePipe struct {
	conn *fakeConn
	ops  []func()
}

func toBytes(v interface{}) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return []byte(fmt.Sprint(t))
	}
}

func (p *fakePipe) takeFailure() error {
	p.conn.mu.Lock()
	defer p.conn.mu.Unlock()
	var err = p.conn.failNext
	p.conn.failNext = nil
	return err
}

func (p *fakePipe) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	var cmd = redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		for _, v := range values {
			p.conn.lists[key] = append(p.conn.lists[key], toBytes(v))
		}
		cmd.SetVal(int64(len(p.conn.lists[key])))
	})
	return cmd
}

func (p *fakePipe) RPushX(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	var cmd = redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		if len(p.conn.lists[key]) == 0 {
			cmd.SetVal(0)
			return
		}
		for _, v := range values {
			p.conn.lists[key] = append(p.conn.lists[key], toBytes(v))
		}
		cmd.SetVal(int64(len(p.conn.lists[key])))
	})
	return cmd
}

func (p *fakePipe) LPushX(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	var cmd = redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		if len(p.conn.lists[key]) == 0 {
			cmd.SetVal(0)
			return
		}
		for _, v := range values {
			p.conn.lists[key] = append([][]byte{toBytes(v)}, p.conn.lists[key]...)
		}
		cmd.SetVal(int64(len(p.conn.lists[key])))
	})
	return cmd
}

func (p *fakePipe) LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd {
	var cmd = redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		var target = toBytes(value)
		var kept [][]byte
		var removed int64
		for _, v := range p.conn.lists[key] {
			if bytes.Equal(v, target) {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		p.conn.lists[key] = kept
		cmd.SetVal(removed)
	})
	return cmd
}

func (p *fakePipe) LInsertBefore(ctx context.Context, key string, pivot, value interface{}) *redis.IntCmd {
	var cmd = redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		var list = p.conn.lists[key]
		var target = toBytes(pivot)
		for i, v := range list {
			if bytes.Equal(v, target) {
				var out = make([][]byte, 0, len(list)+1)
				out = append(out, list[:i]...)
				out = append(out, toBytes(value))
				out = append(out, list[i:]...)
				p.conn.lists[key] = out
				cmd.SetVal(int64(len(out)))
				return
			}
		}
		cmd.SetVal(-1)
	})
	return cmd
}

func (p *fakePipe) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	var cmd = redis.NewStringSliceCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		var list = p.conn.lists[key]
		var n = int64(len(list))
		var lo, hi = normalizeRange(start, stop, n)
		var out []string
		for i := lo; i <= hi && i < n; i++ {
			out = append(out, string(list[i]))
		}
		cmd.SetVal(out)
	})
	return cmd
}

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (p *fakePipe) LLen(ctx context.Context, key string) *redis.IntCmd {
	var cmd = redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		cmd.SetVal(int64(len(p.conn.lists[key])))
	})
	return cmd
}

func (p *fakePipe) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	var cmd = redis.NewStatusCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		var list = p.conn.lists[key]
		var n = int64(len(list))
		if n == 0 {
			cmd.SetVal("OK")
			return
		}
		var lo, hi = normalizeRange(start, stop, n)
		if lo > hi {
			p.conn.lists[key] = nil
		} else {
			p.conn.lists[key] = append([][]byte(nil), list[lo:hi+1]...)
		}
		cmd.SetVal("OK")
	})
	return cmd
}

func (p *fakePipe) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd = redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		var n int64
		for _, k := range keys {
			if _, ok := p.conn.lists[k]; ok {
				n++
			}
			delete(p.conn.lists, k)
		}
		cmd.SetVal(n)
	})
	return cmd
}

func (p *fakePipe) Rename(ctx context.Context, key, newkey string) *redis.StatusCmd {
	var cmd = redis.NewStatusCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		var v, ok = p.conn.lists[key]
		if !ok {
			cmd.SetErr(fmt.Errorf("ERR no such key"))
			return
		}
		p.conn.lists[newkey] = v
		delete(p.conn.lists, key)
		cmd.SetVal("OK")
	})
	return cmd
}

func (p *fakePipe) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd = redis.NewIntCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		var n int64
		for _, k := range keys {
			if len(p.conn.lists[k]) > 0 {
				n++
			}
		}
		cmd.SetVal(n)
	})
	return cmd
}

func (p *fakePipe) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var cmd = redis.NewStringSliceCmd(ctx)
	p.ops = append(p.ops, func() {
		if err := p.takeFailure(); err != nil {
			cmd.SetErr(err)
			return
		}
		p.conn.mu.Lock()
		defer p.conn.mu.Unlock()
		var out []string
		for k, v := range p.conn.lists {
			if len(v) > 0 {
				out = append(out, k)
			}
		}
		_ = pattern
		cmd.SetVal(out)
	})
	return cmd
}

func (p *fakePipe) Exec(ctx context.Context) ([]redis.Cmder, error) {
	for _, op := range p.ops {
		op()
	}
	return nil, nil
}

func testParams() Params {
	return Params{
		PipelineMaxSize: 64,
		BatchSize:       8,
		BatchTimeout:    5 * time.Millisecond,
		CallTimeout:     500 * time.Millisecond,
		KeysTimeout:     500 * time.Millisecond,
	}
}

func TestPushThenGetNewestFirst(t *testing.T) {
	var conn = newFakeConn()
	conn.set("home:1", []byte("a"))
	var c = New("h1", conn, testParams(), nil)
	defer c.Shutdown()

	var resultCh = make(chan int64, 1)
	require.NoError(t, c.Push("home:1", []byte("b"), func(n int64) { resultCh <- n }, func(err error) { t.Fatal(err) }))

	select {
	case n := <-resultCh:
		assert.EqualValues(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for push callback")
	}

	var entries, err = c.Get(context.Background(), "home:1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("b"), []byte("a")}, entries)
}

func TestPushOnMissingTimelineIsNoop(t *testing.T) {
	var conn = newFakeConn()
	var c = New("h1", conn, testParams(), nil)
	defer c.Shutdown()

	var resultCh = make(chan int64, 1)
	require.NoError(t, c.Push("home:missing", []byte("x"), func(n int64) { resultCh <- n }, func(err error) { t.Fatal(err) }))

	select {
	case n := <-resultCh:
		assert.EqualValues(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	var size, err = c.Size(context.Background(), "home:missing")
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
}

func TestOverloadedRejectsSubmission(t *testing.T) {
	var conn = newFakeConn()
	var params = testParams()
	params.PipelineMaxSize = 0
	var c = New("h1", conn, params, nil)
	defer c.Shutdown()

	var err = c.Push("home:1", []byte("a"), nil, func(error) {})
	assert.ErrorIs(t, err, ErrOverloaded)
}

func TestSetAtomicallyPreservesNewestFirstOrder(t *testing.T) {
	var conn = newFakeConn()
	var c = New("h1", conn, testParams(), nil)
	defer c.Shutdown()

	var entries = [][]byte{[]byte("newest"), []byte("mid"), []byte("oldest")}
	require.NoError(t, c.SetAtomically(context.Background(), "home:2", entries))

	var got, err = c.Get(context.Background(), "home:2", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestSetAtomicallyOnEmptyIsNoop(t *testing.T) {
	var conn = newFakeConn()
	var c = New("h1", conn, testParams(), nil)
	defer c.Shutdown()

	require.NoError(t, c.SetAtomically(context.Background(), "home:3", nil))
	var exists, err = c.Exists(context.Background(), "home:3")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLiveCopyProtocol(t *testing.T) {
	var conn = newFakeConn()
	var c = New("h1", conn, testParams(), nil)
	defer c.Shutdown()

	var ctx = context.Background()
	require.NoError(t, c.SetLiveStart(ctx, "home:4"))

	var pushCh = make(chan int64, 2)
	require.NoError(t, c.Push("home:4", []byte("L1"), func(n int64) { pushCh <- n }, func(err error) { t.Fatal(err) }))
	<-pushCh
	require.NoError(t, c.Push("home:4", []byte("L2"), func(n int64) { pushCh <- n }, func(err error) { t.Fatal(err) }))
	<-pushCh

	require.NoError(t, c.SetLive(ctx, "home:4", [][]byte{[]byte("H1"), []byte("H2")}))

	var got, err = c.Get(ctx, "home:4", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{
		[]byte("L2"), []byte("L1"), store.EmptySentinel, []byte("H1"), []byte("H2"),
	}, got)
}

func TestSetLiveWithoutStartIsSilentNoop(t *testing.T) {
	var conn = newFakeConn()
	var c = New("h1", conn, testParams(), nil)
	defer c.Shutdown()

	require.NoError(t, c.SetLive(context.Background(), "home:5", [][]byte{[]byte("H1")}))
	var exists, err = c.Exists(context.Background(), "home:5")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTrimKeepsNewestTailEntries(t *testing.T) {
	var conn = newFakeConn()
	conn.set("home:6", []byte("1"), []byte("2"), []byte("3"), []byte("4"), []byte("5"))
	var c = New("h1", conn, testParams(), nil)
	defer c.Shutdown()

	require.NoError(t, c.Trim(context.Background(), "home:6", 3))

	var got, err = c.Get(context.Background(), "home:6", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("5"), []byte("4"), []byte("3")}, got)
}

func TestProtocolErrorKillsClient(t *testing.T) {
	var conn = newFakeConn()
	conn.failNext = io.ErrUnexpectedEOF
	var c = New("h1", conn, testParams(), nil)
	defer c.Shutdown()

	var errCh = make(chan error, 1)
	require.NoError(t, c.Push("home:7", []byte("a"), func(int64) { t.Fatal("expected error") }, func(err error) { errCh <- err }))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrProtocol)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	require.Eventually(t, func() bool { return !c.Alive() }, time.Second, time.Millisecond)

	var err = c.Push("home:7", []byte("b"), nil, func(error) {})
	assert.ErrorIs(t, err, ErrClientDead)
}

func TestExecutionErrorDoesNotKillClient(t *testing.T) {
	var conn = newFakeConn()
	conn.failNext = fmt.Errorf("WRONGTYPE Operation against a key holding the wrong kind of value")
	var c = New("h1", conn, testParams(), nil)
	defer c.Shutdown()

	var errCh = make(chan error, 1)
	require.NoError(t, c.Push("home:8", []byte("a"), func(int64) { t.Fatal("expected error") }, func(err error) { errCh <- err }))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStoreExecution)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	assert.True(t, c.Alive())

	conn.set("home:8", []byte("x"))
	var size, err = c.Size(context.Background(), "home:8")
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestShutdownDeliversOutstandingCalls(t *testing.T) {
	var conn = newFakeConn()
	var c = New("h1", conn, testParams(), nil)

	var resultCh = make(chan int64, 1)
	require.NoError(t, c.Push("home:9", []byte("a"), func(n int64) { resultCh <- n }, func(err error) { t.Fatal(err) }))

	c.Shutdown()
	assert.False(t, c.Alive())

	select {
	case <-resultCh:
	default:
		t.Fatal("expected push callback to have been delivered by shutdown")
	}
}
