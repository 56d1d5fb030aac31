package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// PipelineOps is the minimal command surface a batch is built from. It is
// deliberately narrower than redis.Cmdable so that the Replica Client's
// worker loop can be exercised in tests against a small fake, rather than
// requiring a full go-redis-compatible implementation.
type PipelineOps interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPushX(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPushX(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LInsertBefore(ctx context.Context, key string, pivot, value interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Rename(ctx context.Context, key, newkey string) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
}

// Pipeliner accumulates PipelineOps calls and submits them to the wire in a
// single round trip on Exec, mirroring go-redis's own Pipeliner.
type Pipeliner interface {
	PipelineOps
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// Conn is a connection to one backing store host capable of producing
// pipelines and being closed. *redis.Client satisfies it via redisConn.
type Conn interface {
	Pipeline() Pipeliner
	Close() error
}

// Options parametrizes a connection to a single backing store host.
type Options struct {
	Addr string
	// ConnectTimeout bounds TCP connection establishment.
	ConnectTimeout time.Duration
	// Heartbeat is used as the connection's maximum idle time: a connection
	// idle for longer may be closed and redialed on next use. No ping is
	// sent.
	Heartbeat time.Duration
}

// Dial opens a single physical connection to addr. A PoolSize of 1 gives
// every Replica Client sole ownership of one connection, matching the
// single-connection-per-worker discipline the pipelined client requires.
func Dial(opts Options) Conn {
	return redisConn{redis.NewClient(&redis.Options{
		Addr:            opts.Addr,
		DialTimeout:     opts.ConnectTimeout,
		PoolSize:        1,
		MinIdleConns:    1,
		ConnMaxIdleTime: opts.Heartbeat,
	})}
}

type redisConn struct{ *redis.Client }

func (r redisConn) Pipeline() Pipeliner { return r.Client.Pipeline() }
func (r redisConn) Close() error        { return r.Client.Close() }
