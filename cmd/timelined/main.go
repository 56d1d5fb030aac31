// Command timelined wires a Connection Pool per configured replica host
// into a ReplicatingShard and blocks until signaled to stop. It does not
// bind an RPC or HTTP admin server: spec.md §1 places the upstream
// service surface explicitly out of scope for this core.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/pippio/timelines/internal/client"
	"github.com/pippio/timelines/internal/mbp"
	"github.com/pippio/timelines/internal/pool"
	"github.com/pippio/timelines/internal/retryqueue"
	"github.com/pippio/timelines/internal/shard"
	"github.com/pippio/timelines/internal/store"
)

var Config = new(struct {
	Read  mbp.RedisPoolConfig  `group:"Read Pool" namespace:"read" env-namespace:"READ"`
	Write mbp.RedisPoolConfig  `group:"Write Pool" namespace:"write" env-namespace:"WRITE"`
	Trim  mbp.TrimBoundsConfig `group:"Trim" namespace:"trim" env-namespace:"TRIM"`
	Log   mbp.LogConfig        `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func clientParams(c mbp.RedisPoolConfig) client.Params {
	return client.Params{
		PipelineMaxSize: c.PipelineMaxSize,
		BatchSize:       c.Pipeline,
		BatchTimeout:    c.BatchTimeout,
		CallTimeout:     time.Duration(c.TimeoutMsec) * time.Millisecond,
		KeysTimeout:     time.Duration(c.KeysTimeoutMsec) * time.Millisecond,
		Expiration:      time.Duration(c.ExpirationHours) * time.Hour,
	}
}

func buildPool(c mbp.RedisPoolConfig, host string) *pool.Pool {
	return pool.New(pool.Params{
		Host: host,
		Size: c.PoolSize,
		Dial: func(host string) store.Conn {
			return store.Dial(store.Options{
				Addr:           host,
				ConnectTimeout: 50 * time.Millisecond,
				Heartbeat:      300 * time.Second,
			})
		},
		PoolTimeout:           time.Duration(c.PoolTimeoutMsec) * time.Millisecond,
		AutoDisableErrorLimit: c.AutoDisableErrorLimit,
		AutoDisableDuration:   c.AutoDisableDuration,
		ClientParams:          clientParams(c),
	})
}

func buildReplicatingShard() *shard.ReplicatingShard {
	var bounds = shard.TrimBounds{Lower: Config.Trim.Lower, Upper: Config.Trim.Upper}
	var retry = retryqueue.New(retryqueue.DefaultParams())

	var replicas = make([]shard.Replica, 0, len(Config.Write.Hosts))
	for _, host := range Config.Write.Hosts {
		var readPool = buildPool(Config.Read, host)
		var writePool = buildPool(Config.Write, host)
		replicas = append(replicas, shard.Replica{
			Host:   host,
			Shard:  shard.New(host, readPool, writePool, bounds),
			Weight: 1,
		})
	}

	return shard.New(replicas, retry)
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	mbp.MustParseArgs(parser)

	Config.Log.Configure()
	log.WithField("hosts", Config.Write.Hosts).Info("starting timelined")

	var rs = buildReplicatingShard()
	log.WithField("replicas", len(rs.Replicas)).Info("replicating shard ready")

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	rs.Shutdown()
}
