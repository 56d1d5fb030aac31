// Package mbp ("mainboilerplate") holds the small slice of config-parsing
// and logging-setup helpers every entrypoint in this module shares,
// grounded on the teacher's own go.gazette.dev/core/mainboilerplate
// package (not part of the retrieved files, so reimplemented locally in
// its style: go-flags group structs plus a Must/MustParseArgs pair).
package mbp

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// Must aborts the process with a formatted message if err is non-nil,
// mirroring mbp.Must.
func Must(err error, message string, args ...interface{}) {
	if err == nil {
		return
	}
	log.WithField("error", err).Fatal(fmt.Sprintf(message, args...))
}

// MustParseArgs parses os.Args with parser, exiting cleanly on --help and
// aborting on any other parse error, mirroring mbp.MustParseArgs.
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithField("error", err).Fatal("failed to parse arguments")
	}
}

// AdminConfig is the admin/stats surface spec.md §6 names. No HTTP or RPC
// server is built against it (out of scope, §1), and cmd/timelined does
// not include it (or ServerConfig) in the configuration it parses.
type AdminConfig struct {
	HTTPPort   uint16 `long:"httpPort" description:"Admin HTTP/stats port" default:"7667"`
	TextPort   uint16 `long:"textPort" description:"Admin plaintext stats port"`
	TimeSeries bool   `long:"timeSeries" description:"Enable time-series stats collection"`
}

// ServerConfig is the RPC server transport surface spec.md §6 names.
type ServerConfig struct {
	Timeout       time.Duration `long:"timeout" description:"Request timeout" default:"30s"`
	IdleTimeout   time.Duration `long:"idleTimeout" description:"Idle connection timeout" default:"5m"`
	ThreadPoolMin int           `long:"threadPool.minThreads" description:"Minimum server worker threads" default:"8"`
}

// RedisPoolConfig is one of the (read, write) pool configurations spec.md
// §6 names under redisConfig.
type RedisPoolConfig struct {
	Hosts                 []string      `long:"host" description:"host:port of a replica (repeatable)" required:"true"`
	PoolSize              int           `long:"poolSize" description:"Replica Clients per host" default:"1"`
	PoolTimeoutMsec       int           `long:"poolTimeoutMsec" description:"Checkout timeout" default:"100"`
	Pipeline              int           `long:"pipeline" description:"Batch size (calls coalesced per flush)" default:"100"`
	TimeoutMsec           int           `long:"timeoutMsec" description:"Per-call timeout" default:"200"`
	KeysTimeoutMsec       int           `long:"keysTimeoutMsec" description:"Key-enumeration timeout" default:"5000"`
	ExpirationHours       int           `long:"expirationHours" description:"Per-timeline TTL hint" default:"504"`
	AutoDisableErrorLimit int64         `long:"autoDisableErrorLimit" description:"Cumulative errors before auto-disable" default:"200"`
	AutoDisableDuration   time.Duration `long:"autoDisableDuration" description:"Auto-disable cooldown" default:"60s"`
	PipelineMaxSize       int           `long:"pipelineMaxSize" description:"Max inflight per client" default:"1000"`
	BatchTimeout          time.Duration `long:"batchTimeoutMsec" description:"Max age of oldest staged call" default:"10ms"`
}

// TrimBoundsConfig is one entry of timelineTrimConfig.bounds: a timeline
// class name mapped to its (lower, upper) pair.
type TrimBoundsConfig struct {
	Class string `long:"class" description:"Timeline class name" default:"default"`
	Lower int64  `long:"lower" description:"Trim target length" default:"800"`
	Upper int64  `long:"upper" description:"Trim trigger length" default:"850"`
}

// LogConfig is the logging surface spec.md §6 names: level, filename,
// rolling, throttle knobs, plus a stats sub-logger level.
type LogConfig struct {
	Level              string `long:"level" description:"Logging level" default:"info"`
	File               string `long:"filename" description:"Log file path (empty logs to stderr)"`
	Rolling            bool   `long:"rolling" description:"Roll the log file daily"`
	ThrottlePeriodMsec int    `long:"throttle_period_msec" description:"Repeated-message throttle window"`
	ThrottleRate       int    `long:"throttle_rate" description:"Max repeats per throttle window"`
	StatsLevel         string `long:"stats.level" description:"Stats sub-logger level" default:"info"`
}

// Configure applies Level and File to the standard logrus logger.
func (c LogConfig) Configure() {
	var level, err = log.ParseLevel(c.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	if c.File == "" {
		log.SetOutput(os.Stderr)
		return
	}
	var f, openErr = os.OpenFile(c.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	Must(openErr, "failed to open log file %s", c.File)
	log.SetOutput(f)
}
