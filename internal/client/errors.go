package client

import "github.com/pkg/errors"

// Error kinds surfaced to callers. ReplicatingShard enqueues a retry job for
// a failed replica write whatever its error kind, ErrOverloaded included;
// it does not treat ErrOverloaded differently from the others.
var (
	// ErrOverloaded is returned synchronously by a submission when a
	// client's inflight count has already reached pipelineMaxSize.
	ErrOverloaded = errors.New("overloaded")
	// ErrPoolTimeout is returned by a Connection Pool checkout that could
	// not obtain a client within poolTimeoutMsec.
	ErrPoolTimeout = errors.New("pool checkout timed out")
	// ErrHostDown is returned when every client for a host is auto-disabled.
	ErrHostDown = errors.New("host down")
	// ErrCallTimeout is returned by a synchronous call (Get, Size, Delete,
	// Trim, ...) whose result did not arrive within CallTimeout (KeysTimeout
	// for key enumeration). It is not charged to errorCount.
	ErrCallTimeout = errors.New("call timed out")
	// ErrStoreExecution wraps a remote-reported failure on a single call.
	ErrStoreExecution = errors.New("store execution error")
	// ErrProtocol marks the connection as broken; the owning client is
	// killed when this is observed.
	ErrProtocol = errors.New("protocol error")
	// ErrClientDead is returned by a submission once a client has stopped
	// accepting work (marked dead or shut down).
	ErrClientDead = errors.New("client is dead")
	// ErrNameCollision is returned internally when a generated temporary
	// timeline name collides with an existing key.
	ErrNameCollision = errors.New("temporary timeline name collision")
)
