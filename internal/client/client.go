// Package client implements the pipelined, single-connection Replica
// Client: a batching/pipelining worker that multiplexes many concurrent
// logical timeline calls onto one backing-store connection, enforcing
// latency, backpressure, error-rate, and liveness policies.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pippio/timelines/internal/store"
)

// Params are the construction-time tunables of a Replica Client (spec §4.1).
// All are immutable for the lifetime of a Client.
type Params struct {
	// PipelineMaxSize bounds total inflight (staging + batch + pipeline).
	// Submissions past this bound fail synchronously with ErrOverloaded.
	PipelineMaxSize int
	// BatchSize is the number of calls coalesced before a forced submission.
	BatchSize int
	// BatchTimeout is the max age of the oldest staged call before a forced
	// submission.
	BatchTimeout time.Duration
	// CallTimeout bounds a single wire round trip, and is also the polling
	// granularity the worker uses when waiting on the pipeline head.
	CallTimeout time.Duration
	// KeysTimeout bounds the (rarer, larger) key-enumeration call.
	KeysTimeout time.Duration
	// Expiration is a per-timeline TTL hint. It is stored but not applied
	// to any store command.
	Expiration time.Duration

	// Now returns the current time. Defaults to time.Now; overridable so
	// tests can control batch-age computations deterministically.
	Now func() time.Time
}

func (p *Params) setDefaults() {
	if p.Now == nil {
		p.Now = time.Now
	}
}

// Client is a pipelined, single-connection worker for one replica host.
// All wire I/O happens on its single worker goroutine (see flushBatch);
// callers only ever enqueue work.
type Client struct {
	Host string

	conn       store.Conn
	params     Params
	countError func(error)

	wake      chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu        sync.Mutex
	staging   []*element
	batch     []*element
	pipeline  []*element
	accepting bool
	broken    bool

	errorCount int64 // atomic
}

// New constructs a Client around conn and starts its worker goroutine.
// countError, if non-nil, is invoked once per charged error and is how the
// owning Connection Pool implements auto-disable (§4.2).
func New(host string, conn store.Conn, params Params, countError func(error)) *Client {
	params.setDefaults()
	var c = &Client{
		Host:       host,
		conn:       conn,
		params:     params,
		countError: countError,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
		accepting:  true,
	}
	go c.run()
	return c
}

// Alive reports whether the client is still accepting new submissions.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepting
}

// ErrorCount returns the cumulative charged-error count.
func (c *Client) ErrorCount() int64 { return atomic.LoadInt64(&c.errorCount) }

// Inflight returns the current staging+batch+pipeline depth.
func (c *Client) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.staging) + len(c.batch) + len(c.pipeline)
}

// Shutdown signals the worker to stop accepting new work, flushes and
// delivers everything already queued, and closes the connection. It blocks
// until the worker has fully exited.
func (c *Client) Shutdown() {
	c.mu.Lock()
	var already = !c.accepting
	c.accepting = false
	c.mu.Unlock()

	if !already {
		close(c.stopCh)
	}
	<-c.stoppedCh
}

// ---- async submission (push, pop, pushAfter) -------------------------------

func (c *Client) submit(q queueFunc, callback func(interface{}), onError func(error)) error {
	c.mu.Lock()
	if !c.accepting {
		c.mu.Unlock()
		if onError != nil {
			onError(ErrClientDead)
		}
		return ErrClientDead
	}
	if len(c.staging)+len(c.batch)+len(c.pipeline) >= c.params.PipelineMaxSize {
		c.mu.Unlock()
		if onError != nil {
			onError(ErrOverloaded)
		}
		return ErrOverloaded
	}
	c.staging = append(c.staging, &element{
		queue:    q,
		callback: callback,
		onError:  onError,
		arrival:  c.params.Now(),
	})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Push right-pushes entry onto timeline iff it already exists. callback, if
// non-nil, receives the new length (int64). onError, if non-nil, receives
// any error including ErrOverloaded.
func (c *Client) Push(timeline string, entry []byte, callback func(int64), onError func(error)) error {
	return c.submit(queuePush(timeline, entry), wrapInt(callback), onError)
}

// Pop removes all occurrences of entry from timeline.
func (c *Client) Pop(timeline string, entry []byte, callback func(removed int64), onError func(error)) error {
	return c.submit(queuePop(timeline, entry), wrapInt(callback), onError)
}

// PushAfter inserts newEntry immediately before the first occurrence of
// oldEntry counted from the head; when oldEntry appears more than once this
// is its oldest occurrence, not the one nearest the tail. A no-op, not an
// error, if oldEntry is absent.
func (c *Client) PushAfter(timeline string, oldEntry, newEntry []byte, callback func(int64), onError func(error)) error {
	return c.submit(queuePushAfter(timeline, oldEntry, newEntry), wrapInt(callback), onError)
}

func wrapInt(callback func(int64)) func(interface{}) {
	if callback == nil {
		return nil
	}
	return func(v interface{}) { callback(v.(int64)) }
}

// ---- synchronous submission -------------------------------------------------

type syncResult struct {
	val interface{}
	err error
}

func (c *Client) submitSync(ctx context.Context, q queueFunc, timeout time.Duration) (interface{}, error) {
	var resultCh = make(chan syncResult, 1)
	var err = c.submit(q,
		func(v interface{}) { resultCh <- syncResult{val: v} },
		func(e error) { resultCh <- syncResult{err: e} })
	if err != nil {
		return nil, err
	}

	select {
	case r := <-resultCh:
		return r.val, r.err
	case <-time.After(timeout):
		return nil, ErrCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns up to length entries starting offset from the tail (newest),
// newest-first. length <= 0 means "from offset to the beginning".
func (c *Client) Get(ctx context.Context, timeline string, offset, length int64) ([][]byte, error) {
	var v, err = c.submitSync(ctx, queueGet(timeline, offset, length), c.params.CallTimeout)
	if err != nil {
		return nil, err
	}
	var strs = v.([]string)
	var out = make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out, nil
}

// Size returns the length of timeline.
func (c *Client) Size(ctx context.Context, timeline string) (int64, error) {
	var v, err = c.submitSync(ctx, queueSize(timeline), c.params.CallTimeout)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Delete removes timeline.
func (c *Client) Delete(ctx context.Context, timeline string) error {
	var _, err = c.submitSync(ctx, queueDelete(timeline), c.params.CallTimeout)
	return err
}

// Trim keeps only the last size entries (the newest, tail side) of
// timeline. Intended as a best-effort call: callers applying the Trim
// Policy (§4.5) should not fail their originating write on its error.
func (c *Client) Trim(ctx context.Context, timeline string, size int64) error {
	var _, err = c.submitSync(ctx, queueTrim(timeline, size), c.params.CallTimeout)
	return err
}

// Exists reports whether timeline is present.
func (c *Client) Exists(ctx context.Context, timeline string) (bool, error) {
	var v, err = c.submitSync(ctx, queueExists(timeline), c.params.CallTimeout)
	if err != nil {
		return false, err
	}
	return v.(int64) != 0, nil
}

// SetAtomically installs entries (newest-first) as timeline's entire
// contents in a single atomic swap, so no reader ever observes a torn
// state. A no-op on empty entries.
//
// The temp list is built oldest-to-newest: the oldest entry is pushed
// first (an unconditional push, since the temp name is freshly generated
// and cannot already exist), then the remaining entries are pushed in
// ascending recency, so the newest entry lands — and remains — at the
// tail. This is re-derived from the ordering invariant (get(t,0,|xs|) ==
// xs, newest-first) rather than copied from any reference index
// arithmetic; see DESIGN.md.
func (c *Client) SetAtomically(ctx context.Context, timeline string, entries [][]byte) error {
	if len(entries) == 0 {
		return nil
	}

	var temp, err = c.newUniqueName(ctx, timeline)
	if err != nil {
		return errors.WithMessage(err, "generating temp name")
	}

	var oldestFirst = make([][]byte, len(entries))
	for i, e := range entries {
		oldestFirst[len(entries)-1-i] = e
	}

	if _, err = c.submitSync(ctx, queueRPushCreate(temp, oldestFirst[0]), c.params.CallTimeout); err != nil {
		return errors.WithMessage(err, "seeding temp timeline")
	}
	if len(oldestFirst) > 1 {
		if _, err = c.submitSync(ctx, queueRPushXMany(temp, oldestFirst[1:]...), c.params.CallTimeout); err != nil {
			return errors.WithMessage(err, "filling temp timeline")
		}
	}
	if _, err = c.submitSync(ctx, queueRename(temp, timeline), c.params.CallTimeout); err != nil {
		return errors.WithMessage(err, "renaming temp timeline into place")
	}
	return nil
}

// SetLiveStart deletes timeline, then appends exactly the Empty Sentinel.
// After this call, timeline exists and push() will succeed against it, but
// readers must be gated externally until the live copy completes (§4.4).
func (c *Client) SetLiveStart(ctx context.Context, timeline string) error {
	if err := c.Delete(ctx, timeline); err != nil {
		return errors.WithMessage(err, "clearing timeline before live start")
	}
	var _, err = c.submitSync(ctx, queueRPushCreate(timeline, store.EmptySentinel), c.params.CallTimeout)
	return errors.WithMessage(err, "pushing empty sentinel")
}

// SetLive left-pushes entries (in caller order) onto timeline iff it
// exists. A deliberate, silent no-op if the live-copy sentinel has not
// been established: this asymmetry is load-bearing (§9).
func (c *Client) SetLive(ctx context.Context, timeline string, entries [][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	var _, err = c.submitSync(ctx, queueSetLive(timeline, entries...), c.params.CallTimeout)
	return err
}

// MakeKeyList captures the current set of timeline names into the reserved
// %keys list (§4.6): enumerate, clear, append, and force a flush.
func (c *Client) MakeKeyList(ctx context.Context) error {
	var v, err = c.submitSync(ctx, queueKeys("*"), c.params.KeysTimeout)
	if err != nil {
		return errors.WithMessage(err, "enumerating keys")
	}
	var keys = v.([]string)

	if err = c.Trim(ctx, store.KeysListName, 0); err != nil {
		return errors.WithMessage(err, "clearing key list")
	}
	for _, k := range keys {
		if k == store.KeysListName {
			continue
		}
		if _, err = c.submitSync(ctx, queueRPushCreate(store.KeysListName, []byte(k)), c.params.CallTimeout); err != nil {
			return errors.WithMessage(err, "appending to key list")
		}
	}
	// Force a pipeline flush: issue a size() and wait.
	_, err = c.Size(ctx, store.KeysListName)
	return err
}

// GetKeys returns a slice of the %keys snapshot.
func (c *Client) GetKeys(ctx context.Context, offset, count int64) ([]string, error) {
	var entries, err = c.Get(ctx, store.KeysListName, offset, count)
	if err != nil {
		return nil, err
	}
	var out = make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e)
	}
	return out, nil
}

// DeleteKeyList removes %keys.
func (c *Client) DeleteKeyList(ctx context.Context) error {
	return c.Delete(ctx, store.KeysListName)
}

// newUniqueName generates base + "~" + wallclockMillis + "~" + random31bits
// (§4.1), retrying on collision with an existing key.
func (c *Client) newUniqueName(ctx context.Context, base string) (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		var name = fmt.Sprintf("%s~%d~%d", base, c.params.Now().UnixMilli(), randomUint31())
		var exists, err = c.Exists(ctx, name)
		if err != nil {
			return "", err
		}
		if !exists {
			return name, nil
		}
	}
	return "", ErrNameCollision
}

// ---- worker loop -------------------------------------------------------

func (c *Client) run() {
	defer close(c.stoppedCh)
	defer func() { _ = c.conn.Close() }()

loop:
	for {
		select {
		case <-c.stopCh:
			break loop
		default:
		}

		c.drainStaging()

		if c.shouldFlush() {
			c.flushBatch()
			continue
		}

		if c.pipelineLen() > 0 {
			if !c.serviceHead() {
				break loop
			}
			continue
		}

		select {
		case <-c.stopCh:
			break loop
		case <-c.wake:
		case <-time.After(c.idleSleep()):
		}
	}

	c.mu.Lock()
	var broken = c.broken
	c.mu.Unlock()

	if broken {
		c.failDrain()
	} else {
		c.gracefulDrain()
	}
}

func (c *Client) drainStaging() {
	c.mu.Lock()
	if len(c.staging) > 0 {
		c.batch = append(c.batch, c.staging...)
		c.staging = nil
	}
	c.mu.Unlock()
}

func (c *Client) shouldFlush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batch) == 0 {
		return false
	}
	return c.params.Now().Sub(c.batch[0].arrival) >= c.params.BatchTimeout || len(c.batch) >= c.params.BatchSize
}

func (c *Client) pipelineLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pipeline)
}

func (c *Client) idleSleep() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batch) == 0 {
		return time.Second
	}
	var sleep = c.params.BatchTimeout - c.params.Now().Sub(c.batch[0].arrival)
	if sleep < 0 {
		return 0
	}
	return sleep
}

// flushBatch submits the current batch to the connection in one wire burst
// and promotes each element to a Pipeline Element. The wire call runs on
// the worker goroutine itself, so only the worker ever touches the
// connection.
func (c *Client) flushBatch() {
	c.mu.Lock()
	var batch = c.batch
	c.batch = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var pipe = c.conn.Pipeline()
	var ctx = context.Background()
	for _, el := range batch {
		el.decode = el.queue(ctx, pipe)
		el.queue = nil
	}

	var done = make(chan struct{})
	var execCtx, cancel = context.WithTimeout(context.Background(), c.params.CallTimeout)
	_, _ = pipe.Exec(execCtx)
	cancel()
	close(done)
	for _, el := range batch {
		el.done = done
	}

	c.mu.Lock()
	c.pipeline = append(c.pipeline, batch...)
	c.mu.Unlock()
}

// serviceHead waits on the pipeline head's response up to CallTimeout. A
// timeout does not drop the call; it stays at the head to be retried next
// tick (requeue-on-timeout, §4.1) — we simply never popped it. Returns
// false iff delivering the head marked the client dead.
func (c *Client) serviceHead() bool {
	c.mu.Lock()
	if len(c.pipeline) == 0 {
		c.mu.Unlock()
		return true
	}
	var head = c.pipeline[0]
	c.mu.Unlock()

	select {
	case <-head.done:
		c.mu.Lock()
		if len(c.pipeline) > 0 {
			c.pipeline = c.pipeline[1:]
		}
		c.mu.Unlock()
		return c.deliver(head)
	case <-time.After(c.params.CallTimeout):
		return true
	}
}

// deliver runs the wrap contract: it classifies any error from the
// completed call, charges errorCount and the pool's countError callback,
// invokes the caller's callback/errorHandler, and — only for client-runtime
// (I/O/protocol) errors — marks the client dead.
func (c *Client) deliver(el *element) (alive bool) {
	alive = true
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"host": c.Host, "panic": r}).Error("panic delivering call result")
			atomic.AddInt64(&c.errorCount, 1)
			if c.countError != nil {
				c.countError(fmt.Errorf("panic: %v", r))
			}
			if el.onError != nil {
				el.onError(fmt.Errorf("panic: %v", r))
			}
		}
	}()

	var val, err = el.decode()
	if err == nil {
		if el.callback != nil {
			el.callback(val)
		}
		return true
	}

	atomic.AddInt64(&c.errorCount, 1)

	if isProtocolError(err) {
		log.WithFields(log.Fields{"host": c.Host, "error": err}).Error("protocol error; marking replica client dead")
		if c.countError != nil {
			c.countError(err)
		}
		if el.onError != nil {
			el.onError(errors.Wrap(ErrProtocol, err.Error()))
		}
		c.markDead()
		return false
	}

	log.WithFields(log.Fields{"host": c.Host, "error": err}).Warn("store execution error")
	if c.countError != nil {
		c.countError(err)
	}
	if el.onError != nil {
		el.onError(errors.Wrap(ErrStoreExecution, err.Error()))
	}
	return true
}

func (c *Client) markDead() {
	c.mu.Lock()
	var already = !c.accepting
	c.accepting = false
	c.broken = true
	c.mu.Unlock()

	if !already {
		close(c.stopCh)
	}
}

// gracefulDrain implements the shutdown path: flush whatever remains
// staged, submit the final batch, then deliver every outstanding pipeline
// response before returning.
func (c *Client) gracefulDrain() {
	c.drainStaging()
	c.flushBatch()

	for {
		c.mu.Lock()
		if len(c.pipeline) == 0 {
			c.mu.Unlock()
			return
		}
		var head = c.pipeline[0]
		c.pipeline = c.pipeline[1:]
		c.mu.Unlock()

		<-head.done
		c.deliver(head)
	}
}

// failDrain implements the client-runtime-error path: the connection is
// presumed broken, so nothing further is submitted to it. Every
// outstanding call is failed immediately with ErrClientDead.
func (c *Client) failDrain() {
	c.mu.Lock()
	var all = make([]*element, 0, len(c.staging)+len(c.batch)+len(c.pipeline))
	all = append(all, c.staging...)
	all = append(all, c.batch...)
	all = append(all, c.pipeline...)
	c.staging, c.batch, c.pipeline = nil, nil, nil
	c.mu.Unlock()

	for _, el := range all {
		if el.onError != nil {
			el.onError(ErrClientDead)
		}
	}
}

// isProtocolError reports whether err represents connection-level
// corruption (as opposed to a remote-reported failure on a single call),
// per the wrap contract's error taxonomy (§4.1).
func isProtocolError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
