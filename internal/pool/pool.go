// Package pool implements the per-host Connection Pool (§4.2): a small
// fixed-size set of pipelined Replica Clients, with least-loaded checkout
// and auto-disable on sustained error storms.
package pool

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pippio/timelines/internal/client"
	"github.com/pippio/timelines/internal/store"
)

// Params configures a Pool. Size and timeouts are per spec.md §4.2;
// ClientParams and Dial are passed through to each owned Replica Client.
type Params struct {
	Host string
	Size int

	PoolTimeout           time.Duration
	AutoDisableErrorLimit int64
	AutoDisableDuration   time.Duration

	ClientParams client.Params
	Dial         func(host string) store.Conn

	// Now defaults to time.Now; overridable for deterministic tests.
	Now func() time.Time
}

// Pool owns up to Size Replica Clients for one host. It is safe for
// concurrent use.
type Pool struct {
	params Params

	mu    sync.Mutex
	slots []*slot
}

type slot struct {
	client        *client.Client
	disabledUntil time.Time
}

// New constructs a Pool and eagerly dials its full complement of clients.
func New(params Params) *Pool {
	if params.Now == nil {
		params.Now = time.Now
	}
	var p = &Pool{params: params, slots: make([]*slot, params.Size)}
	for i := range p.slots {
		p.slots[i] = &slot{client: p.dial(i)}
	}
	return p
}

func (p *Pool) dial(index int) *client.Client {
	var conn = p.params.Dial(p.params.Host)
	return client.New(p.params.Host, conn, p.params.ClientParams, p.makeCountError(index))
}

// makeCountError returns the callback wired into a slot's Client as its
// countError hook. It inspects the client's cumulative errorCount after
// every charged error and auto-disables the slot once the configured limit
// is crossed.
func (p *Pool) makeCountError(index int) func(error) {
	return func(err error) {
		p.mu.Lock()
		var s = p.slots[index]
		var c = s.client
		p.mu.Unlock()

		if c == nil || c.ErrorCount() < p.params.AutoDisableErrorLimit {
			return
		}

		p.mu.Lock()
		if p.slots[index].client != c {
			p.mu.Unlock()
			return // already disabled by a concurrent error
		}
		p.slots[index].client = nil
		p.slots[index].disabledUntil = p.params.Now().Add(p.params.AutoDisableDuration)
		p.mu.Unlock()

		log.WithFields(log.Fields{
			"host":       p.params.Host,
			"errorCount": c.ErrorCount(),
		}).Warn("auto-disabling replica client after error storm")
		go c.Shutdown()
	}
}

// Checkout returns the least-loaded alive client for this host, waiting up
// to Params.PoolTimeout for one to become available. It fails fast with
// ErrHostDown if every slot is currently in its auto-disable cooldown.
func (p *Pool) Checkout(ctx context.Context) (*client.Client, error) {
	var deadlineCtx, cancel = context.WithTimeout(ctx, p.params.PoolTimeout)
	defer cancel()

	for {
		var c, hostDown = p.pick()
		if c != nil {
			return c, nil
		}
		if hostDown {
			return nil, client.ErrHostDown
		}

		select {
		case <-time.After(time.Millisecond):
		case <-deadlineCtx.Done():
			return nil, client.ErrPoolTimeout
		}
	}
}

// pick selects the least-loaded alive, non-disabled client, lazily
// redialing any slot whose cooldown has elapsed. hostDown is true iff
// every slot is presently disabled (cooldown not yet elapsed).
func (p *Pool) pick() (best *client.Client, hostDown bool) {
	p.mu.Lock()
	var now = p.params.Now()
	var redial = -1
	var allDisabled = true
	var bestInflight = -1

	for i, s := range p.slots {
		if s.client != nil && !s.client.Alive() {
			// A client that stopped accepting work (eg killed by a
			// protocol error) is dropped so its slot is redialed.
			s.client = nil
		}
		if s.client == nil {
			if now.Before(s.disabledUntil) {
				continue
			}
			if redial < 0 {
				redial = i
			}
			allDisabled = false
			continue
		}
		allDisabled = false
		if n := s.client.Inflight(); best == nil || n < bestInflight {
			best, bestInflight = s.client, n
		}
	}
	p.mu.Unlock()

	if best != nil {
		return best, false
	}
	if redial >= 0 {
		var c = p.dial(redial)
		p.mu.Lock()
		if p.slots[redial].client == nil {
			p.slots[redial].client = c
		} else {
			c = p.slots[redial].client
		}
		p.mu.Unlock()
		return c, false
	}
	return nil, allDisabled
}

// Shutdown tears down every live client in the pool.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	var clients []*client.Client
	for _, s := range p.slots {
		if s.client != nil {
			clients = append(clients, s.client)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) { defer wg.Done(); c.Shutdown() }(c)
	}
	wg.Wait()
}
