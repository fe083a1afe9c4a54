// Package pool implements the Pool Core shared by the direct and
// routing pool flavors: a mutex-guarded bucket map plus a wake
// primitive, reservation accounting for in-flight opens, acquire,
// release, and deactivation.
package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/arantesdev/boltpool/internal/boltconn"
	"github.com/arantesdev/boltpool/internal/metrics"
	"github.com/arantesdev/boltpool/internal/poolconf"
	"github.com/arantesdev/boltpool/internal/poolerr"
	"github.com/arantesdev/boltpool/pkg/address"
)

// Core is the shared acquire/release/deactivate engine. It is safe for
// concurrent use by any number of goroutines.
type Core struct {
	mu   sync.Mutex
	wake *broadcaster

	connections  map[address.Address][]boltconn.Connection
	reservations map[address.Address]int

	opener boltconn.Opener
	config poolconf.PoolConfig
}

// NewCore builds a Core around opener, using cfg for capacity limits.
func NewCore(opener boltconn.Opener, cfg poolconf.PoolConfig) *Core {
	return &Core{
		wake:         newBroadcaster(),
		connections:  make(map[address.Address][]boltconn.Connection),
		reservations: make(map[address.Address]int),
		opener:       opener,
		config:       cfg,
	}
}

// AcquireForAddress returns a live, reset, exclusively-held connection
// to addr, or a pool-timeout ClientError once timeout elapses, or a
// ServiceUnavailable propagated from a failed open.
func (c *Core) AcquireForAddress(ctx context.Context, addr address.Address, timeout time.Duration, livenessTimeout time.Duration) (boltconn.Connection, error) {
	deadline := time.Now().Add(timeout)
	timeoutSeconds := timeout.Seconds()
	// Maps key by Identity so a resolved and an unresolved rendering of
	// the same endpoint land in one bucket; the opener still gets the
	// caller's original form.
	key := addr.Identity()

outer:
	for {
		c.mu.Lock()
		bucket := c.connections[key]
		for i := len(bucket) - 1; i >= 0; i-- {
			conn := bucket[i]
			if conn.InUse() {
				continue
			}
			conn.SetInUse(true)
			conn.SetPool(c)
			c.mu.Unlock()

			if c.healthCheck(ctx, conn, livenessTimeout, deadline) {
				c.reportGauges(key)
				metrics.AcquireTotal.WithLabelValues("reuse").Inc()
				return conn, nil
			}
			conn.Close()
			c.dropConnection(key, conn)
			continue outer
		}

		if c.hasCapacityLocked(key) {
			c.reservations[key]++
			c.mu.Unlock()

			remaining := time.Until(deadline)
			openCtx, cancel := context.WithTimeout(ctx, remaining)
			conn, err := c.opener(openCtx, addr, remaining)
			cancel()

			if err != nil {
				// A failed reservation frees a slot: waiters blocked on
				// capacity must learn about it or they sleep out their
				// deadlines for nothing.
				c.mu.Lock()
				c.reservations[key]--
				c.wake.notifyAll()
				c.mu.Unlock()

				if poolerr.IsServiceUnavailable(err) {
					c.Deactivate(addr)
				}
				metrics.AcquireTotal.WithLabelValues("error").Inc()
				return nil, err
			}

			conn.SetInUse(true)
			conn.SetPool(c)

			// Decrement and append under one lock so the
			// bucket-plus-reservations bound holds at every point another
			// goroutine can observe.
			c.mu.Lock()
			c.reservations[key]--
			c.connections[key] = append(c.connections[key], conn)
			c.mu.Unlock()

			c.reportGauges(key)
			metrics.AcquireTotal.WithLabelValues("grow").Inc()
			return conn, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.mu.Unlock()
			metrics.AcquireTotal.WithLabelValues("timeout").Inc()
			return nil, poolerr.PoolTimeout(timeoutSeconds)
		}
		waitStarted := time.Now()
		ch := c.wake.wait()
		c.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			metrics.AcquireTotal.WithLabelValues("timeout").Inc()
			return nil, poolerr.PoolTimeout(timeoutSeconds)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		metrics.AcquireWaitSeconds.WithLabelValues(addr.String()).Observe(time.Since(waitStarted).Seconds())
	}
}

func (c *Core) healthCheck(ctx context.Context, conn boltconn.Connection, livenessTimeout time.Duration, deadline time.Time) bool {
	if conn.Closed() || conn.Defunct() || conn.Stale() {
		return false
	}
	if livenessTimeout > 0 && conn.IsIdleFor(livenessTimeout) {
		resetCtx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()
		if err := conn.Reset(resetCtx); err != nil {
			return false
		}
	}
	return true
}

// hasCapacityLocked and dropConnection take an Identity-normalized key.
func (c *Core) hasCapacityLocked(key address.Address) bool {
	if c.config.Unbounded() {
		return true
	}
	return len(c.connections[key])+c.reservations[key] < c.config.MaxConnectionPoolSize
}

func (c *Core) dropConnection(key address.Address, target boltconn.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.connections[key]
	for i, conn := range bucket {
		if conn == target {
			c.connections[key] = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	if len(c.connections[key]) == 0 {
		delete(c.connections, key)
	}
}

// Release returns conns to their idle lists. Reset failures are logged
// and swallowed; a captured cancellation switches the remaining
// connections in the batch to Kill and is re-raised after in_use is
// cleared and waiters are notified.
func (c *Core) Release(ctx context.Context, conns ...boltconn.Connection) error {
	var cancelled error
	killRemaining := false

	for _, conn := range conns {
		if killRemaining {
			conn.Kill()
			continue
		}
		if conn.Closed() || conn.Defunct() || conn.IsReset() {
			continue
		}
		if err := conn.Reset(ctx); err != nil {
			if ctx.Err() != nil {
				cancelled = ctx.Err()
				killRemaining = true
				conn.Kill()
				continue
			}
			log.Printf("[pool] reset on release failed for %s: %v", conn.ID(), err)
		}
	}

	c.mu.Lock()
	for _, conn := range conns {
		conn.SetInUse(false)
		c.moveToTailLocked(conn)
	}
	c.wake.notifyAll()
	c.mu.Unlock()

	if cancelled != nil {
		return cancelled
	}
	return nil
}

// moveToTailLocked relocates conn to the end of its bucket so the
// reuse scan in AcquireForAddress, which walks a bucket tail-first,
// hands out the most-recently-released connection first — matching
// the teacher's own popIdle LIFO reuse policy. Called with mu held.
func (c *Core) moveToTailLocked(conn boltconn.Connection) {
	for addr, bucket := range c.connections {
		for i, candidate := range bucket {
			if candidate != conn {
				continue
			}
			if i == len(bucket)-1 {
				return
			}
			moved := append(bucket[:i:i], bucket[i+1:]...)
			c.connections[addr] = append(moved, conn)
			return
		}
	}
}

// KillAndRelease forcefully tears down conns and wakes waiters.
func (c *Core) KillAndRelease(conns ...boltconn.Connection) {
	for _, conn := range conns {
		if !conn.Defunct() && !conn.Closed() {
			conn.Kill()
		}
	}

	c.mu.Lock()
	for _, conn := range conns {
		conn.SetInUse(false)
	}
	c.wake.notifyAll()
	c.mu.Unlock()
}

// Addresses returns every address the core currently tracks a bucket
// for, used by the routing pool to prune entries whose address has
// fallen out of a freshly updated routing table.
func (c *Core) Addresses() []address.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]address.Address, 0, len(c.connections))
	for a := range c.connections {
		addrs = append(addrs, a)
	}
	return addrs
}

// InUseConnectionCount reports how many connections to addr are
// currently checked out.
func (c *Core) InUseConnectionCount(addr address.Address) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, conn := range c.connections[addr.Identity()] {
		if conn.InUse() {
			n++
		}
	}
	return n
}

// Deactivate drops addr's bucket: idle connections are closed, in-use
// ones are left with their holders and discarded on release once the
// bucket no longer exists.
func (c *Core) Deactivate(addr address.Address) {
	key := addr.Identity()
	c.mu.Lock()
	bucket := c.connections[key]
	var idle, inUse []boltconn.Connection
	for _, conn := range bucket {
		if conn.InUse() {
			inUse = append(inUse, conn)
		} else {
			idle = append(idle, conn)
		}
	}
	if len(inUse) == 0 {
		delete(c.connections, key)
	} else {
		c.connections[key] = inUse
	}
	c.mu.Unlock()

	metrics.DeactivationsTotal.WithLabelValues(key.String()).Inc()
	c.reportGauges(key)
	c.closeMany(idle)
}

// closeMany closes every connection in conns. Connection.Close in this
// module takes no context, so there is no cancellation signal to
// observe mid-loop; each close is simply best-effort and logged on
// failure.
func (c *Core) closeMany(conns []boltconn.Connection) {
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			log.Printf("[pool] close failed for %s: %v", conn.ID(), err)
		}
	}
}

// MarkAllStale flags every pooled connection as stale so future
// liveness checks reject it on next acquire.
func (c *Core) MarkAllStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bucket := range c.connections {
		for _, conn := range bucket {
			conn.SetStale()
		}
	}
}

// Close gracefully closes every pooled connection and clears all
// state. Idempotent: a second call finds nothing to do.
func (c *Core) Close() error {
	c.mu.Lock()
	all := make([]boltconn.Connection, 0)
	for addr, bucket := range c.connections {
		all = append(all, bucket...)
		delete(c.connections, addr)
	}
	c.mu.Unlock()

	c.closeMany(all)
	c.mu.Lock()
	c.wake.notifyAll()
	c.mu.Unlock()
	return nil
}

func (c *Core) reportGauges(key address.Address) {
	c.mu.Lock()
	bucket := c.connections[key]
	idle, active := 0, 0
	for _, conn := range bucket {
		if conn.InUse() {
			active++
		} else {
			idle++
		}
	}
	reserved := c.reservations[key]
	c.mu.Unlock()

	label := key.String()
	metrics.ConnectionsIdle.WithLabelValues(label).Set(float64(idle))
	metrics.ConnectionsActive.WithLabelValues(label).Set(float64(active))
	metrics.ConnectionsReserved.WithLabelValues(label).Set(float64(reserved))
}
