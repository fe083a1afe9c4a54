// Package directpool implements the Direct Pool: a Pool Core pinned to
// one fixed address, ignoring role and database on every acquire.
package directpool

import (
	"context"
	"fmt"
	"time"

	"github.com/arantesdev/boltpool/internal/boltconn"
	"github.com/arantesdev/boltpool/internal/pool"
	"github.com/arantesdev/boltpool/internal/poolconf"
	"github.com/arantesdev/boltpool/pkg/address"
)

// Pool is a connection pool bound to a single server address. Role and
// database have no meaning against a single fixed server, so Acquire
// carries neither.
type Pool struct {
	core *pool.Core
	addr address.Address
}

// New builds a Direct Pool targeting addr.
func New(opener boltconn.Opener, cfg poolconf.PoolConfig, addr address.Address) *Pool {
	return &Pool{
		core: pool.NewCore(opener, cfg),
		addr: addr,
	}
}

// String renders the pool with its fixed address for log lines.
func (p *Pool) String() string {
	return fmt.Sprintf("DirectPool(%s)", p.addr)
}

// Acquire delegates to the core against the pool's fixed address.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration, livenessTimeout time.Duration) (boltconn.Connection, error) {
	return p.core.AcquireForAddress(ctx, p.addr, timeout, livenessTimeout)
}

// Release returns conns to the idle list.
func (p *Pool) Release(ctx context.Context, conns ...boltconn.Connection) error {
	return p.core.Release(ctx, conns...)
}

// KillAndRelease forcefully tears down conns.
func (p *Pool) KillAndRelease(conns ...boltconn.Connection) {
	p.core.KillAndRelease(conns...)
}

// InUseConnectionCount reports the pool's current checkout count.
func (p *Pool) InUseConnectionCount() int {
	return p.core.InUseConnectionCount(p.addr)
}

// MarkAllStale flags every pooled connection as stale.
func (p *Pool) MarkAllStale() {
	p.core.MarkAllStale()
}

// Close gracefully shuts the pool down.
func (p *Pool) Close() error {
	return p.core.Close()
}
