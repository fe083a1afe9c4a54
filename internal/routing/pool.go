package routing

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arantesdev/boltpool/internal/boltconn"
	"github.com/arantesdev/boltpool/internal/metrics"
	"github.com/arantesdev/boltpool/internal/pool"
	"github.com/arantesdev/boltpool/internal/poolconf"
	"github.com/arantesdev/boltpool/internal/poolerr"
	"github.com/arantesdev/boltpool/pkg/address"
)

// Pool wraps a Pool Core with per-database routing tables and a
// minimal-in-use-count address selection policy.
type Pool struct {
	core *pool.Core

	initialAddress address.Address
	resolver       address.Resolver
	routingCfg     poolconf.RoutingConfig

	mu            sync.Mutex
	routingTables map[string]*Table

	// refresh coalesces concurrent table updates for the same database
	// into one in-flight fetch, so databases refresh independently
	// instead of serializing behind one pool-wide lock.
	refresh singleflight.Group

	// choose picks an index in [0,n) for random tie-breaks in
	// SelectAddress. Overridable so tests can inject a deterministic
	// chooser.
	choose func(n int) int
}

// New builds a Routing Pool seeded with initialAddress as the first
// router for every database it will be asked about.
func New(opener boltconn.Opener, poolCfg poolconf.PoolConfig, routingCfg poolconf.RoutingConfig, initialAddress address.Address, resolver address.Resolver) *Pool {
	if resolver == nil {
		resolver = address.Identity
	}
	return &Pool{
		core:           pool.NewCore(opener, poolCfg),
		initialAddress: initialAddress,
		resolver:       resolver,
		routingCfg:     routingCfg,
		routingTables:  make(map[string]*Table),
		choose:         rand.Intn,
	}
}

// String renders the pool with its seed router for log lines.
func (p *Pool) String() string {
	return fmt.Sprintf("RoutingPool(initial=%s)", p.initialAddress)
}

// EnsureRoutingTableIsFresh purges stale tables, seeds a new table for
// database if needed, and refreshes it from a router if it isn't fresh
// for the requested role. It reports whether a refresh actually ran.
func (p *Pool) EnsureRoutingTableIsFresh(ctx context.Context, role Role, database, impersonatedUser string, bookmarks []string, acqTimeout time.Duration, onDatabaseResolved func(string)) (bool, error) {
	p.mu.Lock()
	for db, t := range p.routingTables {
		if t.ShouldBePurgedFromMemory(p.routingCfg.PurgeGracePeriod) {
			delete(p.routingTables, db)
		}
	}
	table, ok := p.routingTables[database]
	if !ok {
		table = NewTable(database, []address.Address{p.initialAddress})
		p.routingTables[database] = table
	}
	fresh := table.IsFresh(role == RoleRead)
	p.mu.Unlock()

	if fresh {
		return false, nil
	}

	_, err, _ := p.refresh.Do(database, func() (any, error) {
		return nil, p.updateRoutingTable(ctx, database, impersonatedUser, bookmarks, acqTimeout, onDatabaseResolved)
	})
	if err != nil {
		metrics.RoutingTableRefreshTotal.WithLabelValues(database, "error").Inc()
		return false, err
	}
	metrics.RoutingTableRefreshTotal.WithLabelValues(database, "ok").Inc()

	p.mu.Lock()
	merged := p.routingTables[database].Servers()
	p.reportServerGauges(database, p.routingTables[database])
	p.mu.Unlock()

	for _, a := range p.core.Addresses() {
		if _, stillKnown := merged[a]; !stillKnown {
			p.core.Deactivate(a)
		}
	}
	return true, nil
}

// updateRoutingTable tries the initial router first or last depending
// on whether the table's first fetch ever saw a writer, then the rest
// of the known routers, resolving each candidate and fetching from its
// resolved addresses in turn.
func (p *Pool) updateRoutingTable(ctx context.Context, database, impersonatedUser string, bookmarks []string, timeout time.Duration, onDatabaseResolved func(string)) error {
	p.mu.Lock()
	table := p.routingTables[database]
	preferInitial := table.InitializedWithoutWriters
	existingRouters := make([]address.Address, 0, len(table.Routers))
	for a := range table.Routers {
		if !a.Equal(p.initialAddress) {
			existingRouters = append(existingRouters, a)
		}
	}
	p.mu.Unlock()

	var order []address.Address
	if preferInitial {
		order = append(order, p.initialAddress)
		order = append(order, existingRouters...)
	} else {
		order = append(order, existingRouters...)
		order = append(order, p.initialAddress)
	}

	var lastErr error
	for _, router := range order {
		resolved, err := p.resolver(router)
		if err != nil || len(resolved) == 0 {
			p.Deactivate(router)
			continue
		}

		succeeded := false
		for _, addr := range resolved {
			reply, ferr := p.fetchRoutingTable(ctx, addr, database, impersonatedUser, bookmarks, timeout)
			if ferr != nil {
				if poolerr.IsFatalDuringDiscovery(ferr) {
					return ferr
				}
				lastErr = ferr
				continue
			}
			if reply == nil {
				continue
			}

			routers, readers, writers, perr := ParseRoutingInfo(*reply)
			if perr != nil {
				lastErr = perr
				continue
			}

			p.mu.Lock()
			p.routingTables[database].Update(routers, readers, writers, reply.TTL)
			p.mu.Unlock()

			if onDatabaseResolved != nil && reply.Database != "" && reply.Database != database {
				onDatabaseResolved(reply.Database)
			}
			succeeded = true
			break
		}
		if succeeded {
			return nil
		}
		p.Deactivate(router)
	}

	return poolerr.NewServiceUnavailable("Unable to retrieve routing information", lastErr)
}

// fetchRoutingTable opens a connection to addr, issues ROUTE, and
// checks that the reply names at least one router and one reader; the
// caller parses it. It returns (nil, nil) for any outcome treated as
// "this router had nothing usable" rather than fatal.
func (p *Pool) fetchRoutingTable(ctx context.Context, addr address.Address, database, impersonatedUser string, bookmarks []string, timeout time.Duration) (*boltconn.RouteReply, error) {
	conn, err := p.core.AcquireForAddress(ctx, addr, timeout, 0)
	if err != nil {
		if poolerr.IsServiceUnavailable(err) || poolerr.IsSessionExpired(err) {
			return nil, nil
		}
		return nil, err
	}
	defer p.core.Release(ctx, conn)

	reply, err := conn.Route(ctx, database, impersonatedUser, bookmarks)
	if err != nil {
		return nil, err
	}

	hasRouters, hasReaders := false, false
	for _, s := range reply.Servers {
		switch Role(s.Role) {
		case RoleRoute:
			hasRouters = hasRouters || len(s.Addresses) > 0
		case RoleRead:
			hasReaders = hasReaders || len(s.Addresses) > 0
		}
	}
	if !hasRouters || !hasReaders {
		return nil, nil
	}
	return &reply, nil
}

// SelectAddress picks an address of the requested role with minimal
// in-use connection count, breaking ties uniformly at random.
func (p *Pool) SelectAddress(role Role, database string) (address.Address, error) {
	p.mu.Lock()
	table, ok := p.routingTables[database]
	var addrs []address.Address
	if ok {
		var candidates map[address.Address]struct{}
		if role == RoleRead {
			candidates = table.Readers
		} else {
			candidates = table.Writers
		}
		addrs = make([]address.Address, 0, len(candidates))
		for a := range candidates {
			addrs = append(addrs, a)
		}
	}
	p.mu.Unlock()

	// Map iteration order is random; sort so the index handed to choose
	// names the same address on every call.
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })

	if len(addrs) == 0 {
		if role == RoleRead {
			return address.Address{}, &poolerr.ReadServiceUnavailable{Msg: fmt.Sprintf("no readers available for database %q", database)}
		}
		return address.Address{}, &poolerr.WriteServiceUnavailable{Msg: fmt.Sprintf("no writers available for database %q", database)}
	}

	counts := make([]int, len(addrs))
	min := -1
	for i, a := range addrs {
		n := p.core.InUseConnectionCount(a)
		counts[i] = n
		if min == -1 || n < min {
			min = n
		}
	}
	var group []address.Address
	for i, a := range addrs {
		if counts[i] == min {
			group = append(group, a)
		}
	}
	return group[p.choose(len(group))], nil
}

// Acquire validates role and timeout, ensures the routing table is
// fresh, then selects and acquires an address, retrying with a fresh
// selection on any address-local failure.
func (p *Pool) Acquire(ctx context.Context, role Role, database, impersonatedUser string, bookmarks []string, timeout, livenessTimeout time.Duration) (boltconn.Connection, error) {
	if role != RoleRead && role != RoleWrite {
		return nil, poolerr.NewClientError("invalid role %q: must be READ or WRITE", role)
	}
	if timeout <= 0 {
		return nil, poolerr.NewClientError("acquire timeout must be positive, got %s", timeout)
	}

	if _, err := p.EnsureRoutingTableIsFresh(ctx, role, database, impersonatedUser, bookmarks, timeout, nil); err != nil {
		return nil, err
	}

	for {
		addr, err := p.SelectAddress(role, database)
		if err != nil {
			return nil, poolerr.NewSessionExpired("%v", err)
		}

		conn, err := p.core.AcquireForAddress(ctx, addr, timeout, livenessTimeout)
		if err == nil {
			return conn, nil
		}
		if poolerr.IsServiceUnavailable(err) || poolerr.IsSessionExpired(err) {
			p.Deactivate(addr)
			continue
		}
		return nil, err
	}
}

// Deactivate removes addr from every routing table's role sets, then
// closes its idle connections via the core.
func (p *Pool) Deactivate(addr address.Address) {
	p.mu.Lock()
	for _, t := range p.routingTables {
		t.RemoveAddress(addr)
	}
	p.mu.Unlock()
	p.core.Deactivate(addr)
}

// OnWriteFailure removes addr from every table's writer set without
// closing any connection.
func (p *Pool) OnWriteFailure(addr address.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.routingTables {
		t.RemoveWriter(addr)
	}
}

// Release returns conns to the core's idle list.
func (p *Pool) Release(ctx context.Context, conns ...boltconn.Connection) error {
	return p.core.Release(ctx, conns...)
}

// KillAndRelease forcefully tears down conns.
func (p *Pool) KillAndRelease(conns ...boltconn.Connection) {
	p.core.KillAndRelease(conns...)
}

// MarkAllStale flags every pooled connection as stale.
func (p *Pool) MarkAllStale() {
	p.core.MarkAllStale()
}

// Close gracefully shuts the pool down.
func (p *Pool) Close() error {
	return p.core.Close()
}

func (p *Pool) reportServerGauges(database string, table *Table) {
	metrics.RoutingTableServers.WithLabelValues(database, string(RoleRoute)).Set(float64(len(table.Routers)))
	metrics.RoutingTableServers.WithLabelValues(database, string(RoleRead)).Set(float64(len(table.Readers)))
	metrics.RoutingTableServers.WithLabelValues(database, string(RoleWrite)).Set(float64(len(table.Writers)))
}
