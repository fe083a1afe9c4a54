// Package boltconn defines the pool's one real external collaborator:
// the Connection contract plus the two implementations this module
// ships — a minimal real Bolt handshake/reset stub good enough to open
// a TCP connection and round-trip a RESET-equivalent message, and a
// deterministic in-memory fake used by tests and the bench CLI. Full
// Bolt wire framing (PackStream, chunking, the message catalogue) is
// out of scope here; the pool only ever touches connections through
// this interface.
package boltconn

import (
	"context"
	"time"

	"github.com/arantesdev/boltpool/pkg/address"
)

// RouteServer is one entry of a ROUTE reply's server list: a role
// (ROUTE, READ, or WRITE) and the addresses currently holding it.
type RouteServer struct {
	Role      string
	Addresses []string
}

// RouteReply is what Connection.Route hands back: the pool reads
// records[0].servers, records[0].ttl (seconds), and an optional
// records[0].db (the resolved database name).
type RouteReply struct {
	Servers  []RouteServer
	TTL      time.Duration
	Database string // resolved database name; empty if unreported
}

// Connection is an owned handle to an open Bolt session. The pool
// treats it opaquely beyond these predicates and operations.
type Connection interface {
	// ID is a stable, log- and metrics-friendly identifier.
	ID() string

	// InUse / SetInUse is the exclusive checkout flag, mutated only
	// under the owning pool's lock.
	InUse() bool
	SetInUse(bool)

	// Pool / SetPool is the weak back-reference to the owning pool,
	// set on checkout so upper layers can release without threading
	// the pool through every API.
	Pool() any
	SetPool(any)

	// Closed, Defunct and Stale are monotonic: once true, they stay
	// true for the lifetime of the connection.
	Closed() bool
	Defunct() bool
	Stale() bool
	// SetStale marks the connection unhealthy without closing it; used
	// by Core.MarkAllStale.
	SetStale()

	// IsReset reports whether the connection is in clean protocol
	// state: no in-flight failure, no unacked messages.
	IsReset() bool

	// IsIdleFor reports whether the connection has been idle at least d.
	IsIdleFor(d time.Duration) bool

	// Reset performs a protocol RESET round trip, bounded by ctx.
	Reset(ctx context.Context) error

	// Close gracefully closes the connection. A no-op if already closed.
	Close() error

	// Kill forcefully and non-blockingly marks the connection defunct
	// and severs its transport. Must never block the caller.
	Kill()

	// Route issues a ROUTE request. Only ever called by the Routing
	// Pool against a router address.
	Route(ctx context.Context, database, impersonatedUser string, bookmarks []string) (RouteReply, error)
}

// Opener is the injected connection constructor: it must return a
// ServiceUnavailable (see internal/poolerr) on transport failure, a
// ClientError on unrecoverable protocol misconfiguration, and a
// ready-to-use Connection otherwise.
type Opener func(ctx context.Context, addr address.Address, timeout time.Duration) (Connection, error)
