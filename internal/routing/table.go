// Package routing implements the Routing Pool: per-database routing
// tables plus the selection policy layered on top of the Pool Core,
// using TTL-plus-grace expiry to decide when a table needs refreshing
// or can be dropped entirely.
package routing

import (
	"time"

	"github.com/arantesdev/boltpool/internal/boltconn"
	"github.com/arantesdev/boltpool/pkg/address"
)

// Role is a server's capability within a database's cluster topology.
type Role string

const (
	RoleRoute Role = "ROUTE"
	RoleRead  Role = "READ"
	RoleWrite Role = "WRITE"
)

// Table is one database's routing table.
type Table struct {
	Database string

	Routers map[address.Address]struct{}
	Readers map[address.Address]struct{}
	Writers map[address.Address]struct{}

	TTL             time.Duration
	LastUpdatedTime time.Time

	InitialRouters []address.Address

	// InitializedWithoutWriters records whether the first successful
	// fetch had no writers; used to bias re-fetch toward the initial
	// router.
	InitializedWithoutWriters bool
	everUpdated               bool
}

// NewTable seeds a fresh table with routers = {initial router}.
func NewTable(database string, initialRouters []address.Address) *Table {
	t := &Table{
		Database:       database,
		Routers:        map[address.Address]struct{}{},
		Readers:        map[address.Address]struct{}{},
		Writers:        map[address.Address]struct{}{},
		InitialRouters: initialRouters,
	}
	for _, r := range initialRouters {
		t.Routers[r.Identity()] = struct{}{}
	}
	return t
}

// normalizeSet rebuilds set keyed by Identity, so lookups and deletes
// work no matter whether an entry arrived resolved (from a ROUTE reply)
// or unresolved (from configuration).
func normalizeSet(set map[address.Address]struct{}) map[address.Address]struct{} {
	out := make(map[address.Address]struct{}, len(set))
	for a := range set {
		out[a.Identity()] = struct{}{}
	}
	return out
}

// IsFresh reports whether the table is non-expired and has a non-empty
// role-set for the requested view.
func (t *Table) IsFresh(readonly bool) bool {
	if len(t.Routers) == 0 {
		return false
	}
	if time.Now().After(t.LastUpdatedTime.Add(t.TTL)) {
		return false
	}
	if readonly {
		return len(t.Readers) > 0
	}
	return len(t.Writers) > 0
}

// ShouldBePurgedFromMemory reports whether the table is old enough to
// be dropped entirely rather than merely refreshed.
func (t *Table) ShouldBePurgedFromMemory(grace time.Duration) bool {
	return time.Now().After(t.LastUpdatedTime.Add(t.TTL).Add(grace))
}

// Update replaces the router/reader/writer sets, ttl, and last-updated
// time.
func (t *Table) Update(routers, readers, writers map[address.Address]struct{}, ttl time.Duration) {
	t.Routers = normalizeSet(routers)
	t.Readers = normalizeSet(readers)
	t.Writers = normalizeSet(writers)
	t.TTL = ttl
	t.LastUpdatedTime = time.Now()

	if !t.everUpdated {
		t.everUpdated = true
		t.InitializedWithoutWriters = len(writers) == 0
	}
}

// Servers returns the merged router ∪ reader ∪ writer set, used by
// ensure_routing_table_is_fresh to prune stale pool entries.
func (t *Table) Servers() map[address.Address]struct{} {
	merged := make(map[address.Address]struct{}, len(t.Routers)+len(t.Readers)+len(t.Writers))
	for a := range t.Routers {
		merged[a] = struct{}{}
	}
	for a := range t.Readers {
		merged[a] = struct{}{}
	}
	for a := range t.Writers {
		merged[a] = struct{}{}
	}
	return merged
}

// RemoveAddress drops addr from every role set.
func (t *Table) RemoveAddress(addr address.Address) {
	key := addr.Identity()
	delete(t.Routers, key)
	delete(t.Readers, key)
	delete(t.Writers, key)
}

// RemoveWriter drops addr from the writer set only.
func (t *Table) RemoveWriter(addr address.Address) {
	delete(t.Writers, addr.Identity())
}

// ParseRoutingInfo interprets a ROUTE reply into router/reader/writer
// sets. Addresses reported by the server are treated as already
// resolved.
func ParseRoutingInfo(reply boltconn.RouteReply) (routers, readers, writers map[address.Address]struct{}, err error) {
	routers = map[address.Address]struct{}{}
	readers = map[address.Address]struct{}{}
	writers = map[address.Address]struct{}{}

	for _, server := range reply.Servers {
		var target map[address.Address]struct{}
		switch Role(server.Role) {
		case RoleRoute:
			target = routers
		case RoleRead:
			target = readers
		case RoleWrite:
			target = writers
		default:
			continue
		}
		for _, raw := range server.Addresses {
			a, perr := address.Parse(raw)
			if perr != nil {
				return nil, nil, nil, perr
			}
			target[a] = struct{}{}
		}
	}
	return routers, readers, writers, nil
}
