// Package address defines the endpoint type the pool keys connections by.
// An Address is unresolved as configured, and resolved once a Resolver
// has expanded it to a concrete host or when Parse reads it from a ROUTE
// reply.
package address

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is an opaque, structurally-comparable endpoint. Go's map
// lookups compare every struct field, Resolved included, so maps must
// key by Identity() — otherwise a resolved and an unresolved rendering
// of the same host:port would be two different keys.
type Address struct {
	Host string
	Port int

	// Resolved marks whether this Address has already been through a
	// Resolver (or came from a ROUTE reply). Pool and routing-table maps
	// key by Identity(), which clears this bit, so it does not decide
	// which bucket or table entry an address lands in.
	Resolved bool
}

// New builds an unresolved Address.
func New(host string, port int) Address {
	return Address{Host: host, Port: port}
}

// Resolve returns a copy marked as resolved. Resolution itself (DNS) is
// the Resolver's job; this just flips the bookkeeping bit once a
// Resolver has handed back a concrete Address.
func (a Address) Resolve() Address {
	a.Resolved = true
	return a
}

// Identity returns the form of a used as a map key: host and port
// only, Resolved bit zeroed. Every map keyed by Address stores and
// looks up through this, so structural equality governs identity no
// matter which form a caller holds.
func (a Address) Identity() Address {
	a.Resolved = false
	return a
}

// Equal reports structural equality, ignoring the Resolved bit — two
// addresses that name the same host:port are the same address whether
// or not one of them came out of a Resolver.
func (a Address) Equal(other Address) bool {
	return a.Identity() == other.Identity()
}

func (a Address) String() string {
	return a.Host + ":" + strconv.Itoa(a.Port)
}

// Parse splits a "host:port" string, as reported by a ROUTE reply,
// into an Address. Server-reported addresses name concrete endpoints
// rather than DNS aliases, so the result is marked already resolved —
// only a Routing Pool's seed/router address goes through a Resolver.
func Parse(hostPort string) (Address, error) {
	host, portStr, ok := strings.Cut(hostPort, ":")
	if !ok {
		return Address{}, fmt.Errorf("address: %q is not in host:port form", hostPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("address: %q has a non-numeric port: %w", hostPort, err)
	}
	return Address{Host: host, Port: port, Resolved: true}, nil
}

// Resolver expands one router address (the configured seed or a router
// taken from a routing table) into a sequence of resolved addresses. It
// may yield lazily and may legitimately produce zero results, which the
// caller treats as "this address could not be resolved".
//
// Implementations wrap DNS lookups; that mechanism sits outside this
// module — only this contract is exercised by the pool.
type Resolver func(Address) ([]Address, error)

// Identity is a Resolver that treats every address as already resolved.
// routing.New uses it when given a nil resolver. Resolution only ever
// runs during routing-table updates; the Direct Pool uses no resolver.
func Identity(a Address) ([]Address, error) {
	return []Address{a.Resolve()}, nil
}
