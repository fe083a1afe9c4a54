package boltconn

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arantesdev/boltpool/internal/poolerr"
	"github.com/arantesdev/boltpool/pkg/address"
)

// boltMagicPreamble is the four-byte sequence that opens every Bolt
// handshake, per the protocol's wire format.
var boltMagicPreamble = [4]byte{0x60, 0x60, 0xB0, 0x17}

// resetTag/resetAck stand in for the chunked RESET message and its
// SUCCESS acknowledgement. Full PackStream message encoding sits
// outside this module; this is just enough framing to exercise a real
// round trip over the wire for the liveness check and release paths
// without pulling in a complete Bolt codec.
var (
	resetTag = [2]byte{0x00, 0x01}
	resetAck = [2]byte{0x00, 0x00}
)

// routeTag/routeAckSuccess/routeAckFailure stand in for the chunked
// ROUTE message and its SUCCESS/FAILURE acknowledgement, same framing
// shortcut as resetTag/resetAck above. A FAILURE ack is followed by a
// 2-byte big-endian length and that many bytes of Neo4j status code
// (e.g. "Neo.ClientError.Security.Unauthorized"), which
// classifyRouteFailure inspects to decide whether the failure is fatal
// to the whole discovery attempt.
var (
	routeTag        = [2]byte{0x00, 0x02}
	routeAckSuccess = [2]byte{0x00, 0x00}
	routeAckFailure = [2]byte{0x00, 0x01}
)

// realConnection is a minimal, real TCP-backed Connection: it performs
// the magic-preamble handshake and a RESET-equivalent round trip, but
// does not implement cypher/result message framing.
type realConnection struct {
	mu sync.Mutex

	id      string
	addr    address.Address
	conn    net.Conn
	inUse   bool
	pool    any
	closed  bool
	defunct bool
	stale   bool
	isReset bool

	lastUsedAt time.Time
}

// Open dials addr, performs the Bolt handshake, and returns a connection
// ready for use. It returns a poolerr.ServiceUnavailable-classified
// error on any transport failure, matching the Opener contract;
// callers import internal/poolerr to classify it.
func Open(ctx context.Context, addr address.Address, timeout time.Duration) (Connection, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, transportError("dial", addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, transportError("set deadline", addr, err)
	}

	if _, err := conn.Write(boltMagicPreamble[:]); err != nil {
		conn.Close()
		return nil, transportError("handshake write", addr, err)
	}
	// Version proposal: four 4-byte version entries, zeroed beyond the
	// first because this module speaks one protocol version.
	versions := make([]byte, 16)
	binary.BigEndian.PutUint32(versions[0:4], 1)
	if _, err := conn.Write(versions); err != nil {
		conn.Close()
		return nil, transportError("handshake write", addr, err)
	}

	chosen := make([]byte, 4)
	if _, err := readFull(conn, chosen); err != nil {
		conn.Close()
		return nil, transportError("handshake read", addr, err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, transportError("clear deadline", addr, err)
	}

	return &realConnection{
		id:         "conn-" + uuid.NewString(),
		addr:       addr,
		conn:       conn,
		isReset:    true,
		lastUsedAt: time.Now(),
	}, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *realConnection) ID() string { return c.id }

func (c *realConnection) InUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

func (c *realConnection) SetInUse(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inUse = v
	if !v {
		c.lastUsedAt = time.Now()
	}
}

func (c *realConnection) Pool() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool
}

func (c *realConnection) SetPool(p any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool = p
}

func (c *realConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *realConnection) Defunct() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defunct
}

func (c *realConnection) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

func (c *realConnection) SetStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

func (c *realConnection) IsReset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isReset
}

func (c *realConnection) IsIdleFor(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt) >= d
}

func (c *realConnection) Reset(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(resetTag[:]); err != nil {
		c.markDefunct()
		return transportError("reset write", c.addr, err)
	}
	ack := make([]byte, 2)
	if _, err := readFull(conn, ack); err != nil {
		c.markDefunct()
		return transportError("reset read", c.addr, err)
	}
	if !bytes.Equal(ack, resetAck[:]) {
		c.markDefunct()
		return fmt.Errorf("unexpected reset ack from %s", c.addr)
	}

	c.mu.Lock()
	c.isReset = true
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *realConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	return conn.Close()
}

func (c *realConnection) Kill() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.defunct = true
	conn := c.conn
	c.mu.Unlock()
	// Best effort, never blocks: a closed socket unblocks any
	// in-flight read/write immediately.
	go conn.Close()
}

func (c *realConnection) Route(ctx context.Context, database, impersonatedUser string, bookmarks []string) (RouteReply, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(routeTag[:]); err != nil {
		c.markDefunct()
		return RouteReply{}, transportError("route write", c.addr, err)
	}
	ack := make([]byte, 2)
	if _, err := readFull(conn, ack); err != nil {
		c.markDefunct()
		return RouteReply{}, transportError("route read", c.addr, err)
	}

	switch {
	case bytes.Equal(ack, routeAckSuccess[:]):
		return RouteReply{}, nil
	case bytes.Equal(ack, routeAckFailure[:]):
		lenBuf := make([]byte, 2)
		if _, err := readFull(conn, lenBuf); err != nil {
			c.markDefunct()
			return RouteReply{}, transportError("route failure read", c.addr, err)
		}
		code := make([]byte, binary.BigEndian.Uint16(lenBuf))
		if _, err := readFull(conn, code); err != nil {
			c.markDefunct()
			return RouteReply{}, transportError("route failure read", c.addr, err)
		}
		return RouteReply{}, classifyRouteFailure(string(code))
	default:
		c.markDefunct()
		return RouteReply{}, fmt.Errorf("unexpected route ack from %s", c.addr)
	}
}

// classifyRouteFailure maps a Neo4j status code reported during ROUTE
// to a fatal-during-discovery error when it names the Security
// classification (authentication/authorization), matching the real
// driver's rule that those must abort routing-table discovery rather
// than being retried against a sibling router.
func classifyRouteFailure(code string) error {
	err := fmt.Errorf("boltconn: ROUTE failed with %s", code)
	if strings.Contains(code, "Security") {
		return poolerr.NewFatalDuringDiscovery(err)
	}
	return err
}

func (c *realConnection) markDefunct() {
	c.mu.Lock()
	c.defunct = true
	c.mu.Unlock()
}

func transportError(step string, addr address.Address, err error) error {
	return poolerr.NewServiceUnavailable(fmt.Sprintf("boltconn: %s to %s", step, addr), err)
}
