package boltconn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeConnection is an always-healthy (unless told otherwise) test
// double satisfying Connection: a mutex guarding a small state struct,
// with explicit transition helpers instead of exposing the raw fields.
type FakeConnection struct {
	mu sync.Mutex

	id         string
	inUse      bool
	pool       any
	closed     bool
	defunct    bool
	stale      bool
	isReset    bool
	lastUsedAt time.Time

	// ResetErr, when set, is returned by every Reset call and also
	// flips IsReset to false — used to exercise the liveness-check and
	// release-time reset failure paths.
	ResetErr error
	// ResetCount counts Reset invocations.
	ResetCount int
	// KillCount / CloseCount record forceful/graceful teardown calls.
	KillCount  int
	CloseCount int

	// RouteReply, when RouteErr is nil, is returned by every Route call
	// — lets tests script the ROUTE server lists the routing pool
	// control loop sees without a real Bolt server.
	RouteReply RouteReply
	// RouteErr, when set, is returned by every Route call instead of
	// RouteReply — used to exercise discovery failures (per-router
	// deactivation, fatal-during-discovery abort).
	RouteErr error
	// RouteCalls counts Route invocations.
	RouteCalls int
}

// NewFakeConnection builds a fresh, healthy, reset FakeConnection.
func NewFakeConnection() *FakeConnection {
	return &FakeConnection{
		id:         "fake-" + uuid.NewString(),
		isReset:    true,
		lastUsedAt: time.Now(),
	}
}

// MarkNotReset forces is_reset to false from the caller's side, without
// going through a real Reset call, so tests can assert that release
// issues exactly one reset on a connection that needs it.
func (c *FakeConnection) MarkNotReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isReset = false
}

func (c *FakeConnection) ID() string { return c.id }

func (c *FakeConnection) InUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

func (c *FakeConnection) SetInUse(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inUse = v
	if !v {
		c.lastUsedAt = time.Now()
	}
}

func (c *FakeConnection) Pool() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool
}

func (c *FakeConnection) SetPool(p any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool = p
}

func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConnection) Defunct() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defunct
}

func (c *FakeConnection) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

func (c *FakeConnection) SetStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

func (c *FakeConnection) IsReset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isReset
}

func (c *FakeConnection) IsIdleFor(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt) >= d
}

func (c *FakeConnection) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResetCount++
	if c.ResetErr != nil {
		c.isReset = false
		return c.ResetErr
	}
	c.isReset = true
	c.lastUsedAt = time.Now()
	return nil
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.CloseCount++
	return nil
}

func (c *FakeConnection) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defunct = true
	c.closed = true
	c.KillCount++
}

func (c *FakeConnection) Route(ctx context.Context, database, impersonatedUser string, bookmarks []string) (RouteReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RouteCalls++
	if c.RouteErr != nil {
		return RouteReply{}, c.RouteErr
	}
	return c.RouteReply, nil
}
