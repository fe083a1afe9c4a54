package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arantesdev/boltpool/internal/boltconn"
	"github.com/arantesdev/boltpool/internal/poolconf"
	"github.com/arantesdev/boltpool/internal/poolerr"
	"github.com/arantesdev/boltpool/pkg/address"
)

func fakeOpener(t *testing.T) boltconn.Opener {
	t.Helper()
	return func(ctx context.Context, addr address.Address, timeout time.Duration) (boltconn.Connection, error) {
		return boltconn.NewFakeConnection(), nil
	}
}

func unboundedConfig() poolconf.PoolConfig {
	return poolconf.PoolConfig{MaxConnectionPoolSize: -1, ConnectionTimeout: 3 * time.Second}
}

// two concurrent acquires for the same address yield distinct
// connections, both checked out.
func TestAcquireTwiceDifferentInstances(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	c1, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	c2, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)

	require.NotSame(t, c1, c2)
	require.Equal(t, 2, core.InUseConnectionCount(addr))
}

// acquire, release, reacquire returns the same connection and the
// idle/active counts follow.
func TestAcquireReleaseReacquire(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	c1, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)

	require.NoError(t, core.Release(context.Background(), c1))
	require.Equal(t, 0, core.InUseConnectionCount(addr))
	require.Len(t, core.connections[addr], 1)

	c2, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, 1, core.InUseConnectionCount(addr))
}

// a pool at capacity one rejects a second acquire with a
// pool-timeout ClientError once its deadline elapses.
func TestPoolCapTimeout(t *testing.T) {
	cfg := poolconf.PoolConfig{MaxConnectionPoolSize: 1, ConnectionTimeout: time.Second}
	core := NewCore(fakeOpener(t), cfg)
	addr := address.New("127.0.0.1", 7687)

	_, err := core.AcquireForAddress(context.Background(), addr, 0, 0)
	require.NoError(t, err)

	_, err = core.AcquireForAddress(context.Background(), addr, 0, 0)
	require.Error(t, err)
	require.True(t, poolerr.IsPoolTimeout(err))
	require.Contains(t, err.Error(), "failed to obtain a connection from the pool within")
	require.Equal(t, 1, core.InUseConnectionCount(addr))
}

// releasing the same connection twice is a no-op past the first
// release.
func TestReleaseTwiceNoOp(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	c1, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)

	require.NoError(t, core.Release(context.Background(), c1))
	require.NoError(t, core.Release(context.Background(), c1))

	require.Equal(t, 0, core.InUseConnectionCount(addr))
	require.Len(t, core.connections[addr], 1)
}

// release calls reset exactly once on a connection that reports
// is_reset=false, and not at all when it already reports true.
func TestLivenessResetCalledOnRelease(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	reset, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, core.Release(context.Background(), reset))
	require.Equal(t, 0, reset.(*boltconn.FakeConnection).ResetCount)

	core.Deactivate(addr) // clear the bucket so the next acquire opens fresh

	notReset, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	fake := notReset.(*boltconn.FakeConnection)
	fake.MarkNotReset()

	require.NoError(t, core.Release(context.Background(), notReset))
	require.Equal(t, 1, fake.ResetCount)
}

// TestDeactivateClosesIdleDropsEmptyBucket checks that after
// deactivate, idle connections are closed and an address with no
// remaining in-use connections disappears from the bucket map.
func TestDeactivateClosesIdleDropsEmptyBucket(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	conn, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, core.Release(context.Background(), conn))

	core.Deactivate(addr)

	_, exists := core.connections[addr]
	require.False(t, exists)
	require.True(t, conn.Closed())
}

// TestDeactivateIdempotent checks that deactivating an address twice
// in a row behaves the same as deactivating it once.
func TestDeactivateIdempotent(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	core.Deactivate(addr)
	core.Deactivate(addr)

	_, exists := core.connections[addr]
	require.False(t, exists)
}

// TestMarkAllStale checks that every pooled connection reports stale
// after a call to MarkAllStale.
func TestMarkAllStale(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	conn, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, core.Release(context.Background(), conn))

	core.MarkAllStale()
	require.True(t, conn.Stale())
}

// TestCloseIdempotent checks that closing the pool twice is safe and
// leaves every connection closed.
func TestCloseIdempotent(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	conn, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, core.Release(context.Background(), conn))

	require.NoError(t, core.Close())
	require.NoError(t, core.Close())

	require.Empty(t, core.connections)
	require.True(t, conn.Closed())
}

// TestReleaseCancellationKillsRemainderAndStillNotifies checks that a
// cancellation surfacing during a batch release downgrades the rest of
// the batch to Kill, still clears in_use on every connection, and
// re-raises the cancellation after the bookkeeping is done.
func TestReleaseCancellationKillsRemainderAndStillNotifies(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	c1, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	c2, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)

	f1 := c1.(*boltconn.FakeConnection)
	f2 := c2.(*boltconn.FakeConnection)
	f1.MarkNotReset()
	f2.MarkNotReset()
	f1.ResetErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = core.Release(ctx, c1, c2)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, f1.KillCount)
	require.Equal(t, 1, f2.KillCount)
	require.Zero(t, f2.ResetCount)
	require.False(t, c1.InUse())
	require.False(t, c2.InUse())
}

// TestStaleConnectionReplacedOnAcquire checks that an idle connection
// flagged stale is closed and dropped by the next acquire's health
// check, which then opens a fresh one.
func TestStaleConnectionReplacedOnAcquire(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	old, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, core.Release(context.Background(), old))

	core.MarkAllStale()

	fresh, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	require.NotSame(t, old, fresh)
	require.True(t, old.Closed())
	require.Len(t, core.connections[addr], 1)
}

// TestLivenessResetFailureDiscardsConnection checks that an idle
// connection failing its liveness reset during acquire is discarded
// rather than handed out, and the acquire still succeeds with a fresh
// connection.
func TestLivenessResetFailureDiscardsConnection(t *testing.T) {
	core := NewCore(fakeOpener(t), unboundedConfig())
	addr := address.New("127.0.0.1", 7687)

	old, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, core.Release(context.Background(), old))

	fake := old.(*boltconn.FakeConnection)
	fake.ResetErr = context.DeadlineExceeded

	// a one-nanosecond idleness threshold forces the liveness reset on
	// reuse (zero disables the check); any positive liveness timeout
	// would do after a sleep at least that long.
	fresh, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, time.Nanosecond)
	require.NoError(t, err)
	require.NotSame(t, old, fresh)
	require.True(t, old.Closed())
}

// TestOpenFailureReleasesReservationAndDeactivates checks that a
// ServiceUnavailable open failure propagates to the caller, releases
// its reservation so the slot doesn't keep counting against capacity,
// and leaves no bucket behind for the address.
func TestOpenFailureReleasesReservationAndDeactivates(t *testing.T) {
	var calls int32
	opener := func(ctx context.Context, addr address.Address, timeout time.Duration) (boltconn.Connection, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, poolerr.NewServiceUnavailable("dial failed", nil)
		}
		return boltconn.NewFakeConnection(), nil
	}
	cfg := poolconf.PoolConfig{MaxConnectionPoolSize: 1, ConnectionTimeout: time.Second}
	core := NewCore(opener, cfg)
	addr := address.New("127.0.0.1", 7687)

	_, err := core.AcquireForAddress(context.Background(), addr, time.Second, 0)
	require.Error(t, err)
	require.True(t, poolerr.IsServiceUnavailable(err))

	core.mu.Lock()
	reserved := core.reservations[addr]
	_, bucketExists := core.connections[addr]
	core.mu.Unlock()
	require.Zero(t, reserved)
	require.False(t, bucketExists)

	// the freed slot must be usable by the next acquire.
	conn, err := core.AcquireForAddress(context.Background(), addr, time.Second, 0)
	require.NoError(t, err)
	require.True(t, conn.InUse())
}

// TestWaiterWokenOnFailedOpen checks that a waiter blocked on pool
// capacity is woken when an in-flight open fails, so it can claim the
// freed reservation instead of sleeping out its deadline.
func TestWaiterWokenOnFailedOpen(t *testing.T) {
	block := make(chan struct{})
	firstEntered := make(chan struct{})
	var calls int32
	opener := func(ctx context.Context, addr address.Address, timeout time.Duration) (boltconn.Connection, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(firstEntered)
			<-block
			return nil, poolerr.NewServiceUnavailable("dial failed", nil)
		}
		return boltconn.NewFakeConnection(), nil
	}
	cfg := poolconf.PoolConfig{MaxConnectionPoolSize: 1, ConnectionTimeout: time.Second}
	core := NewCore(opener, cfg)
	addr := address.New("127.0.0.1", 7687)

	firstErr := make(chan error, 1)
	go func() {
		_, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
		firstErr <- err
	}()

	select {
	case <-firstEntered:
	case <-time.After(time.Second):
		t.Fatal("first acquire never reached the opener")
	}

	secondDone := make(chan boltconn.Connection, 1)
	go func() {
		conn, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
		if err != nil {
			secondDone <- nil
			return
		}
		secondDone <- conn
	}()
	// give the second acquire time to land in the wait path while the
	// first still holds the only reservation.
	time.Sleep(20 * time.Millisecond)
	close(block)

	require.Error(t, <-firstErr)
	select {
	case conn := <-secondDone:
		require.NotNil(t, conn)
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken by the failed open")
	}
}

// TestConcurrentAcquireRespectsCap hammers one address from many
// goroutines and checks the bucket never ends up past the configured
// cap, with no reservation left dangling.
func TestConcurrentAcquireRespectsCap(t *testing.T) {
	const maxSize = 4
	cfg := poolconf.PoolConfig{MaxConnectionPoolSize: maxSize, ConnectionTimeout: time.Second}
	core := NewCore(fakeOpener(t), cfg)
	addr := address.New("127.0.0.1", 7687)

	errs := make(chan error, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				conn, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
				if err != nil {
					errs <- err
					return
				}
				if err := core.Release(context.Background(), conn); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	core.mu.Lock()
	defer core.mu.Unlock()
	require.LessOrEqual(t, len(core.connections[addr]), maxSize)
	require.Zero(t, core.reservations[addr])
}

// TestWaitPathWakesOnRelease exercises the wait path: a second acquire
// against a capacity-one pool blocks until the first connection is
// released, then succeeds with the same connection.
func TestWaitPathWakesOnRelease(t *testing.T) {
	cfg := poolconf.PoolConfig{MaxConnectionPoolSize: 1, ConnectionTimeout: time.Second}
	core := NewCore(fakeOpener(t), cfg)
	addr := address.New("127.0.0.1", 7687)

	first, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
	require.NoError(t, err)

	done := make(chan boltconn.Connection, 1)
	go func() {
		conn, err := core.AcquireForAddress(context.Background(), addr, 3*time.Second, 0)
		require.NoError(t, err)
		done <- conn
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, core.Release(context.Background(), first))

	select {
	case conn := <-done:
		require.Same(t, first, conn)
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
}
