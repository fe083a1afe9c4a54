package directpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arantesdev/boltpool/internal/boltconn"
	"github.com/arantesdev/boltpool/internal/poolconf"
	"github.com/arantesdev/boltpool/pkg/address"
)

func fakeOpener() boltconn.Opener {
	return func(ctx context.Context, addr address.Address, timeout time.Duration) (boltconn.Connection, error) {
		return boltconn.NewFakeConnection(), nil
	}
}

// TestDirectPoolAcquireAlwaysTargetsFixedAddress checks that an acquire
// checks out a connection counted against the pool's one configured
// address, and that releasing it brings that count back to zero.
func TestDirectPoolAcquireAlwaysTargetsFixedAddress(t *testing.T) {
	addr := address.New("127.0.0.1", 7687).Resolve()
	cfg := poolconf.PoolConfig{MaxConnectionPoolSize: -1, ConnectionTimeout: time.Second}
	p := New(fakeOpener(), cfg, addr)

	conn, err := p.Acquire(context.Background(), time.Second, 0)
	require.NoError(t, err)
	require.True(t, conn.InUse())
	require.Equal(t, 1, p.InUseConnectionCount())

	require.NoError(t, p.Release(context.Background(), conn))
	require.Equal(t, 0, p.InUseConnectionCount())
}

func TestDirectPoolCloseIsIdempotent(t *testing.T) {
	addr := address.New("127.0.0.1", 7687).Resolve()
	cfg := poolconf.PoolConfig{MaxConnectionPoolSize: -1, ConnectionTimeout: time.Second}
	p := New(fakeOpener(), cfg, addr)

	conn, err := p.Acquire(context.Background(), time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(context.Background(), conn))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
