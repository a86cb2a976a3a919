package relay

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeBase(t *testing.T, size int) int {
	t.Helper()
	// Probe for a run of free ports; good enough on a quiet test host.
	for base := 41000; base < 60000; base += size {
		ok := true
		for p := base; p < base+size; p++ {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
			if err != nil {
				ok = false
				break
			}
			ln.Close()
		}
		if ok {
			return base
		}
	}
	t.Skip("no free port range")
	return 0
}

func TestPortPool_roundRobinAndRelease(t *testing.T) {
	base := freeBase(t, 2)
	pool := NewPortPool("127.0.0.1", base, 2)

	ln1, p1, err := pool.Listen()
	require.NoError(t, err)
	ln2, p2, err := pool.Listen()
	require.NoError(t, err)
	assert.Equal(t, base, p1)
	assert.Equal(t, base+1, p2)

	_, _, err = pool.Listen()
	assert.ErrorIs(t, err, ErrNoPorts)

	ln1.Close()
	pool.Release(p1)
	assert.Equal(t, 1, pool.InUse())

	ln3, p3, err := pool.Listen()
	require.NoError(t, err)
	assert.Equal(t, p1, p3)

	ln2.Close()
	ln3.Close()
}

func TestPortPool_ephemeral(t *testing.T) {
	pool := NewPortPool("127.0.0.1", 0, 1)

	ln, port, err := pool.Listen()
	require.NoError(t, err)
	defer ln.Close()

	assert.Positive(t, port)
	assert.Equal(t, 1, pool.InUse())
	pool.Release(port)
	assert.Equal(t, 0, pool.InUse())
}
