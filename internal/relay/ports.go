package relay

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoPorts is returned when every port of the pool is taken or fails to bind.
var ErrNoPorts = errors.New("no relay port available")

// PortPool hands out listeners on ports from [base, base+size). Ports are
// scanned round-robin so a just-released port is not immediately reused by
// the next session. A base of 0 binds ephemeral ports instead.
type PortPool struct {
	host string
	base int
	size int

	mu    sync.Mutex
	inUse map[int]bool
	next  int
}

// NewPortPool returns a pool binding on host (empty means all interfaces).
func NewPortPool(host string, base, size int) *PortPool {
	if size <= 0 {
		size = 1
	}
	return &PortPool{host: host, base: base, size: size, inUse: make(map[int]bool)}
}

// Listen binds the next free port and returns the listener with its port.
func (p *PortPool) Listen() (net.Listener, int, error) {
	if p.base == 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(p.host, "0"))
		if err != nil {
			return nil, 0, fmt.Errorf("bind relay listener: %w", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		p.mu.Lock()
		p.inUse[port] = true
		p.mu.Unlock()
		return ln, port, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for i := 0; i < p.size; i++ {
		port := p.base + (p.next+i)%p.size
		if p.inUse[port] {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(p.host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		p.inUse[port] = true
		p.next = (port - p.base + 1) % p.size
		return ln, port, nil
	}
	if lastErr != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNoPorts, lastErr)
	}
	return nil, 0, ErrNoPorts
}

// Release returns port to the pool. Releasing an unknown port is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// InUse returns the number of ports currently handed out.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
