package lib

import (
	"math/rand"
	"sync"
)

// PortPool hands out ephemeral ports in a random order. Returned ports go
// to the back of the ring.
type PortPool struct {
	ports           []uint16
	capacity        int
	minPort         int
	maxPort         int
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	mtx             sync.Mutex
}

func newPortPool(minPort, maxPort int) *PortPool {
	capacity := maxPort - minPort + 1
	ports := make([]uint16, capacity)
	for i, v := range rand.Perm(capacity) {
		ports[i] = uint16(minPort + v)
	}
	return &PortPool{
		ports:    ports,
		capacity: capacity,
		minPort:  minPort,
		maxPort:  maxPort,
		isFull:   true,
	}
}

func (p *PortPool) allocatePort() (uint16, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.isEmpty {
		return 0, false
	}
	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	p.isEmpty = p.readIdx == p.writeIdx
	p.isFull = false
	return port, true
}

func (p *PortPool) returnPort(port uint16) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if int(port) < p.minPort || int(port) > p.maxPort || p.isFull {
		return
	}
	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	p.isFull = p.writeIdx == p.readIdx
	p.isEmpty = false
}

func (p *PortPool) inRange(port uint16) bool {
	return int(port) >= p.minPort && int(port) <= p.maxPort
}
