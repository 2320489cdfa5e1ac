package lib

import (
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Loopback is an in-process network joining LoopbackTransports by
// address. Segments are copied on output and delivered to the peer core
// by its own delivery goroutine.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[netip.Addr]*LoopbackTransport
	drop  func(src, dst netip.Addr, seg []byte) bool
	pool  *SegmentPool
	mtu   int
}

// NewLoopback creates a network with the given MTU. Segments come from
// pool, or from the heap when pool is nil.
func NewLoopback(mtu int, pool *SegmentPool) *Loopback {
	return &Loopback{
		nodes: make(map[netip.Addr]*LoopbackTransport),
		pool:  pool,
		mtu:   mtu,
	}
}

// SetDropFunc installs a loss simulation hook. Segments for which fn
// returns true are discarded.
func (l *Loopback) SetDropFunc(fn func(src, dst netip.Addr, seg []byte) bool) {
	l.mu.Lock()
	l.drop = fn
	l.mu.Unlock()
}

// NewTransport attaches a node with address addr to the network.
func (l *Loopback) NewTransport(addr netip.Addr) *LoopbackTransport {
	lt := &LoopbackTransport{
		net:   l,
		addr:  addr,
		inbox: make(chan loopbackPacket, 1024),
		quit:  make(chan struct{}),
	}
	l.mu.Lock()
	l.nodes[addr] = lt
	l.mu.Unlock()
	return lt
}

type loopbackPacket struct {
	seg *Segment
	src netip.Addr
	// unreachable notification when seg is nil
	localPort, remotePort uint16
}

type LoopbackTransport struct {
	net         *Loopback
	addr        netip.Addr
	inbox       chan loopbackPacket
	quit        chan struct{}
	wg          sync.WaitGroup
	routeChecks atomic.Int64
	closeOnce   sync.Once
}

// Start delivers inbound segments to core until Close.
func (lt *LoopbackTransport) Start(core *TcpCore) {
	lt.wg.Add(1)
	go func() {
		defer lt.wg.Done()
		for {
			select {
			case pkt := <-lt.inbox:
				if pkt.seg == nil {
					core.Unreachable(pkt.src, pkt.localPort, pkt.remotePort)
					continue
				}
				core.Input(pkt.seg, pkt.src)
			case <-lt.quit:
				return
			}
		}
	}()
}

func (lt *LoopbackTransport) Close() {
	lt.closeOnce.Do(func() {
		lt.net.mu.Lock()
		if lt.net.nodes[lt.addr] == lt {
			delete(lt.net.nodes, lt.addr)
		}
		lt.net.mu.Unlock()
		close(lt.quit)
		lt.wg.Wait()
	})
}

func (lt *LoopbackTransport) NewSegment(dst netip.Addr, headerLen, payloadLen int) *Segment {
	return lt.net.pool.Get(IpHeaderMaxLength, headerLen, payloadLen)
}

func (lt *LoopbackTransport) Output(seg *Segment, dst netip.Addr, length int, ttlAndProto uint16, tos uint8) error {
	b := seg.Bytes()[:length]
	lt.net.mu.RLock()
	peer := lt.net.nodes[dst]
	drop := lt.net.drop
	lt.net.mu.RUnlock()
	if drop != nil && drop(lt.addr, dst, b) {
		return nil
	}
	if peer == nil {
		if length >= TcpHeaderLength {
			lt.enqueue(loopbackPacket{src: dst, localPort: seg.GetShort(offSrcPort), remotePort: seg.GetShort(offDstPort)})
		}
		return nil
	}
	peer.enqueue(loopbackPacket{seg: SegmentFromBytes(lt.net.pool, IpHeaderMaxLength, b), src: lt.addr})
	return nil
}

func (lt *LoopbackTransport) enqueue(pkt loopbackPacket) {
	select {
	case lt.inbox <- pkt:
	default:
		slog.Debug("loopback inbox full, dropping", "node", lt.addr)
		if pkt.seg != nil {
			pkt.seg.Release()
		}
	}
}

func (lt *LoopbackTransport) LocalAddress() netip.Addr {
	return lt.addr
}

func (lt *LoopbackTransport) RouteMSS(dst netip.Addr) int {
	return lt.net.mtu - 40
}

func (lt *LoopbackTransport) CheckRoute(dst netip.Addr) {
	lt.routeChecks.Add(1)
}

// RouteChecks counts CheckRoute calls.
func (lt *LoopbackTransport) RouteChecks() int64 {
	return lt.routeChecks.Load()
}
