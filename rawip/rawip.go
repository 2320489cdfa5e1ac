// Package rawip carries engine segments over a raw IPv4 socket bound to
// protocol 6. The kernel adds the IP header on output and strips it on
// input; segments for ports the engine does not own are ignored.
package rawip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"

	"github.com/timhartley/GuestVM-sub000/filter"
	"github.com/timhartley/GuestVM-sub000/lib"
)

const defaultMTU = 1500

type Config struct {
	LocalAddr    netip.Addr // may be left invalid when Interface is set
	Interface    string
	SocketBuffer int           // 0 keeps the system default
	Filter       filter.Filter // nil disables host RST suppression
	Pool         *lib.SegmentPool
}

type portOp struct {
	port uint16
	add  bool
}

// Transport implements lib.Transport and lib.PortObserver.
type Transport struct {
	cfg    Config
	local  netip.Addr
	ifName string
	conn   *net.IPConn
	pc     *ipv4.PacketConn
	icmp   *net.IPConn // nil when ICMP cannot be read
	log    *slog.Logger

	mtu atomic.Int32

	wmu sync.Mutex
	ttl int
	tos int

	ports chan portOp

	// set by Start
	ownsPort    func(port uint16) bool
	input       func(seg *lib.Segment, src netip.Addr)
	unreachable func(dst netip.Addr, localPort, remotePort uint16)

	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ lib.Transport    = (*Transport)(nil)
	_ lib.PortObserver = (*Transport)(nil)
)

// Open creates the raw sockets. It needs CAP_NET_RAW or root.
func Open(cfg Config) (*Transport, error) {
	iface, local, err := resolveInterface(cfg.Interface, cfg.LocalAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenIP("ip4:tcp", &net.IPAddr{IP: local.AsSlice()})
	if err != nil {
		return nil, fmt.Errorf("rawip: listen on %s: %w", local, err)
	}
	t := newTransport(cfg, local)
	t.conn = conn
	t.pc = ipv4.NewPacketConn(conn)
	if iface != nil {
		t.ifName = iface.Name
		t.mtu.Store(int32(iface.MTU))
	}
	if err := t.pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		t.log.Debug("destination control messages unavailable", "err", err)
	}
	if cfg.SocketBuffer > 0 {
		got, err := setSocketBuffers(conn, cfg.SocketBuffer)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("rawip: socket buffers: %w", err)
		}
		t.log.Debug("socket buffers set", "requested", cfg.SocketBuffer, "effective", got)
	}
	if icmp, err := net.ListenIP("ip4:icmp", &net.IPAddr{IP: local.AsSlice()}); err != nil {
		t.log.Warn("ICMP unavailable, unreachable notifications disabled", "err", err)
	} else {
		t.icmp = icmp
	}
	t.log.Info("raw transport open", "local", local, "interface", t.ifName, "mtu", t.mtu.Load())
	return t, nil
}

func newTransport(cfg Config, local netip.Addr) *Transport {
	t := &Transport{
		cfg:   cfg,
		local: local,
		log:   slog.Default().With("component", "rawip"),
		ttl:   -1,
		tos:   -1,
		ports: make(chan portOp, 256),
		quit:  make(chan struct{}),
	}
	t.mtu.Store(defaultMTU)
	return t
}

// Start delivers inbound segments to core until Close.
func (t *Transport) Start(core *lib.TcpCore) {
	t.ownsPort = core.OwnsPort
	t.input = core.Input
	t.unreachable = core.Unreachable

	t.wg.Add(2)
	go t.readLoop()
	go t.filterLoop()
	if t.icmp != nil {
		t.wg.Add(1)
		go t.icmpLoop()
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 65535)
	local := t.local.AsSlice()
	for {
		n, cm, src, err := t.pc.ReadFrom(buf)
		if err != nil {
			if t.closing(err) {
				return
			}
			t.log.Warn("read failed", "err", err)
			continue
		}
		if cm != nil && cm.Dst != nil && !cm.Dst.Equal(local) {
			continue
		}
		t.handleSegment(buf[:n], addrOf(src))
	}
}

func (t *Transport) icmpLoop() {
	defer t.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, _, err := t.icmp.ReadFrom(buf)
		if err != nil {
			if t.closing(err) {
				return
			}
			continue
		}
		t.handleICMP(buf[:n])
	}
}

func (t *Transport) closing(err error) bool {
	select {
	case <-t.quit:
		return true
	default:
	}
	return errors.Is(err, net.ErrClosed)
}

// handleSegment hands a TCP segment addressed to an owned port to the engine.
func (t *Transport) handleSegment(b []byte, src netip.Addr) {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		t.log.Debug("undecodable segment", "src", src, "err", err)
		return
	}
	if !t.ownsPort(uint16(tcp.DstPort)) {
		return
	}
	t.input(lib.SegmentFromBytes(t.cfg.Pool, lib.IpHeaderMaxLength, b), src)
}

// handleICMP turns a destination unreachable message quoting one of our
// segments into an engine notification.
func (t *Transport) handleICMP(b []byte) {
	var icmp layers.ICMPv4
	if err := icmp.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return
	}
	if icmp.TypeCode.Type() != layers.ICMPv4TypeDestinationUnreachable {
		return
	}
	var inner layers.IPv4
	if err := inner.DecodeFromBytes(icmp.Payload, gopacket.NilDecodeFeedback); err != nil {
		return
	}
	if inner.Protocol != layers.IPProtocolTCP || len(inner.Payload) < 4 {
		return
	}
	src, _ := netip.AddrFromSlice(inner.SrcIP)
	dst, _ := netip.AddrFromSlice(inner.DstIP)
	if src.Unmap() != t.local {
		return
	}
	localPort := binary.BigEndian.Uint16(inner.Payload[0:2])
	remotePort := binary.BigEndian.Uint16(inner.Payload[2:4])
	t.log.Debug("destination unreachable", "dst", dst, "code", icmp.TypeCode.Code(), "port", localPort)
	t.unreachable(dst.Unmap(), localPort, remotePort)
}

// filterLoop installs and removes host RST rules off the engine's locks.
func (t *Transport) filterLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.quit:
			return
		case op := <-t.ports:
			t.applyPortOp(op)
		}
	}
}

func (t *Transport) applyPortOp(op portOp) {
	f := t.cfg.Filter
	if f == nil {
		return
	}
	if op.add {
		if err := f.AddPort(t.local, op.port); err != nil {
			t.log.Warn("RST filter not installed", "port", op.port, "err", err)
		}
		return
	}
	// accepted connections keep using a listener's port after it closes
	if t.ownsPort != nil && t.ownsPort(op.port) {
		return
	}
	if err := f.RemovePort(t.local, op.port); err != nil {
		t.log.Warn("RST filter not removed", "port", op.port, "err", err)
	}
}

func (t *Transport) PortBound(port uint16) {
	t.queuePortOp(portOp{port: port, add: true})
}

func (t *Transport) PortReleased(port uint16) {
	t.queuePortOp(portOp{port: port})
}

func (t *Transport) queuePortOp(op portOp) {
	select {
	case t.ports <- op:
	default:
		t.log.Warn("filter queue full, dropping request", "port", op.port, "add", op.add)
	}
}

func (t *Transport) NewSegment(dst netip.Addr, headerLen, payloadLen int) *lib.Segment {
	return t.cfg.Pool.Get(lib.IpHeaderMaxLength, headerLen, payloadLen)
}

// Output writes length bytes of seg to dst. The TTL in the high byte of
// ttlAndProto and tos are applied to the socket when they change.
func (t *Transport) Output(seg *lib.Segment, dst netip.Addr, length int, ttlAndProto uint16, tos uint8) error {
	ttl := int(ttlAndProto >> 8)
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if ttl != t.ttl {
		if err := t.pc.SetTTL(ttl); err != nil {
			return fmt.Errorf("rawip: set TTL: %w", err)
		}
		t.ttl = ttl
	}
	if int(tos) != t.tos {
		if err := t.pc.SetTOS(int(tos)); err != nil {
			return fmt.Errorf("rawip: set TOS: %w", err)
		}
		t.tos = int(tos)
	}
	if _, err := t.pc.WriteTo(seg.Bytes()[:length], nil, &net.IPAddr{IP: dst.AsSlice()}); err != nil {
		return fmt.Errorf("rawip: write to %s: %w", dst, err)
	}
	return nil
}

func (t *Transport) LocalAddress() netip.Addr {
	return t.local
}

func (t *Transport) RouteMSS(dst netip.Addr) int {
	return mssForMTU(int(t.mtu.Load()))
}

// CheckRoute rereads the interface MTU.
func (t *Transport) CheckRoute(dst netip.Addr) {
	if t.ifName == "" {
		return
	}
	iface, err := net.InterfaceByName(t.ifName)
	if err != nil {
		t.log.Warn("route check failed", "dst", dst, "interface", t.ifName, "err", err)
		return
	}
	if old := t.mtu.Swap(int32(iface.MTU)); old != int32(iface.MTU) {
		t.log.Info("interface MTU changed", "interface", t.ifName, "from", old, "to", iface.MTU)
	}
}

// Close stops the loops, closes the sockets and removes every filter rule.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)
		if t.conn != nil {
			t.conn.Close()
		}
		if t.icmp != nil {
			t.icmp.Close()
		}
		t.wg.Wait()
		if t.cfg.Filter != nil {
			err = t.cfg.Filter.Flush()
		}
		t.log.Info("raw transport closed", "local", t.local)
	})
	return err
}

func addrOf(a net.Addr) netip.Addr {
	ip, ok := a.(*net.IPAddr)
	if !ok {
		return netip.Addr{}
	}
	addr, _ := netip.AddrFromSlice(ip.IP)
	return addr.Unmap()
}

// mssForMTU leaves room for minimal IPv4 and TCP headers.
func mssForMTU(mtu int) int {
	return max(mtu-40, 1)
}
