package lib

import (
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

var (
	localAddr = netip.MustParseAddr("10.0.0.1")
	peerAddr  = netip.MustParseAddr("10.0.0.2")
)

const (
	listenPort = 9000
	peerPort   = 40000
)

// captureTransport records every segment the engine sends.
type captureTransport struct {
	addr        netip.Addr
	segs        chan segHeader
	routeChecks atomic.Int32
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{addr: localAddr, segs: make(chan segHeader, 256)}
}

func (ct *captureTransport) NewSegment(dst netip.Addr, headerLen, payloadLen int) *Segment {
	return NewSegment(IpHeaderMaxLength, headerLen, payloadLen)
}

func (ct *captureTransport) Output(seg *Segment, dst netip.Addr, length int, ttlAndProto uint16, tos uint8) error {
	raw := append([]byte(nil), seg.Bytes()[:length]...)
	h, err := parseSegment(SegmentFromBytes(nil, 0, raw))
	if err != nil {
		panic(err)
	}
	h.src = dst
	select {
	case ct.segs <- h:
	default:
	}
	return nil
}

func (ct *captureTransport) LocalAddress() netip.Addr    { return ct.addr }
func (ct *captureTransport) RouteMSS(dst netip.Addr) int { return 1460 }
func (ct *captureTransport) CheckRoute(dst netip.Addr)   { ct.routeChecks.Add(1) }

// next returns the next segment sent by the engine.
func (ct *captureTransport) next(t *testing.T) segHeader {
	t.Helper()
	select {
	case h := <-ct.segs:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("no segment sent")
	}
	return segHeader{}
}

func (ct *captureTransport) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case h := <-ct.segs:
		t.Fatalf("unexpected segment %v", &h)
	case <-time.After(d):
	}
}

func testConfig() *TcpCoreConfig {
	cfg := DefaultTcpCoreConfig()
	cfg.TimerWorkers = 2
	cfg.DelayedAckTimeout = time.Hour
	return cfg
}

// fastConfig makes retransmission timers fire within milliseconds.
func fastConfig() *TcpCoreConfig {
	cfg := testConfig()
	cfg.TickPeriod = 10 * time.Millisecond
	cfg.InitialRTO = 2
	cfg.MinRTO = 1
	cfg.MaxRTO = 8
	return cfg
}

func newTestCore(t *testing.T, cfg *TcpCoreConfig) (*TcpCore, *captureTransport) {
	t.Helper()
	ct := newCaptureTransport()
	core, err := NewTcpCore(cfg, ct)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(core.Close)
	return core, ct
}

// inject delivers a segment from the peer as the transport would.
func inject(core *TcpCore, src netip.Addr, h segHeader) {
	h.hlen = TcpHeaderLength
	if h.mss > 0 {
		h.hlen = TcpSynHeaderLength
	}
	seg := NewSegment(IpHeaderMaxLength, h.hlen, len(h.data))
	copy(seg.Bytes()[h.hlen:], h.data)
	writeHeader(seg, &h)
	finishChecksum(seg, src, core.transport.LocalAddress(), core.config.ProtocolID)
	core.Input(seg, src)
}

// peer builds segments from peerAddr:peerPort to the listening port.
func peer(seq, ack uint32, flags uint8, data string) segHeader {
	return segHeader{
		srcPort: peerPort,
		dstPort: listenPort,
		seq:     seq,
		ack:     ack,
		flags:   flags,
		wnd:     8760,
		data:    []byte(data),
	}
}

type connVars struct {
	state                       State
	iss, sndUna, sndMax, sndWnd uint32
	irs, rcvNxt, rcvWnd         uint32
	queued, sendQueued          int
	rto, retransmits            int
	probing                     bool
}

func vars(c *Connection) connVars {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := connVars{
		state:       c.state,
		iss:         c.iss,
		sndUna:      c.sndUna,
		sndMax:      c.sndMax,
		sndWnd:      c.sndWnd,
		irs:         c.irs,
		rcvNxt:      c.rcvNxt,
		rcvWnd:      c.rcvWnd,
		rto:         c.rto,
		retransmits: c.retransmits,
		probing:     c.probing,
	}
	if c.recvQ != nil {
		v.queued = c.recvQ.Len()
	}
	if c.sendQ != nil {
		v.sendQueued = c.sendQ.Len()
	}
	return v
}

// establishPassive completes a handshake from the peer against a listener
// on listenPort and returns the accepted connection, the peer's initial
// sequence number and ours.
func establishPassive(t *testing.T, core *TcpCore, ct *captureTransport, peerWnd uint16) (*Connection, uint32, uint32) {
	t.Helper()
	l, err := core.Listen(listenPort)
	if err != nil {
		t.Fatal(err)
	}
	const irs = 1000
	syn := peer(irs, 0, SYNFlag, "")
	syn.mss = 1460
	inject(core, peerAddr, syn)
	synack := ct.next(t)
	if synack.flags != SYNFlag|ACKFlag || synack.ack != irs+1 {
		t.Fatalf("expected SYN|ACK acking %d, got %v", irs+1, &synack)
	}
	ack := peer(irs+1, synack.seq+1, ACKFlag, "")
	ack.wnd = peerWnd
	inject(core, peerAddr, ack)
	l.ConfigureBlocking(false)
	c, err := l.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return c, irs, synack.seq
}
