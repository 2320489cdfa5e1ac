package lib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

type TcpCoreConfig struct {
	ProtocolID          uint8         // IP protocol number, 6 for TCP
	PreferredMSS        int           // largest payload we are willing to receive
	SendQueueSize       int           // send queue capacity in bytes
	RecvQueueSize       int           // receive queue capacity in bytes
	TickPeriod          time.Duration // RTT clock period
	InitialRTO          int           // retransmission timeout before the first sample, in ticks
	MinRTO              int           // in ticks
	MaxRTO              int           // in ticks
	MaxRetransmits      int           // consecutive unanswered retransmissions before giving up
	RouteCheckInterval  int           // ask the transport to check the route every n retransmissions
	DelayedAckTimeout   time.Duration // delayed ACK timer
	DelayedAckThreshold int           // ACK immediately every n data segments
	TimerWorkers        int           // goroutines running expired timers
	MaxConnections      int           // SYNs beyond this many table entries are reset
	EphemeralPortLower  int
	EphemeralPortUpper  int
	TTL                 uint8
	TOS                 uint8
	PayloadPoolSize     int  // number of segment chunks in the pool
	Debug               bool // log debug records regardless of the process level
	PoolDebug           bool // ring pool debug setting
}

func DefaultTcpCoreConfig() *TcpCoreConfig {
	return &TcpCoreConfig{
		ProtocolID:          6,
		PreferredMSS:        1460,
		SendQueueSize:       8760,
		RecvQueueSize:       8760,
		TickPeriod:          500 * time.Millisecond,
		InitialRTO:          6,
		MinRTO:              2,
		MaxRTO:              128,
		MaxRetransmits:      3,
		RouteCheckInterval:  5,
		DelayedAckTimeout:   200 * time.Millisecond,
		DelayedAckThreshold: 2,
		TimerWorkers:        4,
		MaxConnections:      1024,
		EphemeralPortLower:  32768,
		EphemeralPortUpper:  60999,
		TTL:                 64,
		TOS:                 0,
		PayloadPoolSize:     2000,
	}
}

func (cfg *TcpCoreConfig) Validate() error {
	switch {
	case cfg.PreferredMSS <= 0 || cfg.PreferredMSS > 0xffff:
		return fmt.Errorf("preferred MSS %d out of range", cfg.PreferredMSS)
	case cfg.SendQueueSize <= 0 || cfg.RecvQueueSize <= 0:
		return errors.New("queue sizes must be positive")
	case cfg.TickPeriod <= 0:
		return errors.New("tick period must be positive")
	case cfg.MinRTO <= 0 || cfg.MinRTO > cfg.MaxRTO:
		return fmt.Errorf("bad RTO bounds [%d, %d]", cfg.MinRTO, cfg.MaxRTO)
	case cfg.InitialRTO < cfg.MinRTO || cfg.InitialRTO > cfg.MaxRTO:
		return fmt.Errorf("initial RTO %d outside [%d, %d]", cfg.InitialRTO, cfg.MinRTO, cfg.MaxRTO)
	case cfg.MaxRetransmits < 0:
		return errors.New("max retransmits must not be negative")
	case cfg.DelayedAckThreshold <= 0:
		return errors.New("delayed ACK threshold must be positive")
	case cfg.TimerWorkers <= 0:
		return errors.New("at least one timer worker is needed")
	case cfg.MaxConnections <= 0:
		return errors.New("max connections must be positive")
	case cfg.EphemeralPortLower <= 0 || cfg.EphemeralPortLower > cfg.EphemeralPortUpper || cfg.EphemeralPortUpper > 0xffff:
		return fmt.Errorf("bad ephemeral port range [%d, %d]", cfg.EphemeralPortLower, cfg.EphemeralPortUpper)
	}
	return nil
}

// Stats counts engine events.
type Stats struct {
	SegmentsIn    atomic.Uint64
	SegmentsOut   atomic.Uint64
	BadChecksum   atomic.Uint64
	BadHeader     atomic.Uint64
	ResetsSent    atomic.Uint64
	Retransmits   atomic.Uint64
	OutOfOrder    atomic.Uint64
	DuplicateAcks atomic.Uint64
}

// StatsSnapshot is a point in time copy of Stats.
type StatsSnapshot struct {
	SegmentsIn, SegmentsOut   uint64
	BadChecksum, BadHeader    uint64
	ResetsSent, Retransmits   uint64
	OutOfOrder, DuplicateAcks uint64
}

// TcpCore is one instance of the engine: the connection table, the RTT
// clock and the timer workers, bound to a transport.
type TcpCore struct {
	config    *TcpCoreConfig
	transport Transport
	table     *connTable
	clock     *RttClock
	sched     *timerScheduler
	ports     *PortPool
	iss       *issGenerator
	nextID    atomic.Uint64
	log       *slog.Logger

	scratchMu sync.Mutex
	scratch   segHeader

	stats     Stats
	closeOnce sync.Once
}

func NewTcpCore(config *TcpCoreConfig, transport Transport) (*TcpCore, error) {
	if config == nil {
		config = DefaultTcpCoreConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("tcp core config: %w", err)
	}
	if transport == nil {
		return nil, errors.New("tcp core: nil transport")
	}
	tc := &TcpCore{
		config:    config,
		transport: transport,
		table:     newConnTable(),
		clock:     newRttClock(config.TickPeriod),
		sched:     newTimerScheduler(config.TimerWorkers),
		ports:     newPortPool(config.EphemeralPortLower, config.EphemeralPortUpper),
		iss:       newISSGenerator(),
	}
	h := slog.Default().Handler()
	if config.Debug {
		h = verboseHandler{h}
	}
	tc.log = slog.New(h).With("component", "tcp", "local", transport.LocalAddress())
	tc.log.Info("tcp core started", "mss", config.PreferredMSS, "tick", config.TickPeriod)
	return tc, nil
}

func (tc *TcpCore) Config() *TcpCoreConfig {
	return tc.config
}

// NewEndpoint returns a fresh connection in state NEW.
func (tc *TcpCore) NewEndpoint() *Connection {
	return newConnection(tc)
}

// Dial opens a connection to addr:port.
func (tc *TcpCore) Dial(addr netip.Addr, port uint16) (*Connection, error) {
	c := tc.NewEndpoint()
	if _, err := c.Connect(addr, port); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Listen returns a listening connection on port.
func (tc *TcpCore) Listen(port uint16) (*Connection, error) {
	c := tc.NewEndpoint()
	if _, err := c.Bind(netip.Addr{}, port, false); err != nil {
		return nil, err
	}
	if err := c.Listen(1); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Input is the single entry point for inbound segments. src is the
// sender's address. The segment is released before Input returns.
func (tc *TcpCore) Input(seg *Segment, src netip.Addr) {
	defer seg.Release()
	tc.stats.SegmentsIn.Add(1)
	h, err := parseSegment(seg)
	if err != nil {
		tc.stats.BadHeader.Add(1)
		tc.log.Debug("malformed segment dropped", "src", src, "err", err)
		return
	}
	if !verifyChecksum(seg, src, tc.transport.LocalAddress(), tc.config.ProtocolID) {
		tc.stats.BadChecksum.Add(1)
		tc.log.Debug("checksum failure", "src", src, "seg", &h)
		return
	}
	h.src = src
	c := tc.table.lookup(h.dstPort, src, h.srcPort)
	if c == nil {
		tc.log.Debug("no connection", "seg", &h)
		tc.respondReset(&h)
		return
	}
	c.mu.Lock()
	c.input(&h)
	c.unlock()
}

// Unreachable reports that dst could not be reached from localPort. A
// connection still waiting for its SYN to be answered fails.
func (tc *TcpCore) Unreachable(dst netip.Addr, localPort, remotePort uint16) {
	c := tc.table.lookup(localPort, dst, remotePort)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.unlock()
	if c.state == StateSynSent && c.remoteAddr == dst {
		c.fail(ErrHostUnreachable)
	}
}

// OwnsPort reports whether port is bound, listened on or used by a
// connection of this core.
func (tc *TcpCore) OwnsPort(port uint16) bool {
	return tc.table.ownsPort(port)
}

func (tc *TcpCore) Stats() StatsSnapshot {
	s := &tc.stats
	return StatsSnapshot{
		SegmentsIn:    s.SegmentsIn.Load(),
		SegmentsOut:   s.SegmentsOut.Load(),
		BadChecksum:   s.BadChecksum.Load(),
		BadHeader:     s.BadHeader.Load(),
		ResetsSent:    s.ResetsSent.Load(),
		Retransmits:   s.Retransmits.Load(),
		OutOfOrder:    s.OutOfOrder.Load(),
		DuplicateAcks: s.DuplicateAcks.Load(),
	}
}

// reservePort binds port for c, picking an ephemeral port when port is 0.
func (tc *TcpCore) reservePort(c *Connection, port uint16, reuse bool) (uint16, bool, error) {
	if port != 0 {
		if err := tc.table.reserve(c, port, reuse); err != nil {
			return 0, false, err
		}
		tc.portBound(port)
		return port, false, nil
	}
	for i := 0; i < tc.ports.capacity; i++ {
		p, ok := tc.ports.allocatePort()
		if !ok {
			break
		}
		if tc.table.portFree(p) && tc.table.reserve(c, p, false) == nil {
			tc.portBound(p)
			return p, true, nil
		}
		tc.ports.returnPort(p)
	}
	return 0, false, ErrNoEphemeralPort
}

func (tc *TcpCore) releasePort(port uint16, ephemeral bool, c *Connection) {
	tc.table.release(port, c)
	if ephemeral && tc.ports.inRange(port) {
		tc.ports.returnPort(port)
	}
	if po, ok := tc.transport.(PortObserver); ok {
		po.PortReleased(port)
	}
}

func (tc *TcpCore) portBound(port uint16) {
	if po, ok := tc.transport.(PortObserver); ok {
		po.PortBound(port)
	}
}

// Close resets every open connection and stops the clock and timers.
func (tc *TcpCore) Close() {
	tc.closeOnce.Do(func() {
		conns := tc.table.snapshot()
		for _, c := range conns {
			c.mu.Lock()
			switch {
			case c.state.IsSynchronized() || c.state == StateSynRcvd:
				c.abort(ErrConnectionAborted)
			default:
				c.fail(ErrConnectionAborted)
			}
			c.unlock()
		}
		tc.sched.stop()
		tc.clock.stop()
		tc.log.Info("tcp core stopped", "connections", len(conns))
	})
}

// verboseHandler passes every record to the wrapped handler, whatever
// level that handler was configured with.
type verboseHandler struct{ slog.Handler }

func (h verboseHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h verboseHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return verboseHandler{h.Handler.WithAttrs(attrs)}
}

func (h verboseHandler) WithGroup(name string) slog.Handler {
	return verboseHandler{h.Handler.WithGroup(name)}
}
