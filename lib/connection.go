package lib

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// Connection is one TCP control block together with its queues and
// timers. Every field below mu is guarded by it.
type Connection struct {
	core *TcpCore
	id   uint64
	log  *slog.Logger

	mu     sync.Mutex
	wakeCh chan struct{} // closed and replaced on every wakeAll

	state      State
	localAddr  netip.Addr
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16
	portOwner  bool // holds the bind reservation for localPort
	ephemeral  bool // localPort came from the port pool

	// send sequence space
	iss    uint32
	sndUna uint32
	sndMax uint32
	sndWnd uint32
	sndWl1 uint32
	sndWl2 uint32

	// receive sequence space
	irs    uint32
	rcvNxt uint32
	rcvWnd uint32

	mss         int // largest payload sent to the peer
	announceMSS int // MSS option carried on our SYN
	synAcked    bool
	finPending  bool // close requested, FIN goes out after queued data
	finSent     bool
	rdShut      bool
	probing     bool // a one byte window probe is counted in snd_max

	// round-trip estimation, in clock ticks
	rttTiming   bool
	rttStart    uint32
	rttSeq      uint32
	srtt        int // scaled by 8
	rttvar      int // scaled by 4
	rto         int
	retransmits int
	delayedAcks int

	sendQ  *SendQueue
	recvQ  *RecvQueue
	rexmt  connTimer
	delack connTimer

	parent       *Connection // listener that spawned us, until accepted
	pending      *Connection // listener only: the single backlog slot
	notifyParent *Connection // parent to wake once mu is released

	blocking bool
	timeout  time.Duration
	failure  error
}

func newConnection(tc *TcpCore) *Connection {
	id := tc.nextID.Add(1)
	return &Connection{
		core:     tc,
		id:       id,
		log:      tc.log.With("conn", id),
		wakeCh:   make(chan struct{}),
		state:    StateNew,
		sendQ:    NewSendQueue(tc.config.SendQueueSize),
		recvQ:    NewRecvQueue(tc.config.RecvQueueSize),
		rcvWnd:   uint32(tc.config.RecvQueueSize),
		rto:      tc.config.InitialRTO,
		blocking: true,
	}
}

// unlock releases mu and then performs any deferred listener wakeup.
// Listeners are locked before their children, never after.
func (c *Connection) unlock() {
	parent := c.notifyParent
	c.notifyParent = nil
	c.mu.Unlock()
	if parent != nil {
		parent.childChanged(c)
	}
}

func (c *Connection) childChanged(child *Connection) {
	closed := child.State() == StateClosed
	c.mu.Lock()
	if closed && c.pending == child {
		c.pending = nil
	}
	c.wakeAll()
	c.mu.Unlock()
}

func (c *Connection) wakeAll() {
	close(c.wakeCh)
	c.wakeCh = make(chan struct{})
}

// wait must be called with mu held. It releases mu until the connection
// is woken or the deadline passes, and reports false on timeout.
func (c *Connection) wait(deadline time.Time) bool {
	ch := c.wakeCh
	c.mu.Unlock()
	defer c.mu.Lock()
	if deadline.IsZero() {
		<-ch
		return true
	}
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

func (c *Connection) deadline() time.Time {
	if c.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.timeout)
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("state change", "from", c.state, "to", s)
	c.state = s
	c.wakeAll()
}

func (c *Connection) key() connKey {
	return connKey{localPort: c.localPort, remoteAddr: c.remoteAddr, remotePort: c.remotePort}
}

func (c *Connection) initSendSpace() {
	c.iss = c.core.iss.next(c.localAddr, c.localPort, c.remoteAddr, c.remotePort)
	c.sndUna = c.iss
	c.sndMax = c.iss
	c.synAcked = false
}

// setMSS derives the outgoing segment size from the peer's MSS option
// (0 when absent) and the route.
func (c *Connection) setMSS(peerMSS int) {
	local := min(c.core.config.PreferredMSS, c.core.transport.RouteMSS(c.remoteAddr))
	if peerMSS == 0 {
		peerMSS = defaultMSS
	}
	c.mss = max(min(local, peerMSS), 1)
	c.announceMSS = local
}

func (c *Connection) updateRcvWnd() {
	c.rcvWnd = uint32(c.recvQ.Free())
}

// peerClosed reports whether the peer's FIN has been consumed.
func (c *Connection) peerClosed() bool {
	switch c.state {
	case StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}

func (c *Connection) failureOr(err error) error {
	if c.failure != nil {
		return c.failure
	}
	return err
}

// cleanup moves the connection to CLOSED, releasing everything it holds.
func (c *Connection) cleanup() {
	if c.state == StateClosed {
		return
	}
	c.setState(StateClosed)
	c.rexmt.cancel()
	c.delack.cancel()
	c.sendQ = nil
	c.recvQ = nil
	c.rcvWnd = 0
	c.core.table.remove(c)
	if c.portOwner {
		c.core.releasePort(c.localPort, c.ephemeral, c)
		c.portOwner = false
	}
	if c.parent != nil {
		c.notifyParent = c.parent
		c.parent = nil
	}
}

// fail records err as the failure reason and closes the connection.
func (c *Connection) fail(err error) {
	if c.state == StateClosed {
		return
	}
	if c.failure == nil {
		c.failure = err
	}
	c.log.Info("connection failed", "state", c.state, "err", err)
	c.cleanup()
}

// abort resets the peer and fails the connection.
func (c *Connection) abort(err error) {
	if c.state != StateClosed {
		c.sendReset()
	}
	c.fail(err)
}

func (c *Connection) updateRTT(rtt int) {
	if c.srtt != 0 {
		delta := rtt - 1 - (c.srtt >> rttShift)
		c.srtt += delta
		if c.srtt <= 0 {
			c.srtt = 1
		}
		if delta < 0 {
			delta = -delta
		}
		delta -= c.rttvar >> rttvarShift
		c.rttvar += delta
		if c.rttvar <= 0 {
			c.rttvar = 1
		}
	} else {
		c.srtt = rtt << rttShift
		c.rttvar = rtt << (rttvarShift - 1)
	}
	cfg := c.core.config
	c.rto = clampInt((c.srtt>>rttShift)+c.rttvar, cfg.MinRTO, cfg.MaxRTO)
	c.retransmits = 0
}

func (c *Connection) rtoDuration() time.Duration {
	return time.Duration(c.rto) * c.core.config.TickPeriod
}

func (c *Connection) armRexmt() {
	c.rexmt.arm(c, timerRexmt, c.rtoDuration())
}

// delayAck counts an inbound data segment and acknowledges every
// DelayedAckThreshold-th one at once, the others after a short delay.
func (c *Connection) delayAck() {
	c.delayedAcks++
	if c.delayedAcks >= c.core.config.DelayedAckThreshold {
		c.sendAck()
		return
	}
	if !c.delack.armed() {
		c.delack.arm(c, timerDelAck, c.core.config.DelayedAckTimeout)
	}
}

func (c *Connection) retransmitTimeout() {
	switch c.state {
	case StateNew, StateListen, StateTimeWait, StateClosed:
		return
	}
	cfg := c.core.config
	if c.retransmits >= cfg.MaxRetransmits {
		c.log.Info("retransmission limit reached", "state", c.state, "rto", c.rto)
		if c.state == StateSynSent {
			c.fail(ErrConnectionTimedOut)
		} else {
			c.abort(ErrConnectionTimedOut)
		}
		return
	}
	c.retransmits++
	c.rto = min(c.rto*2, cfg.MaxRTO)
	c.core.stats.Retransmits.Add(1)
	if cfg.RouteCheckInterval > 0 && c.retransmits%cfg.RouteCheckInterval == 0 {
		c.core.transport.CheckRoute(c.remoteAddr)
	}
	c.rttTiming = false
	c.log.Debug("retransmit", "state", c.state, "count", c.retransmits, "rto", c.rto)
	c.retransmitOutstanding()
	c.armRexmt()
}

func (c *Connection) delayedAckTimeout() {
	if c.state == StateClosed || c.delayedAcks == 0 {
		return
	}
	c.sendAck()
}
