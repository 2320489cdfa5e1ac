package lib

import (
	"io"
	"net/netip"
	"time"
)

// Endpoint is the upward contract consumed by a socket layer.
type Endpoint interface {
	Bind(addr netip.Addr, port uint16, reuse bool) (uint16, error)
	Listen(backlog int) error
	Accept() (*Connection, error)
	Connect(addr netip.Addr, port uint16) (uint16, error)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Shutdown(how ShutdownHow) error
	Close() error
	Available() int
	Poll(events int, timeout time.Duration) (int, error)
	SetTimeout(d time.Duration)
	ConfigureBlocking(blocking bool)
}

var _ Endpoint = (*Connection)(nil)

// Bind reserves a local port; 0 picks a random ephemeral one. addr must
// be unspecified or the transport's local address.
func (c *Connection) Bind(addr netip.Addr, port uint16, reuse bool) (uint16, error) {
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateNew || c.portOwner {
		return 0, ErrInvalidState
	}
	local := c.core.transport.LocalAddress()
	if addr.IsValid() && !addr.IsUnspecified() && addr != local {
		return 0, ErrAddrNotAvailable
	}
	return c.bindLocked(port, reuse)
}

func (c *Connection) bindLocked(port uint16, reuse bool) (uint16, error) {
	p, ephemeral, err := c.core.reservePort(c, port, reuse)
	if err != nil {
		return 0, err
	}
	c.localAddr = c.core.transport.LocalAddress()
	c.localPort = p
	c.portOwner = true
	c.ephemeral = ephemeral
	return p, nil
}

// Listen moves a NEW connection to LISTEN. At most one inbound connection
// waits for Accept at a time whatever backlog says.
func (c *Connection) Listen(backlog int) error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateNew {
		return ErrInvalidState
	}
	if !c.portOwner {
		if _, err := c.bindLocked(0, false); err != nil {
			return err
		}
	}
	c.pending = nil
	c.core.table.insertListening(c)
	c.setState(StateListen)
	c.log.Debug("listening", "port", c.localPort, "backlog", backlog)
	return nil
}

// Accept waits for the pending inbound connection to finish its handshake
// and returns it. It honours the timeout and blocking mode.
func (c *Connection) Accept() (*Connection, error) {
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateListen {
		return nil, c.failureOr(ErrInvalidState)
	}
	deadline := c.deadline()
	for {
		if c.state != StateListen {
			return nil, c.failureOr(ErrClosed)
		}
		if p := c.pending; p != nil && p.takeFromBacklog() {
			c.pending = nil
			return p, nil
		}
		if !c.blocking {
			return nil, ErrWouldBlock
		}
		if !c.wait(deadline) {
			return nil, &TimeoutError{"accept timed out"}
		}
	}
}

// takeFromBacklog detaches an established child from its listener. The
// listener's lock is held by the caller.
func (c *Connection) takeFromBacklog() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSynRcvd || c.state == StateClosed {
		return false
	}
	c.parent = nil
	return true
}

func (c *Connection) backlogReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateSynRcvd && c.state != StateClosed
}

// Connect opens a connection to addr:port and, in blocking mode, waits
// until it is established or has failed. It returns the local port.
func (c *Connection) Connect(addr netip.Addr, port uint16) (uint16, error) {
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateNew {
		return 0, c.failureOr(ErrInvalidState)
	}
	if !addr.Is4() && !addr.Is4In6() {
		return 0, ErrAddrNotAvailable
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() {
		addr = c.core.transport.LocalAddress()
	}
	if !c.portOwner {
		if _, err := c.bindLocked(0, false); err != nil {
			return 0, err
		}
	}
	c.localAddr = c.core.transport.LocalAddress()
	c.remoteAddr = addr
	c.remotePort = port
	c.initSendSpace()
	c.setMSS(0)
	c.mss = c.announceMSS
	if err := c.core.table.insertEstablished(c); err != nil {
		return 0, err
	}
	c.setState(StateSynSent)
	c.sendSyn(SYNFlag)
	if !c.blocking {
		return c.localPort, ErrInProgress
	}
	for c.state == StateSynSent || c.state == StateSynRcvd {
		c.wait(time.Time{})
	}
	if c.state == StateClosed {
		return 0, c.failureOr(ErrConnectionRefused)
	}
	return c.localPort, nil
}

// Read returns queued bytes, waiting for some to arrive. It returns io.EOF
// once the peer has closed and everything has been read.
func (c *Connection) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.unlock()
	if len(p) == 0 {
		return 0, nil
	}
	deadline := c.deadline()
	for c.recvQ == nil || c.recvQ.Len() == 0 || c.rdShut {
		switch {
		case c.failure != nil:
			return 0, c.failure
		case c.rdShut, c.state == StateClosed, c.peerClosed():
			return 0, io.EOF
		case c.state == StateNew, c.state == StateListen:
			return 0, ErrInvalidState
		case !c.blocking:
			return 0, ErrWouldBlock
		}
		if !c.wait(deadline) {
			return 0, &TimeoutError{"read timed out"}
		}
	}
	before := c.rcvWnd
	n := c.recvQ.Read(p)
	c.updateRcvWnd()
	if before < uint32(c.mss) {
		switch c.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
			c.sendAck()
		}
	}
	return n, nil
}

// Write queues p for transmission. In blocking mode it returns once every
// byte is queued; otherwise it queues what fits.
func (c *Connection) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.unlock()
	written := 0
	for {
		if err := c.writable(); err != nil {
			return written, err
		}
		n := c.sendQ.Append(p[written:])
		written += n
		if n > 0 {
			c.output()
		}
		if written == len(p) {
			return written, nil
		}
		if !c.blocking {
			if written == 0 {
				return 0, ErrWouldBlock
			}
			return written, nil
		}
		c.wait(time.Time{})
	}
}

func (c *Connection) writable() error {
	if c.failure != nil {
		return c.failure
	}
	if c.finPending {
		return ErrClosed
	}
	switch c.state {
	case StateEstablished, StateCloseWait:
		return nil
	case StateClosed:
		return ErrClosed
	}
	return ErrInvalidState
}

func (c *Connection) Close() error {
	return c.Shutdown(ShutdownBoth)
}

// Shutdown closes the read half, the write half, or both.
func (c *Connection) Shutdown(how ShutdownHow) error {
	c.mu.Lock()
	defer c.unlock()
	if how == ShutdownRead || how == ShutdownBoth {
		c.rdShut = true
		c.wakeAll()
		if how == ShutdownRead {
			return nil
		}
	}
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	switch c.state {
	case StateNew:
		c.cleanup()
	case StateListen:
		if child := c.pending; child != nil {
			c.pending = nil
			child.mu.Lock()
			child.parent = nil
			child.abort(ErrConnectionAborted)
			child.mu.Unlock()
		}
		c.cleanup()
	case StateSynSent:
		c.fail(ErrConnectionAborted)
	case StateEstablished:
		c.finPending = true
		c.setState(StateFinWait1)
		c.output()
	case StateCloseWait:
		c.finPending = true
		c.setState(StateLastAck)
		c.output()
	case StateLastAck:
	case StateClosed:
		return ErrClosed
	default:
		return ErrInvalidState
	}
	return nil
}

// Available is the number of bytes Read can return without waiting; for
// a listener it is 1 while an established connection awaits Accept.
func (c *Connection) Available() int {
	c.mu.Lock()
	defer c.unlock()
	if c.state == StateListen {
		if c.pending != nil && c.pending.backlogReady() {
			return 1
		}
		return 0
	}
	if c.recvQ == nil {
		return 0
	}
	return c.recvQ.Len()
}

// Poll waits until one of events (or PollErr/PollHup) is ready and
// returns the ready mask. A timeout of 0 waits indefinitely, a negative
// one does not wait at all; an elapsed timeout returns 0.
func (c *Connection) Poll(events int, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.unlock()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if ready := c.readyMask() & (events | PollErr | PollHup); ready != 0 {
			return ready, nil
		}
		if timeout < 0 || !c.wait(deadline) {
			return 0, nil
		}
	}
}

func (c *Connection) readyMask() int {
	mask := 0
	if c.failure != nil {
		mask |= PollErr | PollIn | PollOut
	}
	if c.state == StateClosed || c.peerClosed() {
		mask |= PollHup | PollIn
	}
	switch {
	case c.state == StateListen:
		if c.pending != nil && c.pending.backlogReady() {
			mask |= PollIn
		}
	case c.rdShut:
		mask |= PollIn
	case c.recvQ != nil && c.recvQ.Len() > 0:
		mask |= PollIn
	}
	if c.writable() == nil && c.sendQ.Free() > 0 {
		mask |= PollOut
	}
	return mask
}

func (c *Connection) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

func (c *Connection) ConfigureBlocking(blocking bool) {
	c.mu.Lock()
	c.blocking = blocking
	c.wakeAll()
	c.mu.Unlock()
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LocalPort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localPort
}

func (c *Connection) RemotePort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remotePort
}

func (c *Connection) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return netip.AddrPortFrom(c.remoteAddr, c.remotePort)
}

// Err returns the reason the connection failed, if it did.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}
