package lib

// rcvHandler processes one inbound segment for a connection whose lock
// is held.
type rcvHandler func(c *Connection, h *segHeader)

var rcvHandlers = [numStates]rcvHandler{
	StateNew:         (*Connection).rcvClosed,
	StateListen:      (*Connection).rcvListen,
	StateSynSent:     (*Connection).rcvSynSent,
	StateSynRcvd:     (*Connection).rcvSynRcvd,
	StateEstablished: (*Connection).rcvSynchronized,
	StateCloseWait:   (*Connection).rcvSynchronized,
	StateFinWait1:    (*Connection).rcvSynchronized,
	StateFinWait2:    (*Connection).rcvSynchronized,
	StateClosing:     (*Connection).rcvSynchronized,
	StateLastAck:     (*Connection).rcvSynchronized,
	StateTimeWait:    (*Connection).rcvTimeWait,
	StateClosed:      (*Connection).rcvClosed,
}

func (c *Connection) input(h *segHeader) {
	c.log.Debug("segment in", "state", c.state, "seg", h)
	rcvHandlers[c.state](c, h)
}

// rcvClosed answers segments for a connection that is not (or no longer)
// part of the table.
func (c *Connection) rcvClosed(h *segHeader) {
	c.core.respondReset(h)
}

// TIME_WAIT is never entered: FIN_WAIT_2 closes as soon as the peer's FIN
// is acknowledged.
func (c *Connection) rcvTimeWait(h *segHeader) {}

func (c *Connection) rcvListen(h *segHeader) {
	switch {
	case h.has(RSTFlag):
		return
	case h.has(ACKFlag):
		c.core.respondReset(h)
		return
	case !h.has(SYNFlag) || h.has(FINFlag):
		return
	}
	if c.pending != nil {
		c.log.Debug("backlog occupied, ignoring SYN", "from", h.src, "port", h.srcPort)
		return
	}
	if c.core.table.count() >= c.core.config.MaxConnections {
		c.log.Warn("connection limit reached, resetting SYN", "from", h.src, "port", h.srcPort)
		c.core.respondReset(h)
		return
	}
	child := newConnection(c.core)
	child.mu.Lock()
	err := child.passiveOpen(c, h)
	child.unlock()
	if err != nil {
		c.log.Debug("passive open failed", "err", err)
		return
	}
	c.pending = child
}

// passiveOpen initializes a connection spawned by listener l for SYN h.
func (c *Connection) passiveOpen(l *Connection, h *segHeader) error {
	c.localAddr = c.core.transport.LocalAddress()
	c.localPort = h.dstPort
	c.remoteAddr = h.src
	c.remotePort = h.srcPort
	c.blocking = l.blocking
	c.timeout = l.timeout
	c.irs = h.seq
	c.rcvNxt = h.seq + 1
	c.updateRcvWnd()
	c.initSendSpace()
	c.sndWnd = uint32(h.wnd)
	c.sndWl1 = h.seq
	c.sndWl2 = c.iss
	c.setMSS(h.mss)
	c.announceMSS = c.mss
	if err := c.core.table.insertEstablished(c); err != nil {
		c.state = StateClosed
		return err
	}
	c.parent = l
	c.setState(StateSynRcvd)
	c.sendSyn(SYNFlag | ACKFlag)
	return nil
}

func (c *Connection) rcvSynSent(h *segHeader) {
	ackOK := false
	if h.has(ACKFlag) {
		if isLessOrEqual(h.ack, c.iss) || isGreater(h.ack, c.sndMax) {
			c.core.respondReset(h)
			return
		}
		ackOK = true
	}
	if h.has(RSTFlag) {
		if ackOK {
			c.fail(ErrConnectionRefused)
		}
		return
	}
	if !h.has(SYNFlag) {
		return
	}
	c.irs = h.seq
	c.rcvNxt = h.seq + 1
	c.updateRcvWnd()
	c.setMSS(h.mss)
	c.sndWnd = uint32(h.wnd)
	c.sndWl1 = h.seq
	if !ackOK {
		// simultaneous open
		c.sndWl2 = c.iss
		c.setState(StateSynRcvd)
		c.sendSyn(SYNFlag | ACKFlag)
		return
	}
	c.sndWl2 = h.ack
	c.ackReceived(h.ack)
	c.setState(StateEstablished)
	h.flags &^= SYNFlag
	h.seq++
	c.processText(h)
	if c.state != StateClosed {
		c.sendAck()
		c.output()
	}
}

func (c *Connection) rcvSynRcvd(h *segHeader) {
	if !c.verifySeq(h) {
		return
	}
	if h.has(RSTFlag) {
		if c.parent != nil {
			c.fail(ErrConnectionReset)
		} else {
			c.fail(ErrConnectionRefused)
		}
		return
	}
	if h.has(SYNFlag) {
		c.abort(ErrConnectionReset)
		return
	}
	if !h.has(ACKFlag) {
		return
	}
	if isLessOrEqual(h.ack, c.sndUna) || isGreater(h.ack, c.sndMax) {
		c.core.respondReset(h)
		return
	}
	c.sndWnd = uint32(h.wnd)
	c.sndWl1 = h.seq
	c.sndWl2 = h.ack
	c.setState(StateEstablished)
	if c.parent != nil {
		c.notifyParent = c.parent
	}
	if !c.verifyAck(h) {
		return
	}
	c.processText(h)
}

// rcvSynchronized handles ESTABLISHED and every teardown state that
// still expects segments.
func (c *Connection) rcvSynchronized(h *segHeader) {
	if !c.verifySeq(h) {
		return
	}
	if h.has(RSTFlag) {
		c.fail(ErrConnectionReset)
		return
	}
	if h.has(SYNFlag) {
		c.abort(ErrConnectionReset)
		return
	}
	if !c.verifyAck(h) {
		return
	}
	if c.finSent && c.sndUna == c.sndMax {
		switch c.state {
		case StateFinWait1:
			c.setState(StateFinWait2)
		case StateClosing, StateLastAck:
			c.cleanup()
			return
		}
	}
	c.processText(h)
}

// processText delivers the payload and reacts to a FIN.
func (c *Connection) processText(h *segHeader) {
	if len(h.data) > 0 {
		switch c.state {
		case StateFinWait1, StateFinWait2:
			c.log.Info("data after local close, aborting", "len", len(h.data))
			c.abort(ErrConnectionAborted)
			return
		case StateEstablished:
			c.deliver(h.data)
		}
	}
	if !h.has(FINFlag) {
		return
	}
	c.rcvNxt++
	c.wakeAll()
	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
		c.delayAck()
	case StateFinWait1:
		c.setState(StateClosing)
		c.sendAck()
	case StateFinWait2:
		c.sendAck()
		c.cleanup()
	}
}

func (c *Connection) deliver(data []byte) {
	n := len(data)
	if !c.rdShut {
		n = c.recvQ.Append(data)
	}
	c.rcvNxt += uint32(n)
	c.updateRcvWnd()
	c.wakeAll()
	c.delayAck()
}

// verifySeq trims the already received prefix of a segment and reports
// whether anything of it is left to process.
func (c *Connection) verifySeq(h *segHeader) bool {
	if isGreater(h.seq, c.rcvNxt) {
		c.core.stats.OutOfOrder.Add(1)
		c.log.Debug("out of order segment dropped", "seq", h.seq, "rcv_nxt", c.rcvNxt)
		return false
	}
	todrop := seqDiff(c.rcvNxt, h.seq)
	trimmed := todrop > 0
	if todrop > 0 && h.has(SYNFlag) {
		h.flags &^= SYNFlag
		h.seq++
		todrop--
	}
	if todrop > 0 {
		if todrop > len(h.data) {
			// the FIN, if any, was seen before as well
			h.flags &^= FINFlag
		}
		todrop = min(todrop, len(h.data))
		h.data = h.data[todrop:]
		h.seq += uint32(todrop)
	}
	if trimmed && len(h.data) == 0 && !h.has(FINFlag) {
		if !h.has(RSTFlag) {
			c.core.stats.DuplicateAcks.Add(1)
			c.sendAck()
		}
		return false
	}
	if len(h.data) > int(c.rcvWnd) {
		c.log.Debug("segment exceeds window", "len", len(h.data), "rcv_wnd", c.rcvWnd)
		if !h.has(RSTFlag) {
			c.sendAck()
		}
		return false
	}
	return true
}

// verifyAck applies the acknowledgement and window fields. It reports
// false when the segment must not be processed further.
func (c *Connection) verifyAck(h *segHeader) bool {
	if !h.has(ACKFlag) {
		return false
	}
	if isGreater(h.ack, c.sndMax) {
		c.log.Debug("ack for unsent data", "ack", h.ack, "snd_max", c.sndMax)
		c.sendAck()
		return false
	}
	if isLess(h.ack, c.sndUna) {
		return true
	}
	c.retransmits = 0
	if isGreater(h.ack, c.sndUna) {
		c.ackReceived(h.ack)
	}
	if isLess(c.sndWl1, h.seq) || (c.sndWl1 == h.seq && isLessOrEqual(c.sndWl2, h.ack)) {
		c.sndWnd = uint32(h.wnd)
		c.sndWl1 = h.seq
		c.sndWl2 = h.ack
	}
	if c.probing && (c.sndWnd > 0 || c.sndUna == c.sndMax) {
		c.probing = false
		if c.sndUna != c.sndMax {
			// the peer dropped the probe; resend its byte with the data
			c.sndMax = c.sndUna
			c.rexmt.cancel()
		}
	}
	c.output()
	return true
}

// ackReceived advances snd_una to ack, which must lie within
// (snd_una, snd_max].
func (c *Connection) ackReceived(ack uint32) {
	acked := seqDiff(ack, c.sndUna)
	if c.rttTiming && isGreater(ack, c.rttSeq) {
		c.rttTiming = false
		c.updateRTT(int(c.core.clock.Now()-c.rttStart) + 1)
	}
	if !c.synAcked {
		c.synAcked = true
		acked--
	}
	if c.finSent && ack == c.sndMax {
		acked--
	}
	if acked > 0 && c.sendQ != nil {
		c.sendQ.Drop(acked)
	}
	c.sndUna = ack
	if c.sndUna == c.sndMax {
		c.rexmt.cancel()
	} else {
		c.armRexmt()
	}
	c.wakeAll()
}
