package lib

import (
	"net/netip"
)

// emit builds a header in front of a segment whose payload is already in
// place, checksums it and hands it to the transport. The segment is
// released afterwards.
func (tc *TcpCore) emit(seg *Segment, h *segHeader, dst netip.Addr) {
	writeHeader(seg, h)
	finishChecksum(seg, tc.transport.LocalAddress(), dst, tc.config.ProtocolID)
	ttlAndProto := uint16(tc.config.TTL)<<8 | uint16(tc.config.ProtocolID)
	if err := tc.transport.Output(seg, dst, seg.DataLength(), ttlAndProto, tc.config.TOS); err != nil {
		tc.log.Debug("output failed", "dst", dst, "err", err)
	}
	seg.Release()
	tc.stats.SegmentsOut.Add(1)
	if h.has(RSTFlag) {
		tc.stats.ResetsSent.Add(1)
	}
}

// transmit sends one segment of this connection. payload fills the n
// payload bytes of the freshly allocated segment when n > 0.
func (c *Connection) transmit(flags uint8, seq uint32, n int, payload func([]byte)) {
	h := segHeader{
		srcPort: c.localPort,
		dstPort: c.remotePort,
		seq:     seq,
		hlen:    TcpHeaderLength,
		flags:   flags,
		wnd:     uint16(min(c.rcvWnd, maxWindow)),
	}
	if flags&ACKFlag != 0 {
		h.ack = c.rcvNxt
	}
	if flags&SYNFlag != 0 {
		h.hlen = TcpSynHeaderLength
		h.mss = c.announceMSS
	}
	seg := c.core.transport.NewSegment(c.remoteAddr, h.hlen, n)
	if n > 0 {
		payload(seg.Bytes()[h.hlen:])
	}
	c.core.emit(seg, &h, c.remoteAddr)
	if flags&ACKFlag != 0 {
		c.delack.cancel()
		c.delayedAcks = 0
	}
}

// sendSyn (re)sends our SYN, with ACK when answering a peer's SYN.
func (c *Connection) sendSyn(flags uint8) {
	c.transmit(flags, c.iss, 0, nil)
	if c.sndMax == c.iss {
		c.sndMax = c.iss + 1
		c.rttTiming = true
		c.rttStart = c.core.clock.Now()
		c.rttSeq = c.iss
	}
	if !c.rexmt.armed() {
		c.armRexmt()
	}
}

func (c *Connection) sendAck() {
	c.transmit(ACKFlag, c.sndMax, 0, nil)
}

func (c *Connection) sendReset() {
	c.transmit(RSTFlag|ACKFlag, c.sndMax, 0, nil)
}

// sendData transmits n queued bytes starting off bytes after snd_una.
func (c *Connection) sendData(off, n int, flags uint8) {
	seq := c.sndUna + uint32(off)
	c.transmit(flags, seq, n, func(b []byte) {
		c.sendQ.GetPacket(b, off, n)
	})
}

// dataInFlight is the number of queued bytes already sent at least once.
func (c *Connection) dataInFlight() int {
	n := seqDiff(c.sndMax, c.sndUna)
	if c.finSent {
		n--
	}
	return n
}

func (c *Connection) canSend() bool {
	switch c.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
		return c.sendQ != nil
	}
	return false
}

// output sends whatever queued data the peer's window admits, then a
// pending FIN once every queued byte has gone out.
func (c *Connection) output() {
	if !c.canSend() {
		return
	}
	for !c.finSent {
		sent := c.dataInFlight()
		unsent := c.sendQ.Len() - sent
		wnd := int(c.sndWnd) - sent
		if unsent <= 0 || wnd <= 0 {
			break
		}
		n := min(unsent, wnd, c.mss)
		flags := ACKFlag
		if n == unsent {
			flags |= PSHFlag
		}
		c.sendData(sent, n, flags)
		if !c.rttTiming {
			c.rttTiming = true
			c.rttStart = c.core.clock.Now()
			c.rttSeq = c.sndMax
		}
		c.sndMax += uint32(n)
	}
	if c.finPending && !c.finSent && c.dataInFlight() == c.sendQ.Len() {
		c.transmit(FINFlag|ACKFlag, c.sndMax, 0, nil)
		c.sndMax++
		c.finSent = true
	}
	c.manageRexmt()
}

// manageRexmt keeps the retransmit timer armed while anything is
// outstanding, or while queued data waits on a zero window.
func (c *Connection) manageRexmt() {
	outstanding := c.sndMax != c.sndUna
	persist := c.sndWnd == 0 && c.sendQ != nil && c.sendQ.Len() > c.dataInFlight()
	switch {
	case outstanding || persist:
		if !c.rexmt.armed() {
			c.armRexmt()
		}
	default:
		c.rexmt.cancel()
	}
}

// retransmitOutstanding resends everything between snd_una and snd_max.
// With nothing outstanding and a closed peer window it sends a one byte
// window probe instead.
func (c *Connection) retransmitOutstanding() {
	switch c.state {
	case StateSynSent:
		c.sendSyn(SYNFlag)
		return
	case StateSynRcvd:
		c.sendSyn(SYNFlag | ACKFlag)
		return
	}
	if c.sendQ == nil {
		return
	}
	inflight := c.dataInFlight()
	if inflight == 0 && !c.finSent {
		if c.sendQ.Len() > 0 {
			c.sendData(0, 1, ACKFlag)
			c.sndMax++
			c.probing = true
		}
		return
	}
	for off := 0; off < inflight; {
		n := min(inflight-off, c.mss)
		flags := ACKFlag
		if off+n == inflight {
			flags |= PSHFlag
			if c.finSent {
				flags |= FINFlag
			}
		}
		c.sendData(off, n, flags)
		off += n
	}
	if inflight == 0 && c.finSent {
		c.transmit(FINFlag|ACKFlag, c.sndMax-1, 0, nil)
	}
}

// respondReset answers a segment that reached no connection, using the
// shared scratch header.
func (tc *TcpCore) respondReset(h *segHeader) {
	if h.has(RSTFlag) {
		return
	}
	tc.scratchMu.Lock()
	defer tc.scratchMu.Unlock()
	s := &tc.scratch
	*s = segHeader{srcPort: h.dstPort, dstPort: h.srcPort, hlen: TcpHeaderLength}
	if h.has(ACKFlag) {
		s.seq = h.ack
		s.flags = RSTFlag
	} else {
		s.ack = h.seq + h.seqLen()
		s.flags = RSTFlag | ACKFlag
	}
	seg := tc.transport.NewSegment(h.src, TcpHeaderLength, 0)
	tc.emit(seg, s, h.src)
}
