package lib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	errShortSegment  = errors.New("segment shorter than header")
	errBadDataOffset = errors.New("bad header length")
)

// Segment is a mutable packet buffer. The header offset marks where the
// current protocol header starts; room in front of it is available for
// lower layers (or the checksum pseudo-header) via ShiftHeader.
type Segment struct {
	buf   []byte
	off   int
	chunk *rp.Element // chunk backing buf when it came from a pool
	pool  *SegmentPool
}

// NewSegment allocates an unpooled segment.
func NewSegment(headroom, headerLen, payloadLen int) *Segment {
	return newHeapSegment(headroom, headroom+headerLen+payloadLen)
}

func newHeapSegment(headroom, total int) *Segment {
	return &Segment{buf: make([]byte, total), off: headroom}
}

// SegmentFromBytes copies b into a new segment leaving headroom bytes in front.
func SegmentFromBytes(pool *SegmentPool, headroom int, b []byte) *Segment {
	seg := pool.Get(headroom, 0, len(b))
	copy(seg.Bytes(), b)
	return seg
}

// ShiftHeader moves the header offset n bytes towards the front of the
// buffer. A negative n strips bytes from the front.
func (s *Segment) ShiftHeader(n int) {
	if s.off-n < 0 || s.off-n > len(s.buf) {
		panic(fmt.Sprintf("segment: header shift %d out of range (offset %d, len %d)", n, s.off, len(s.buf)))
	}
	s.off -= n
}

// Bytes returns the segment from the current header offset to its end.
func (s *Segment) Bytes() []byte {
	return s.buf[s.off:]
}

// DataLength is the number of bytes from the header offset to the end.
func (s *Segment) DataLength() int {
	return len(s.buf) - s.off
}

// Truncate limits the segment to n bytes after the header offset.
func (s *Segment) Truncate(n int) {
	if n < s.DataLength() {
		s.buf = s.buf[:s.off+n]
	}
}

func (s *Segment) GetByte(off int) uint8      { return s.buf[s.off+off] }
func (s *Segment) PutByte(off int, v uint8)   { s.buf[s.off+off] = v }
func (s *Segment) GetShort(off int) uint16    { return binary.BigEndian.Uint16(s.buf[s.off+off:]) }
func (s *Segment) PutShort(off int, v uint16) { binary.BigEndian.PutUint16(s.buf[s.off+off:], v) }
func (s *Segment) GetInt(off int) uint32      { return binary.BigEndian.Uint32(s.buf[s.off+off:]) }
func (s *Segment) PutInt(off int, v uint32)   { binary.BigEndian.PutUint32(s.buf[s.off+off:], v) }

// Cksum returns the internet checksum of n bytes starting at off.
func (s *Segment) Cksum(off, n int) uint16 {
	return CalculateChecksum(s.buf[s.off+off : s.off+off+n])
}

// Release returns the segment's chunk to its pool. The segment must not be
// used afterwards.
func (s *Segment) Release() {
	if s.chunk != nil {
		s.pool.put(s.chunk)
		s.chunk = nil
	}
	s.buf = nil
}

func CalculateChecksum(buffer []byte) uint16 {
	return checksumFinish(checksumAdd(0, buffer))
}

// checksumAdd accumulates 16-bit big endian words. Only the last chunk
// passed in a sequence may have odd length.
func checksumAdd(cksum uint32, buffer []byte) uint32 {
	n := len(buffer) &^ 1
	for i := 0; i < n; i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i:]))
	}
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}
	return cksum
}

func checksumFinish(cksum uint32) uint16 {
	for cksum>>16 != 0 {
		cksum = (cksum >> 16) + (cksum & 0xffff)
	}
	return ^uint16(cksum)
}

// putPseudoHeader writes the 12 byte checksum pseudo-header:
// protocol and segment length, then source and destination address.
func putPseudoHeader(b []byte, src, dst netip.Addr, protocolID uint8, length int) {
	b[0] = 0
	b[1] = protocolID
	binary.BigEndian.PutUint16(b[2:4], uint16(length))
	s4, d4 := src.As4(), dst.As4()
	copy(b[4:8], s4[:])
	copy(b[8:12], d4[:])
}

func verifyChecksum(seg *Segment, src, dst netip.Addr, protocolID uint8) bool {
	var ph [TcpPseudoHeaderLength]byte
	putPseudoHeader(ph[:], src, dst, protocolID, seg.DataLength())
	return checksumFinish(checksumAdd(checksumAdd(0, ph[:]), seg.Bytes())) == 0
}

// segHeader is a decoded TCP header plus a view of the payload.
type segHeader struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	hlen             int
	flags            uint8
	wnd              uint16
	mss              int // 0 when no MSS option is present
	data             []byte
	src              netip.Addr
}

func (h *segHeader) has(flag uint8) bool {
	return h.flags&flag != 0
}

// seqLen is the amount of sequence space the segment occupies.
func (h *segHeader) seqLen() uint32 {
	n := uint32(len(h.data))
	if h.has(SYNFlag) {
		n++
	}
	if h.has(FINFlag) {
		n++
	}
	return n
}

func (h *segHeader) String() string {
	return fmt.Sprintf("%d->%d seq=%d ack=%d flags=%s wnd=%d len=%d",
		h.srcPort, h.dstPort, h.seq, h.ack, flagString(h.flags), h.wnd, len(h.data))
}

func parseSegment(seg *Segment) (segHeader, error) {
	var h segHeader
	n := seg.DataLength()
	if n < TcpHeaderLength {
		return h, errShortSegment
	}
	h.hlen = int(seg.GetByte(offDataOff)>>4) * 4
	if h.hlen < TcpHeaderLength || h.hlen > n {
		return h, errBadDataOffset
	}
	h.srcPort = seg.GetShort(offSrcPort)
	h.dstPort = seg.GetShort(offDstPort)
	h.seq = seg.GetInt(offSeq)
	h.ack = seg.GetInt(offAck)
	h.flags = seg.GetByte(offFlags) & 0x3f
	h.wnd = seg.GetShort(offWindow)
	h.mss = parseMSSOption(seg.Bytes()[offOptions:h.hlen])
	h.data = seg.Bytes()[h.hlen:]
	return h, nil
}

func parseMSSOption(opts []byte) int {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case optEnd:
			return 0
		case optNop:
			i++
			continue
		}
		if i+1 >= len(opts) || opts[i+1] < 2 || i+int(opts[i+1]) > len(opts) {
			return 0
		}
		if opts[i] == optMSS && opts[i+1] == optMSSLen {
			return int(binary.BigEndian.Uint16(opts[i+2:]))
		}
		i += int(opts[i+1])
	}
	return 0
}

// writeHeader fills the header at the segment's header offset. The
// checksum field is left zero.
func writeHeader(seg *Segment, h *segHeader) {
	seg.PutShort(offSrcPort, h.srcPort)
	seg.PutShort(offDstPort, h.dstPort)
	seg.PutInt(offSeq, h.seq)
	seg.PutInt(offAck, h.ack)
	seg.PutByte(offDataOff, uint8(h.hlen/4)<<4)
	seg.PutByte(offFlags, h.flags)
	seg.PutShort(offWindow, h.wnd)
	seg.PutShort(offChecksum, 0)
	seg.PutShort(offUrgent, 0)
	if h.hlen == TcpSynHeaderLength {
		seg.PutByte(offOptions, optMSS)
		seg.PutByte(offOptions+1, optMSSLen)
		seg.PutShort(offOptions+2, uint16(h.mss))
	}
}

// finishChecksum prepends the pseudo-header, checksums pseudo-header plus
// segment and stores the result in the header.
func finishChecksum(seg *Segment, src, dst netip.Addr, protocolID uint8) {
	length := seg.DataLength()
	seg.ShiftHeader(TcpPseudoHeaderLength)
	putPseudoHeader(seg.Bytes(), src, dst, protocolID, length)
	cksum := seg.Cksum(0, seg.DataLength())
	seg.ShiftHeader(-TcpPseudoHeaderLength)
	seg.PutShort(offChecksum, cksum)
}

func flagString(flags uint8) string {
	names := [...]string{"FIN", "SYN", "RST", "PSH", "ACK", "URG"}
	s := ""
	for i, name := range names {
		if flags&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}
