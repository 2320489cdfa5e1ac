package lib

import (
	"fmt"
	"log/slog"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// SegmentPool hands out fixed-size byte chunks backing Segments.
type SegmentPool struct {
	ring     *rp.RingPool
	chunkLen int
}

// NewSegmentPool creates a pool of size chunks, each chunkLen bytes long.
func NewSegmentPool(size, chunkLen int, debug bool) *SegmentPool {
	rp.Debug = debug
	ring := rp.NewRingPool("TCP: ", size, NewPayload, chunkLen)
	ring.Debug = debug
	return &SegmentPool{ring: ring, chunkLen: chunkLen}
}

// ChunkLen is the largest segment (headroom included) the pool can back.
func (sp *SegmentPool) ChunkLen() int {
	return sp.chunkLen
}

// Get allocates a segment with headroom bytes in front of a header of
// headerLen bytes followed by payloadLen bytes of payload. The segment's
// header offset starts at the header.
func (sp *SegmentPool) Get(headroom, headerLen, payloadLen int) *Segment {
	total := headroom + headerLen + payloadLen
	if sp == nil || total > sp.chunkLen {
		return newHeapSegment(headroom, total)
	}
	elem := sp.ring.GetElement()
	if elem == nil {
		return newHeapSegment(headroom, total)
	}
	p := elem.Data.(*Payload)
	p.length = total
	return &Segment{buf: p.payloadBytes[:total], off: headroom, chunk: elem, pool: sp}
}

func (sp *SegmentPool) put(elem *rp.Element) {
	elem.Data.(*Payload).length = 0
	sp.ring.ReturnElement(elem)
}

// Payload is the chunk type stored in the ring pool.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool chunk; the single parameter is the chunk length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		slog.Error("NewPayload: invalid number of parameters, want the chunk length")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok {
		slog.Error("NewPayload: chunk length must be an int")
		return nil
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source (%d) is longer than chunk (%d)", len(src), len(p.payloadBytes))
	}
	p.length = copy(p.payloadBytes, src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
