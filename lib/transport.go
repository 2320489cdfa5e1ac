package lib

import "net/netip"

// Transport is the packet layer underneath the engine.
//
// The engine calls Output with the connection lock held, so Output must
// not block on, or call back into, the engine. The segment is released
// by the engine once Output returns.
type Transport interface {
	// NewSegment allocates a segment for dst with headerLen bytes of
	// header and payloadLen bytes of payload, and enough headroom in
	// front of the header for the checksum pseudo-header and lower layers.
	NewSegment(dst netip.Addr, headerLen, payloadLen int) *Segment
	// Output transmits length bytes from the segment's header offset.
	// ttlAndProto carries the TTL in the high byte and the protocol in
	// the low byte.
	Output(seg *Segment, dst netip.Addr, length int, ttlAndProto uint16, tos uint8) error
	LocalAddress() netip.Addr
	RouteMSS(dst netip.Addr) int
	CheckRoute(dst netip.Addr)
}

// PortObserver is implemented by transports that need to know which
// local ports the engine owns.
type PortObserver interface {
	PortBound(port uint16)
	PortReleased(port uint16)
}
