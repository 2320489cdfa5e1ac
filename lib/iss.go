package lib

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2s"
)

// issGenerator derives initial send sequence numbers from a clock that
// starts with the process, ticking every 4 microseconds, plus a keyed hash
// of the connection identity (RFC 6528).
type issGenerator struct {
	start time.Time
	key   [32]byte
	bump  atomic.Uint32
}

func newISSGenerator() *issGenerator {
	g := &issGenerator{start: time.Now()}
	if _, err := rand.Read(g.key[:]); err != nil {
		binary.BigEndian.PutUint64(g.key[:], uint64(g.start.UnixNano()))
	}
	return g
}

func (g *issGenerator) next(localAddr netip.Addr, localPort uint16, remoteAddr netip.Addr, remotePort uint16) uint32 {
	h, err := blake2s.New256(g.key[:])
	if err != nil {
		panic(err) // key length is fixed at 32
	}
	var tuple [12]byte
	l4, r4 := localAddr.As4(), remoteAddr.As4()
	copy(tuple[0:4], l4[:])
	copy(tuple[4:8], r4[:])
	binary.BigEndian.PutUint16(tuple[8:10], localPort)
	binary.BigEndian.PutUint16(tuple[10:12], remotePort)
	h.Write(tuple[:])
	offset := binary.BigEndian.Uint32(h.Sum(nil))
	ticks := uint32(time.Since(g.start) / (4 * time.Microsecond))
	return ticks + offset + g.bump.Add(64000)
}
