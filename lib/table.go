package lib

import (
	"net/netip"
	"sync"
)

type connKey struct {
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16
}

// connTable demultiplexes inbound segments. Its lock is a leaf: no
// connection lock is ever taken while holding it.
type connTable struct {
	mu          sync.RWMutex
	listening   map[uint16]*Connection
	established map[connKey]*Connection
	byID        map[uint64]*Connection
	bound       map[uint16]*Connection // port reservations made by bind/listen/connect
	portUsers   map[uint16]int         // established connections per local port
}

func newConnTable() *connTable {
	return &connTable{
		listening:   make(map[uint16]*Connection),
		established: make(map[connKey]*Connection),
		byID:        make(map[uint64]*Connection),
		bound:       make(map[uint16]*Connection),
		portUsers:   make(map[uint16]int),
	}
}

// reserve claims port for c. Without reuse a port that is still the local
// port of a live connection counts as in use.
func (t *connTable) reserve(c *Connection, port uint16, reuse bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if owner, ok := t.bound[port]; ok && owner != c {
		return ErrPortInUse
	}
	if !reuse && t.portUsers[port] > 0 {
		return ErrPortInUse
	}
	t.bound[port] = c
	return nil
}

func (t *connTable) release(port uint16, c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound[port] == c {
		delete(t.bound, port)
	}
}

func (t *connTable) portFree(port uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, bound := t.bound[port]
	return !bound && t.portUsers[port] == 0
}

func (t *connTable) insertListening(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(c)
	t.listening[c.localPort] = c
	t.byID[c.id] = c
}

// insertEstablished fails if another connection already owns the 4-tuple.
func (t *connTable) insertEstablished(c *Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := c.key()
	if other, ok := t.established[k]; ok && other != c {
		return ErrPortInUse
	}
	t.removeLocked(c)
	t.established[k] = c
	t.portUsers[c.localPort]++
	t.byID[c.id] = c
	return nil
}

func (t *connTable) remove(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(c)
}

func (t *connTable) removeLocked(c *Connection) {
	if t.listening[c.localPort] == c {
		delete(t.listening, c.localPort)
	}
	k := c.key()
	if t.established[k] == c {
		delete(t.established, k)
		if t.portUsers[c.localPort]--; t.portUsers[c.localPort] <= 0 {
			delete(t.portUsers, c.localPort)
		}
	}
	delete(t.byID, c.id)
}

// lookup finds the connection for an inbound segment: the established
// map by 4-tuple first, then the listening map by local port.
func (t *connTable) lookup(localPort uint16, remoteAddr netip.Addr, remotePort uint16) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.established[connKey{localPort, remoteAddr, remotePort}]; ok {
		return c
	}
	return t.listening[localPort]
}

func (t *connTable) lookupID(id uint64) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

func (t *connTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listening) + len(t.established)
}

func (t *connTable) snapshot() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	all := make([]*Connection, 0, len(t.byID))
	for _, c := range t.byID {
		all = append(all, c)
	}
	return all
}

func (t *connTable) ownsPort(port uint16) bool {
	return !t.portFree(port) || t.hasListener(port)
}

func (t *connTable) hasListener(port uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.listening[port]
	return ok
}
