package lib

import (
	"sync"
	"sync/atomic"
	"time"
)

// RttClock is the coarse tick counter round-trip samples are taken with.
type RttClock struct {
	ticks  atomic.Uint32
	period time.Duration
	quit   chan struct{}
	wg     sync.WaitGroup
}

func newRttClock(period time.Duration) *RttClock {
	c := &RttClock{period: period, quit: make(chan struct{})}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *RttClock) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.ticks.Add(1)
		case <-c.quit:
			return
		}
	}
}

// Now returns the current tick.
func (c *RttClock) Now() uint32 {
	return c.ticks.Load()
}

func (c *RttClock) stop() {
	close(c.quit)
	c.wg.Wait()
}

// timerScheduler runs expired one-shot timers on a fixed set of workers.
type timerScheduler struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
}

func newTimerScheduler(workers int) *timerScheduler {
	s := &timerScheduler{
		tasks: make(chan func(), workers*16),
		quit:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *timerScheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.quit:
			return
		}
	}
}

func (s *timerScheduler) schedule(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case s.tasks <- fn:
		case <-s.quit:
		}
	})
}

func (s *timerScheduler) stop() {
	close(s.quit)
	s.wg.Wait()
}

type timerKind uint8

const (
	timerRexmt timerKind = iota
	timerDelAck
)

// connTimer is a cancellable one-shot timer owned by a connection. The
// callback only carries the connection id and a generation number; a
// fire whose generation no longer matches is ignored.
type connTimer struct {
	t   *time.Timer
	gen uint64
}

func (ct *connTimer) arm(c *Connection, kind timerKind, d time.Duration) {
	ct.cancel()
	tc, id, gen := c.core, c.id, ct.gen
	ct.t = tc.sched.schedule(d, func() { tc.timerFired(id, kind, gen) })
}

func (ct *connTimer) cancel() {
	if ct.t != nil {
		ct.t.Stop()
		ct.t = nil
	}
	ct.gen++
}

func (ct *connTimer) armed() bool {
	return ct.t != nil
}

func (tc *TcpCore) timerFired(id uint64, kind timerKind, gen uint64) {
	c := tc.table.lookupID(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.unlock()
	ct := &c.rexmt
	if kind == timerDelAck {
		ct = &c.delack
	}
	if ct.t == nil || ct.gen != gen {
		return
	}
	ct.t = nil
	switch kind {
	case timerRexmt:
		c.retransmitTimeout()
	case timerDelAck:
		c.delayedAckTimeout()
	}
}
