package lib

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// node is one engine attached to a Loopback network.
type node struct {
	core *TcpCore
	tr   *LoopbackTransport
}

func newNode(t *testing.T, lo *Loopback, addr string, cfg *TcpCoreConfig) *node {
	t.Helper()
	tr := lo.NewTransport(netip.MustParseAddr(addr))
	core, err := NewTcpCore(cfg, tr)
	if err != nil {
		t.Fatal(err)
	}
	tr.Start(core)
	t.Cleanup(func() {
		core.Close()
		tr.Close()
	})
	return &node{core: core, tr: tr}
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state %v, want %v", c.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func readAll(t *testing.T, c *Connection, n int) []byte {
	t.Helper()
	c.SetTimeout(2 * time.Second)
	out := make([]byte, 0, n)
	buf := make([]byte, 1024)
	for len(out) < n {
		k, err := c.Read(buf)
		if err != nil {
			t.Fatalf("read after %d bytes: %v", len(out), err)
		}
		out = append(out, buf[:k]...)
	}
	return out
}

func TestLoopbackPingAndClose(t *testing.T) {
	lo := NewLoopback(1500, nil)
	n := newNode(t, lo, "10.0.0.1", testConfig())

	l, err := n.core.Listen(9000)
	if err != nil {
		t.Fatal(err)
	}
	accepted := make(chan *Connection, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
		}
		accepted <- c
	}()

	client, err := n.core.Dial(netip.MustParseAddr("127.0.0.1"), 9000)
	if err != nil {
		t.Fatal(err)
	}
	server := <-accepted
	if server == nil {
		t.FailNow()
	}
	if client.State() != StateEstablished || server.State() != StateEstablished {
		t.Fatalf("states %v / %v", client.State(), server.State())
	}
	if got := server.RemoteAddr(); got.Port() != client.LocalPort() || got.Addr() != n.tr.LocalAddress() {
		t.Errorf("server sees peer %v, client port %d", got, client.LocalPort())
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, server, 4); string(got) != "ping" {
		t.Errorf("server read %q", got)
	}

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	server.SetTimeout(2 * time.Second)
	if _, err := server.Read(make([]byte, 4)); err != io.EOF {
		t.Fatalf("server read after peer close: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatal(err)
	}
	waitState(t, client, StateClosed)
	waitState(t, server, StateClosed)
	if client.Err() != nil || server.Err() != nil {
		t.Errorf("orderly close failed: %v / %v", client.Err(), server.Err())
	}
	l.Close()
	if n.core.OwnsPort(9000) || n.core.OwnsPort(client.LocalPort()) {
		t.Error("ports still reserved after close")
	}
}

func TestLoopbackTwoClientsOneBacklogSlot(t *testing.T) {
	lo := NewLoopback(1500, nil)
	cfg := testConfig()
	cfg.TickPeriod = 50 * time.Millisecond
	cfg.InitialRTO = 2
	server := newNode(t, lo, "10.0.0.1", cfg)
	clients := []*node{
		newNode(t, lo, "10.0.0.2", cfg),
		newNode(t, lo, "10.0.0.3", cfg),
	}

	l, err := server.core.Listen(8080)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	conns := make([]*Connection, len(clients))
	for i, cl := range clients {
		wg.Add(1)
		go func(i int, cl *node) {
			defer wg.Done()
			c, err := cl.core.Dial(server.tr.LocalAddress(), 8080)
			if err != nil {
				t.Errorf("client %d: %v", i, err)
				return
			}
			conns[i] = c
		}(i, cl)
	}

	l.SetTimeout(3 * time.Second)
	seen := map[netip.Addr]bool{}
	for i := 0; i < 2; i++ {
		c, err := l.Accept()
		if err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
		seen[c.RemoteAddr().Addr()] = true
		c.Write([]byte{byte(i)})
	}
	wg.Wait()
	if len(seen) != 2 {
		t.Errorf("accepted peers %v", seen)
	}
	for i, c := range conns {
		if c == nil {
			continue
		}
		if got := readAll(t, c, 1); len(got) != 1 {
			t.Errorf("client %d read %v", i, got)
		}
	}
}

func transfer(t *testing.T, cfg *TcpCoreConfig, lo *Loopback, payload []byte, blocking bool) {
	t.Helper()
	a := newNode(t, lo, "10.0.0.1", cfg)
	b := newNode(t, lo, "10.0.0.2", cfg)

	l, err := b.core.Listen(7000)
	if err != nil {
		t.Fatal(err)
	}
	c, err := a.core.Dial(b.tr.LocalAddress(), 7000)
	if err != nil {
		t.Fatal(err)
	}
	l.SetTimeout(2 * time.Second)
	s, err := l.Accept()
	if err != nil {
		t.Fatal(err)
	}

	writeErr := make(chan error, 1)
	go func() {
		if blocking {
			_, err := c.Write(payload)
			writeErr <- err
			return
		}
		c.ConfigureBlocking(false)
		sent := 0
		for sent < len(payload) {
			n, err := c.Write(payload[sent:])
			sent += n
			switch {
			case errors.Is(err, ErrWouldBlock):
				if _, err := c.Poll(PollOut, 2*time.Second); err != nil {
					writeErr <- err
					return
				}
			case err != nil:
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	// the sender never has more in flight than the peer's window, nor
	// more queued than the send queue holds
	done := make(chan struct{})
	exited := make(chan struct{})
	samples := 0
	stop := sync.OnceFunc(func() {
		close(done)
		<-exited
	})
	t.Cleanup(stop)
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			default:
			}
			v := vars(c)
			inflight := v.sndMax - v.sndUna
			if inflight > v.sndWnd && !(v.probing && inflight == 1) {
				t.Errorf("%d bytes in flight with peer window %d", inflight, v.sndWnd)
				return
			}
			if v.sendQueued > cfg.SendQueueSize {
				t.Errorf("send queue holds %d of %d", v.sendQueued, cfg.SendQueueSize)
				return
			}
			samples++
			time.Sleep(50 * time.Microsecond)
		}
	}()

	got := readAll(t, s, len(payload))
	err = <-writeErr
	stop()
	if samples == 0 {
		t.Error("sender state never sampled")
	}
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("received bytes differ from those sent")
	}
	if v := vars(s); int(v.rcvWnd)+v.queued != cfg.RecvQueueSize {
		t.Errorf("receiver window %d + queued %d", v.rcvWnd, v.queued)
	}

	c.Close()
	s.SetTimeout(2 * time.Second)
	if _, err := s.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read at end of stream: %v", err)
	}
	s.Close()
	waitState(t, c, StateClosed)
}

func TestLoopbackBulkTransfer(t *testing.T) {
	payload := make([]byte, 20000)
	rand.New(rand.NewSource(1)).Read(payload)

	for _, blocking := range []bool{true, false} {
		name := "blocking"
		if !blocking {
			name = "non-blocking"
		}
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.TickPeriod = 50 * time.Millisecond
			cfg.DelayedAckTimeout = 20 * time.Millisecond
			transfer(t, cfg, NewLoopback(1500, nil), payload, blocking)
		})
	}
}

func TestLoopbackRecoversFromLoss(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetransmits = 8
	cfg.DelayedAckTimeout = 20 * time.Millisecond
	lo := NewLoopback(1500, nil)

	// drop every fifth segment that carries payload
	var n atomic.Int32
	lo.SetDropFunc(func(src, dst netip.Addr, seg []byte) bool {
		hlen := int(seg[offDataOff]>>4) * 4
		if len(seg) <= hlen {
			return false
		}
		return n.Add(1)%5 == 0
	})

	payload := bytes.Repeat([]byte("0123456789"), 3000)
	transfer(t, cfg, lo, payload, true)
	if n.Load() < 5 {
		t.Errorf("only %d data segments seen", n.Load())
	}
}

func TestLoopbackZeroWindowRecovery(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRTO = 128
	cfg.RecvQueueSize = 1000
	cfg.DelayedAckTimeout = 20 * time.Millisecond
	lo := NewLoopback(1500, nil)
	a := newNode(t, lo, "10.0.0.1", cfg)
	b := newNode(t, lo, "10.0.0.2", cfg)

	l, err := b.core.Listen(7001)
	if err != nil {
		t.Fatal(err)
	}
	c, err := a.core.Dial(b.tr.LocalAddress(), 7001)
	if err != nil {
		t.Fatal(err)
	}
	l.SetTimeout(2 * time.Second)
	s, err := l.Accept()
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte("z"), 3000)
	writeErr := make(chan error, 1)
	go func() {
		_, err := c.Write(payload)
		writeErr <- err
	}()

	// let the window close and the persist timer back off
	time.Sleep(1500 * time.Millisecond)
	if v := vars(s); v.rcvWnd != 0 {
		t.Fatalf("receiver window %d, want 0", v.rcvWnd)
	}
	start := time.Now()
	got := readAll(t, s, len(payload))
	if d := time.Since(start); d > 300*time.Millisecond {
		t.Errorf("drained %d bytes in %v after the window reopened", len(got), d)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("write: %v", err)
	}
	if n := b.core.Stats().OutOfOrder; n != 0 {
		t.Errorf("receiver dropped %d out of order segments", n)
	}
}

func TestLoopbackUnknownHost(t *testing.T) {
	lo := NewLoopback(1500, nil)
	a := newNode(t, lo, "10.0.0.1", testConfig())
	_, err := a.core.Dial(netip.MustParseAddr("10.0.0.99"), 80)
	if !errors.Is(err, ErrHostUnreachable) {
		t.Errorf("dial to unknown host: %v", err)
	}
}

func TestLoopbackRefused(t *testing.T) {
	lo := NewLoopback(1500, nil)
	a := newNode(t, lo, "10.0.0.1", testConfig())
	newNode(t, lo, "10.0.0.2", testConfig())
	_, err := a.core.Dial(netip.MustParseAddr("10.0.0.2"), 80)
	if !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("dial to closed port: %v", err)
	}
}
