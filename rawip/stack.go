package rawip

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/timhartley/GuestVM-sub000/config"
	"github.com/timhartley/GuestVM-sub000/filter"
	"github.com/timhartley/GuestVM-sub000/lib"
)

const tcpMaxHeaderLength = 60

// Stack is an engine bound to a raw transport.
type Stack struct {
	Core      *lib.TcpCore
	Transport *Transport
}

// NewStack opens the transport described by cfg.Net and starts an engine
// on it. When filtering is requested but unavailable the stack runs
// without it.
func NewStack(cfg *config.Config) (*Stack, error) {
	coreCfg := cfg.CoreConfig()
	chunk := lib.IpHeaderMaxLength + tcpMaxHeaderLength + coreCfg.PreferredMSS
	pool := lib.NewSegmentPool(coreCfg.PayloadPoolSize, chunk, coreCfg.PoolDebug)

	var local netip.Addr
	if cfg.Net.LocalAddr != "" {
		a, err := netip.ParseAddr(cfg.Net.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("rawip: local address: %w", err)
		}
		local = a
	}
	var f filter.Filter
	if cfg.Net.Filter {
		var err error
		if f, err = filter.NewFilter(cfg.Net.FilterIdentifier); err != nil {
			slog.Warn("host RST suppression disabled", "err", err)
			f = nil
		}
	}

	tr, err := Open(Config{
		LocalAddr:    local,
		Interface:    cfg.Net.Interface,
		SocketBuffer: cfg.Net.SocketBuffer,
		Filter:       f,
		Pool:         pool,
	})
	if err != nil {
		return nil, err
	}
	core, err := lib.NewTcpCore(coreCfg, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}
	tr.Start(core)
	return &Stack{Core: core, Transport: tr}, nil
}

// Close resets every connection, then shuts the transport down.
func (s *Stack) Close() error {
	s.Core.Close()
	return s.Transport.Close()
}
