// Package filter keeps the host kernel from answering segments that belong
// to connections it does not know about. Ports owned by the user-space
// engine get a rule dropping the RSTs the kernel would send from them.
package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
)

var ErrUnsupported = errors.New("filter: RST suppression is not supported on this platform")

type Filter interface {
	// AddPort drops kernel generated RSTs sent from addr:port.
	AddPort(addr netip.Addr, port uint16) error
	RemovePort(addr netip.Addr, port uint16) error
	// Flush removes every rule this filter installed.
	Flush() error
}

// runner executes an external command and returns its combined output.
type runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		slog.Debug("filter command failed", "cmd", name, "args", args, "output", string(out))
	}
	return out, err
}

// detect prefers nftables and falls back to iptables. When neither works
// the caller runs without host filtering.
func detect(identifier string, run runner) (Filter, error) {
	nft, nftErr := newNftables(identifier, run)
	if nftErr == nil {
		slog.Info("using nftables for RST filtering", "table", identifier)
		return nft, nil
	}
	ipt, iptErr := newIptables(identifier, run)
	if iptErr == nil {
		slog.Info("using iptables for RST filtering")
		return ipt, nil
	}
	return nil, fmt.Errorf("filter: no packet filter available: %w", errors.Join(nftErr, iptErr))
}
