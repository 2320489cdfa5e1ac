package filter

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
)

// nftables keeps its rules in a table of its own, named after the
// identifier, so Flush drops the whole table.
type nftables struct {
	table string
	run   runner
}

func newNftables(table string, run runner) (*nftables, error) {
	if out, err := run("nft", "list", "tables"); err != nil {
		return nil, fmt.Errorf("filter: nftables is not available: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	f := &nftables{table: table, run: run}
	if err := f.ensureChain(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *nftables) ensureChain() error {
	// add is a no-op for an existing table or chain
	if out, err := f.run("nft", "add", "table", "ip", f.table); err != nil {
		return fmt.Errorf("filter: create table %s: %w (%s)", f.table, err, strings.TrimSpace(string(out)))
	}
	if out, err := f.run("nft", "add", "chain", "ip", f.table, "output",
		"{", "type", "filter", "hook", "output", "priority", "0", ";", "}"); err != nil {
		return fmt.Errorf("filter: create output chain: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func nftMatch(addr netip.Addr, port uint16) string {
	return fmt.Sprintf("ip saddr %s tcp sport %d ", addr, port)
}

// handles lists the rule handles in the output chain matching addr:port.
func (f *nftables) handles(addr netip.Addr, port uint16) ([]string, error) {
	out, err := f.run("nft", "-a", "list", "chain", "ip", f.table, "output")
	if err != nil {
		return nil, fmt.Errorf("filter: list chain: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	match := nftMatch(addr, port)
	var handles []string
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, match) {
			continue
		}
		if i := strings.LastIndex(line, "# handle "); i >= 0 {
			handles = append(handles, strings.TrimSpace(line[i+len("# handle "):]))
		}
	}
	return handles, nil
}

func (f *nftables) AddPort(addr netip.Addr, port uint16) error {
	existing, err := f.handles(addr, port)
	if err != nil {
		// the chain may have been removed underneath us
		if err := f.ensureChain(); err != nil {
			return err
		}
	} else if len(existing) > 0 {
		return nil
	}
	rule := strings.Fields(nftMatch(addr, port) + "tcp flags rst drop")
	args := append([]string{"add", "rule", "ip", f.table, "output"}, rule...)
	if out, err := f.run("nft", args...); err != nil {
		return fmt.Errorf("filter: add rule for %s:%d: %w (%s)", addr, port, err, strings.TrimSpace(string(out)))
	}
	slog.Debug("RST filter added", "addr", addr, "port", port, "table", f.table)
	return nil
}

func (f *nftables) RemovePort(addr netip.Addr, port uint16) error {
	handles, err := f.handles(addr, port)
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		return fmt.Errorf("filter: no rule for %s:%d", addr, port)
	}
	for _, h := range handles {
		if out, err := f.run("nft", "delete", "rule", "ip", f.table, "output", "handle", h); err != nil {
			return fmt.Errorf("filter: remove rule for %s:%d: %w (%s)", addr, port, err, strings.TrimSpace(string(out)))
		}
	}
	slog.Debug("RST filter removed", "addr", addr, "port", port, "table", f.table)
	return nil
}

func (f *nftables) Flush() error {
	if out, err := f.run("nft", "delete", "table", "ip", f.table); err != nil {
		return fmt.Errorf("filter: delete table %s: %w (%s)", f.table, err, strings.TrimSpace(string(out)))
	}
	return nil
}
