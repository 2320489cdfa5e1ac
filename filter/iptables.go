package filter

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
)

// iptables tags its rules with a comment so Flush finds them again.
type iptables struct {
	comment string
	run     runner
}

func newIptables(comment string, run runner) (*iptables, error) {
	if out, err := run("iptables", "-S", "OUTPUT"); err != nil {
		return nil, fmt.Errorf("filter: iptables is not available: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return &iptables{comment: comment, run: run}, nil
}

func (f *iptables) ruleArgs(op string, addr netip.Addr, port uint16) []string {
	return []string{op, "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST",
		"-s", addr.String(), "--sport", strconv.Itoa(int(port)),
		"-m", "comment", "--comment", f.comment, "-j", "DROP"}
}

func (f *iptables) AddPort(addr netip.Addr, port uint16) error {
	// -C succeeds when the rule is already present
	if _, err := f.run("iptables", f.ruleArgs("-C", addr, port)...); err == nil {
		return nil
	}
	if out, err := f.run("iptables", f.ruleArgs("-A", addr, port)...); err != nil {
		return fmt.Errorf("filter: add rule for %s:%d: %w (%s)", addr, port, err, strings.TrimSpace(string(out)))
	}
	slog.Debug("RST filter added", "addr", addr, "port", port)
	return nil
}

func (f *iptables) RemovePort(addr netip.Addr, port uint16) error {
	if out, err := f.run("iptables", f.ruleArgs("-D", addr, port)...); err != nil {
		return fmt.Errorf("filter: remove rule for %s:%d: %w (%s)", addr, port, err, strings.TrimSpace(string(out)))
	}
	slog.Debug("RST filter removed", "addr", addr, "port", port)
	return nil
}

func (f *iptables) Flush() error {
	out, err := f.run("iptables", "-S", "OUTPUT")
	if err != nil {
		return fmt.Errorf("filter: list rules: %w", err)
	}
	var failed []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "-A" || !hasComment(fields, f.comment) {
			continue
		}
		fields[0] = "-D"
		for i := range fields {
			fields[i] = strings.Trim(fields[i], `"`)
		}
		if _, err := f.run("iptables", fields...); err != nil {
			failed = append(failed, line)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("filter: %d rules could not be deleted: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}

func hasComment(fields []string, comment string) bool {
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "--comment" && strings.Trim(fields[i+1], `"`) == comment {
			return true
		}
	}
	return false
}
