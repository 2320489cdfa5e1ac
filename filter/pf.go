package filter

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// pf keeps its block rules in an anchor that /etc/pf.conf must reference.
type pf struct {
	anchor string
	run    runner
	load   func(anchor, rules string) error

	mu    sync.Mutex
	rules []string
}

func newPF(anchor string, run runner) (*pf, error) {
	out, err := run("pfctl", "-s", "info")
	if err != nil {
		return nil, fmt.Errorf("filter: pfctl: %w", err)
	}
	if !strings.Contains(string(out), "Status: Enabled") {
		return nil, fmt.Errorf("filter: pf is not enabled")
	}
	conf, err := os.ReadFile("/etc/pf.conf")
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	if !strings.Contains(string(conf), fmt.Sprintf("anchor %q", anchor)) {
		return nil, fmt.Errorf("filter: /etc/pf.conf does not reference anchor %q", anchor)
	}
	return &pf{anchor: anchor, run: run, load: pfLoad}, nil
}

func pfRule(addr netip.Addr, port uint16) string {
	return fmt.Sprintf("block drop out quick inet proto tcp from %s port = %d to any flags R/R", addr, port)
}

// pfLoad replaces the anchor's rule set with rules.
func pfLoad(anchor, rules string) error {
	cmd := exec.Command("pfctl", "-a", anchor, "-f", "-")
	cmd.Stdin = strings.NewReader(rules)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("filter: load anchor %s: %w (%s)", anchor, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (f *pf) AddPort(addr netip.Addr, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule := pfRule(addr, port)
	for _, r := range f.rules {
		if r == rule {
			return nil
		}
	}
	next := append(f.rules[:len(f.rules):len(f.rules)], rule)
	if err := f.load(f.anchor, strings.Join(next, "\n")+"\n"); err != nil {
		return err
	}
	f.rules = next
	return nil
}

func (f *pf) RemovePort(addr netip.Addr, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule := pfRule(addr, port)
	next := make([]string, 0, len(f.rules))
	for _, r := range f.rules {
		if r != rule {
			next = append(next, r)
		}
	}
	if len(next) == len(f.rules) {
		return nil
	}
	if err := f.load(f.anchor, strings.Join(next, "\n")+"\n"); err != nil {
		return err
	}
	f.rules = next
	return nil
}

func (f *pf) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if out, err := f.run("pfctl", "-a", f.anchor, "-F", "rules"); err != nil {
		return fmt.Errorf("filter: flush anchor %s: %w (%s)", f.anchor, err, strings.TrimSpace(string(out)))
	}
	f.rules = nil
	return nil
}
