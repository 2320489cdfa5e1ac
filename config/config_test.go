package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseOverridesDefaults(t *testing.T) {
	doc := `
core:
  preferred_mss: 1200
  tick_period: 100ms
  delayed_ack_timeout: 50ms
  max_retransmits: 5
net:
  local_addr: 192.0.2.10
  filter: false
log:
  level: debug
  format: json
`
	cfg, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	core := cfg.CoreConfig()
	if core.PreferredMSS != 1200 || core.TickPeriod != 100*time.Millisecond ||
		core.DelayedAckTimeout != 50*time.Millisecond || core.MaxRetransmits != 5 {
		t.Errorf("core %+v", core)
	}
	// untouched fields keep their defaults
	if core.SendQueueSize != 8760 || core.InitialRTO != 6 || core.EphemeralPortLower != 32768 {
		t.Errorf("defaults lost: %+v", core)
	}
	if cfg.Net.LocalAddr != "192.0.2.10" || cfg.Net.Filter || cfg.Net.FilterIdentifier != "TCP_anchor" {
		t.Errorf("net %+v", cfg.Net)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log %+v", cfg.Log)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := *cfg.CoreConfig(), *Default().CoreConfig(); got != want {
		t.Errorf("empty document changed the defaults: %+v", got)
	}
}

func TestParseRejects(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
	}{
		{"unknown key", "core:\n  windowscale: 14\n"},
		{"bad duration", "core:\n  tick_period: soon\n"},
		{"rto bounds", "core:\n  min_rto: 10\n  max_rto: 5\n"},
		{"address", "net:\n  local_addr: 300.1.1.1\n"},
		{"ipv6 address", "net:\n  local_addr: \"::1\"\n"},
		{"level", "log:\n  level: chatty\n"},
		{"format", "log:\n  format: xml\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tc.doc)); err == nil {
				t.Error("accepted")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("core:\n  max_connections: 16\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Core.MaxConnections != 16 {
		t.Errorf("max connections %d", cfg.Core.MaxConnections)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
