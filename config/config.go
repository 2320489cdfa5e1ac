// Package config loads the YAML configuration shared by the server and
// client binaries.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timhartley/GuestVM-sub000/lib"
	"github.com/timhartley/GuestVM-sub000/logging"
)

type Config struct {
	Core CoreConfig `yaml:"core"`
	Net  NetConfig  `yaml:"net"`
	Log  LogConfig  `yaml:"log"`
}

// CoreConfig mirrors lib.TcpCoreConfig. Timer values are in clock ticks.
type CoreConfig struct {
	PreferredMSS        int           `yaml:"preferred_mss"`
	SendQueueSize       int           `yaml:"send_queue_size"`
	RecvQueueSize       int           `yaml:"recv_queue_size"`
	TickPeriod          time.Duration `yaml:"tick_period"`
	InitialRTO          int           `yaml:"initial_rto"`
	MinRTO              int           `yaml:"min_rto"`
	MaxRTO              int           `yaml:"max_rto"`
	MaxRetransmits      int           `yaml:"max_retransmits"`
	RouteCheckInterval  int           `yaml:"route_check_interval"`
	DelayedAckTimeout   time.Duration `yaml:"delayed_ack_timeout"`
	DelayedAckThreshold int           `yaml:"delayed_ack_threshold"`
	TimerWorkers        int           `yaml:"timer_workers"`
	MaxConnections      int           `yaml:"max_connections"`
	EphemeralPortLower  int           `yaml:"ephemeral_port_lower"`
	EphemeralPortUpper  int           `yaml:"ephemeral_port_upper"`
	TTL                 uint8         `yaml:"ttl"`
	TOS                 uint8         `yaml:"tos"`
	PayloadPoolSize     int           `yaml:"payload_pool_size"`
	Debug               bool          `yaml:"debug"`
	PoolDebug           bool          `yaml:"pool_debug"`
}

type NetConfig struct {
	LocalAddr        string `yaml:"local_addr"` // empty: the address of Interface
	Interface        string `yaml:"interface"`
	Filter           bool   `yaml:"filter"` // install host RST suppression rules
	FilterIdentifier string `yaml:"filter_identifier"`
	SocketBuffer     int    `yaml:"socket_buffer"` // SO_RCVBUF/SO_SNDBUF in bytes, 0 keeps the system default
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	d := lib.DefaultTcpCoreConfig()
	return &Config{
		Core: CoreConfig{
			PreferredMSS:        d.PreferredMSS,
			SendQueueSize:       d.SendQueueSize,
			RecvQueueSize:       d.RecvQueueSize,
			TickPeriod:          d.TickPeriod,
			InitialRTO:          d.InitialRTO,
			MinRTO:              d.MinRTO,
			MaxRTO:              d.MaxRTO,
			MaxRetransmits:      d.MaxRetransmits,
			RouteCheckInterval:  d.RouteCheckInterval,
			DelayedAckTimeout:   d.DelayedAckTimeout,
			DelayedAckThreshold: d.DelayedAckThreshold,
			TimerWorkers:        d.TimerWorkers,
			MaxConnections:      d.MaxConnections,
			EphemeralPortLower:  d.EphemeralPortLower,
			EphemeralPortUpper:  d.EphemeralPortUpper,
			TTL:                 d.TTL,
			TOS:                 d.TOS,
			PayloadPoolSize:     d.PayloadPoolSize,
		},
		Net: NetConfig{
			Filter:           true,
			FilterIdentifier: "TCP_anchor",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the YAML file at path on top of Default.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML document on top of Default. Unknown keys are errors.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.CoreConfig().Validate(); err != nil {
		return err
	}
	if c.Net.LocalAddr != "" {
		addr, err := netip.ParseAddr(c.Net.LocalAddr)
		if err != nil {
			return fmt.Errorf("net.local_addr: %w", err)
		}
		if !addr.Is4() {
			return fmt.Errorf("net.local_addr %s is not an IPv4 address", addr)
		}
	}
	if c.Net.SocketBuffer < 0 {
		return errors.New("net.socket_buffer must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is neither text nor json", c.Log.Format)
	}
	return nil
}

// CoreConfig converts the core section into an engine configuration.
func (c *Config) CoreConfig() *lib.TcpCoreConfig {
	cfg := lib.DefaultTcpCoreConfig()
	s := &c.Core
	cfg.PreferredMSS = s.PreferredMSS
	cfg.SendQueueSize = s.SendQueueSize
	cfg.RecvQueueSize = s.RecvQueueSize
	cfg.TickPeriod = s.TickPeriod
	cfg.InitialRTO = s.InitialRTO
	cfg.MinRTO = s.MinRTO
	cfg.MaxRTO = s.MaxRTO
	cfg.MaxRetransmits = s.MaxRetransmits
	cfg.RouteCheckInterval = s.RouteCheckInterval
	cfg.DelayedAckTimeout = s.DelayedAckTimeout
	cfg.DelayedAckThreshold = s.DelayedAckThreshold
	cfg.TimerWorkers = s.TimerWorkers
	cfg.MaxConnections = s.MaxConnections
	cfg.EphemeralPortLower = s.EphemeralPortLower
	cfg.EphemeralPortUpper = s.EphemeralPortUpper
	cfg.TTL = s.TTL
	cfg.TOS = s.TOS
	cfg.PayloadPoolSize = s.PayloadPoolSize
	cfg.Debug = s.Debug
	cfg.PoolDebug = s.PoolDebug
	return cfg
}
