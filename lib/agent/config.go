// Package agent implements the agent-side half of a tunnel: YAML
// configuration, the loopback HTTP forwarder, and the control-channel
// client that dials the relay and keeps each advertised tunnel alive
// (spec §4.7, §6).
package agent

import (
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// TunnelProto is the transport a single declared tunnel exposes.
type TunnelProto string

const (
	ProtoHTTP TunnelProto = "http"
	ProtoTCP  TunnelProto = "tcp"
	ProtoUDP  TunnelProto = "udp"
)

// IPFilterConfig mirrors the relay's allow/deny CIDR lists in YAML form.
type IPFilterConfig struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// TunnelConfig declares one tunnel to open against the relay (spec §6).
type TunnelConfig struct {
	Name        string          `yaml:"name"`
	Proto       TunnelProto     `yaml:"proto"`
	LocalPort   int             `yaml:"local_port"`
	LocalHost   string          `yaml:"local_host,omitempty"`
	Subdomain   string          `yaml:"subdomain,omitempty"`
	Inspect     *bool           `yaml:"inspect,omitempty"`
	IPFilter    *IPFilterConfig `yaml:"ip_filter,omitempty"`
	ThrottleBPS int             `yaml:"throttle_bps,omitempty"`
}

// inspectEnabled resolves the tri-state Inspect pointer, defaulting to true.
func (t TunnelConfig) inspectEnabled() bool {
	return t.Inspect == nil || *t.Inspect
}

// localHost resolves LocalHost, defaulting to the loopback address.
func (t TunnelConfig) localHost() string {
	if t.LocalHost == "" {
		return "127.0.0.1"
	}
	return t.LocalHost
}

// InspectorConfig controls the agent's local exchange-inspection surface
// (SPEC_FULL §6, supplemented feature).
type InspectorConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Config is the full agent YAML configuration file (spec §6).
type Config struct {
	Relay     string          `yaml:"relay"`
	AuthToken string          `yaml:"auth_token,omitempty"`
	Inspector InspectorConfig `yaml:"inspector"`
	Tunnels   []TunnelConfig  `yaml:"tunnels"`
	IPFilter  *IPFilterConfig `yaml:"ip_filter,omitempty"`
}

// defaultInspectorPort matches the original client's default (SPEC_FULL §6).
const defaultInspectorPort = 4040

// LoadConfig reads and validates an agent configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading config file %q", path)
	}

	cfg := &Config{
		Inspector: InspectorConfig{Enabled: true, Port: defaultInspectorPort},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, trace.Wrap(err, "parsing config file %q", path)
	}

	if err := cfg.validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// validate enforces spec §6's stated invariants: at least one tunnel,
// non-empty name, proto in the declared set, local_port != 0.
func (c *Config) validate() error {
	if c.Relay == "" {
		return trace.BadParameter("relay is required")
	}
	if len(c.Tunnels) == 0 {
		return trace.BadParameter("at least one tunnel must be declared")
	}
	for i, t := range c.Tunnels {
		if t.Name == "" {
			return trace.BadParameter("tunnels[%d]: name must not be empty", i)
		}
		switch t.Proto {
		case ProtoHTTP, ProtoTCP, ProtoUDP:
		default:
			return trace.BadParameter("tunnels[%d]: proto %q is not one of http, tcp, udp", i, t.Proto)
		}
		if t.LocalPort == 0 {
			return trace.BadParameter("tunnels[%d]: local_port must not be zero", i)
		}
	}
	return nil
}
