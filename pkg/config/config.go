// Package config loads the tetherd YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/psaab/tetherd/pkg/ipv6tether"
	"github.com/psaab/tetherd/pkg/logging"
	"github.com/psaab/tetherd/pkg/netstate"
)

const (
	DefaultPath       = "/etc/tetherd/tetherd.yaml"
	DefaultAPIAddr    = "127.0.0.1:8080"
	DefaultGRPCAddr   = "127.0.0.1:50051"
	DefaultStateDir   = "/var/lib/tetherd"
	DefaultRadvdConf  = "/etc/radvd.conf"
	DefaultRadvdPid   = "/run/radvd.pid"
	DefaultSyslogPort = 514
)

// DefaultPreferred is the upstream priority list used when none is given.
var DefaultPreferred = []string{"ethernet", "wifi", "mobile_dun", "mobile_hipri"}

// Config is the daemon configuration.
type Config struct {
	APIAddr     string             `yaml:"api_addr"`
	GRPCAddr    string             `yaml:"grpc_addr"`
	StateDir    string             `yaml:"state_dir"`
	Upstream    UpstreamConfig     `yaml:"upstream"`
	Interfaces  []InterfaceRule    `yaml:"interfaces"`
	Downstreams []DownstreamConfig `yaml:"downstreams"`
	Radvd       RadvdConfig        `yaml:"radvd"`
	Syslog      []SyslogConfig     `yaml:"syslog"`
	APIAuth     *APIAuthConfig     `yaml:"api_auth"` // nil = no authentication
}

// APIAuthConfig holds HTTP API credentials.
type APIAuthConfig struct {
	Users   map[string]string `yaml:"users"` // username -> password
	APIKeys []string          `yaml:"api_keys"`
}

// UpstreamConfig controls upstream selection.
type UpstreamConfig struct {
	ChooseAutomatically bool     `yaml:"choose_automatically"`
	Preferred           []string `yaml:"preferred"`
	DunRequired         bool     `yaml:"dun_required"`
	CellularPermitted   *bool    `yaml:"cellular_permitted"` // nil = true
}

// InterfaceRule classifies upstream links by name.
type InterfaceRule struct {
	Match          string   `yaml:"match"` // glob, e.g. "wlan*"
	Transport      string   `yaml:"transport"`
	Capabilities   []string `yaml:"capabilities"`
	DNS            []string `yaml:"dns"`
	OnDemand       bool     `yaml:"on_demand"`
	DHCPv6PD       bool     `yaml:"dhcpv6_pd"`
	PDPrefixLength int      `yaml:"pd_prefix_length"`
}

// DownstreamConfig is a downstream requested from startup.
type DownstreamConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Mode string `yaml:"mode"` // "tethered" (default) or "local-only"
}

// RadvdConfig locates the radvd files tetherd manages.
type RadvdConfig struct {
	ConfigPath     string `yaml:"config_path"`
	PidFile        string `yaml:"pid_file"`
	MaxAdvInterval int    `yaml:"max_adv_interval"`
	MinAdvInterval int    `yaml:"min_adv_interval"`
}

// SyslogConfig is a remote syslog destination.
type SyslogConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Severity string `yaml:"severity"`
	Facility string `yaml:"facility"`
}

// Load reads, parses, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys, then applies defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.APIAddr == "" {
		cfg.APIAddr = DefaultAPIAddr
	}
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if len(cfg.Upstream.Preferred) == 0 {
		cfg.Upstream.Preferred = append([]string(nil), DefaultPreferred...)
	}
	if cfg.Upstream.CellularPermitted == nil {
		permitted := true
		cfg.Upstream.CellularPermitted = &permitted
	}
	for i := range cfg.Downstreams {
		if cfg.Downstreams[i].Mode == "" {
			cfg.Downstreams[i].Mode = ipv6tether.ModeTethered.String()
		}
	}
	if cfg.Radvd.ConfigPath == "" {
		cfg.Radvd.ConfigPath = DefaultRadvdConf
	}
	if cfg.Radvd.PidFile == "" {
		cfg.Radvd.PidFile = DefaultRadvdPid
	}
	for i := range cfg.Syslog {
		if cfg.Syslog[i].Port == 0 {
			cfg.Syslog[i].Port = DefaultSyslogPort
		}
	}
}

// Validate checks names, addresses and ranges.
func Validate(cfg *Config) error {
	if _, err := cfg.PreferredCategories(); err != nil {
		return fmt.Errorf("upstream.preferred: %w", err)
	}
	for _, addr := range []struct{ key, val string }{
		{"api_addr", cfg.APIAddr},
		{"grpc_addr", cfg.GRPCAddr},
	} {
		if addr.val == "off" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr.val); err != nil {
			return fmt.Errorf("%s: %w", addr.key, err)
		}
	}

	for i, r := range cfg.Interfaces {
		if r.Match == "" {
			return fmt.Errorf("interfaces[%d]: match is required", i)
		}
		if _, err := path.Match(r.Match, ""); err != nil {
			return fmt.Errorf("interfaces[%d]: match %q: %w", i, r.Match, err)
		}
		if _, err := netstate.ParseTransport(r.Transport); err != nil {
			return fmt.Errorf("interfaces[%d]: %w", i, err)
		}
		for _, c := range r.Capabilities {
			if _, err := netstate.ParseCapability(c); err != nil {
				return fmt.Errorf("interfaces[%d]: %w", i, err)
			}
		}
		for _, s := range r.DNS {
			if _, err := netip.ParseAddr(s); err != nil {
				return fmt.Errorf("interfaces[%d]: dns: %w", i, err)
			}
		}
		if r.PDPrefixLength < 0 || r.PDPrefixLength > 64 {
			return fmt.Errorf("interfaces[%d]: pd_prefix_length %d out of range 0-64", i, r.PDPrefixLength)
		}
	}

	seen := make(map[string]bool)
	for i, d := range cfg.Downstreams {
		if d.Name == "" {
			return fmt.Errorf("downstreams[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("downstreams[%d]: duplicate downstream %q", i, d.Name)
		}
		seen[d.Name] = true
		if _, err := ipv6tether.ParseInterfaceType(d.Type); err != nil {
			return fmt.Errorf("downstreams[%d]: %w", i, err)
		}
		if _, err := ipv6tether.ParseMode(d.Mode); err != nil {
			return fmt.Errorf("downstreams[%d]: %w", i, err)
		}
	}

	if a := cfg.APIAuth; a != nil && len(a.Users) == 0 && len(a.APIKeys) == 0 {
		return errors.New("api_auth: at least one user or api key is required")
	}

	for i, s := range cfg.Syslog {
		if s.Host == "" {
			return fmt.Errorf("syslog[%d]: host is required", i)
		}
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("syslog[%d]: port %d out of range", i, s.Port)
		}
		if s.Severity != "" && logging.ParseSeverity(s.Severity) == 0 {
			return fmt.Errorf("syslog[%d]: unknown severity %q", i, s.Severity)
		}
	}
	return nil
}

// PreferredCategories parses the upstream priority list. Categories
// without a capability mapping (vpn) are accepted here and skipped at
// selection time.
func (cfg *Config) PreferredCategories() ([]netstate.Category, error) {
	return netstate.ParseCategories(cfg.Upstream.Preferred)
}

// CellularAllowed reports the configured cellular policy.
func (cfg *Config) CellularAllowed() bool {
	return cfg.Upstream.CellularPermitted == nil || *cfg.Upstream.CellularPermitted
}
