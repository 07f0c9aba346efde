// Package radvd advertises downstream IPv6 configuration by rendering
// radvd.conf and reloading the radvd daemon.
package radvd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/psaab/tetherd/pkg/ipv6tether"
	"github.com/psaab/tetherd/pkg/netstate"
)

const (
	// DefaultConfigPath is the radvd config file managed by tetherd.
	DefaultConfigPath = "/etc/radvd.conf"
	// DefaultPidFile is where radvd writes its pid.
	DefaultPidFile = "/run/radvd.pid"
	// DefaultDebounce coalesces bursts of pushes into one reload.
	DefaultDebounce = 500 * time.Millisecond
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	ConfigPath     string
	PidFile        string
	Debounce       time.Duration
	MaxAdvInterval int
	MinAdvInterval int
	Logger         *slog.Logger
}

// runner executes radvd control commands.
type runner interface {
	Run(name string, args ...string) error
	Start(name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

func (execRunner) Start(name string, args ...string) error {
	return exec.Command(name, args...).Start()
}

// Manager is an ipv6tether.DownstreamSink backed by radvd. Pushes only
// record state; the config is written and radvd reloaded from a timer, off
// the caller's goroutine.
type Manager struct {
	log            *slog.Logger
	configPath     string
	pidFile        string
	debounce       time.Duration
	maxAdvInterval int
	minAdvInterval int
	run            runner

	mu      sync.Mutex
	ifaces  map[string]*netstate.LinkProperties
	timer   *time.Timer
	written string
	reloads uint64
	lastErr error
}

// New creates a radvd manager.
func New(opts Options) *Manager {
	m := &Manager{
		configPath:     opts.ConfigPath,
		pidFile:        opts.PidFile,
		debounce:       opts.Debounce,
		maxAdvInterval: opts.MaxAdvInterval,
		minAdvInterval: opts.MinAdvInterval,
		run:            execRunner{},
		ifaces:         make(map[string]*netstate.LinkProperties),
	}
	if m.configPath == "" {
		m.configPath = DefaultConfigPath
	}
	if m.pidFile == "" {
		m.pidFile = DefaultPidFile
	}
	if m.debounce <= 0 {
		m.debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m.log = logger.With("component", "radvd")
	return m
}

// ApplyIPv6Config implements ipv6tether.DownstreamSink.
func (m *Manager) ApplyIPv6Config(iface ipv6tether.Iface, cfg *netstate.LinkProperties) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg == nil || len(cfg.Addresses) == 0 {
		if _, ok := m.ifaces[iface.Name]; !ok {
			return
		}
		delete(m.ifaces, iface.Name)
	} else {
		m.ifaces[iface.Name] = cfg.Clone()
	}

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		if err := m.Flush(); err != nil {
			m.log.Warn("radvd update failed", "err", err)
		}
	})
}

// Flush writes the current config and reloads radvd now. Nothing happens if
// the rendered config matches what was last written.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.generateConfig()
	if cfg == m.written {
		return nil
	}

	if len(m.ifaces) == 0 {
		m.lastErr = m.clear()
		if m.lastErr == nil {
			m.written = cfg
		}
		return m.lastErr
	}

	if err := os.WriteFile(m.configPath, []byte(cfg), 0644); err != nil {
		m.lastErr = fmt.Errorf("write radvd config: %w", err)
		return m.lastErr
	}
	m.written = cfg
	m.reloads++
	m.log.Info("radvd config written", "path", m.configPath, "interfaces", len(m.ifaces))

	if err := m.reload(); err != nil {
		m.log.Warn("radvd reload failed, attempting start", "err", err)
		m.lastErr = m.start()
		return m.lastErr
	}
	m.lastErr = nil
	return nil
}

// Close cancels any pending update, stops radvd and removes the config.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	clear(m.ifaces)
	m.written = m.generateConfig()
	return m.clear()
}

// Interfaces lists the interfaces currently advertised.
func (m *Manager) Interfaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.ifaces))
	for n := range m.ifaces {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Reloads returns how many times a new config was written.
func (m *Manager) Reloads() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloads
}

// LastError returns the error of the last flush, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) clear() error {
	m.stop()
	if err := os.Remove(m.configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove radvd config: %w", err)
	}
	return nil
}

func (m *Manager) generateConfig() string {
	var b strings.Builder
	b.WriteString("# tetherd managed radvd config - do not edit\n\n")

	names := make([]string, 0, len(m.ifaces))
	for n := range m.ifaces {
		names = append(names, n)
	}
	slices.Sort(names)

	for _, name := range names {
		writeInterface(&b, name, m.ifaces[name], m.maxAdvInterval, m.minAdvInterval)
	}
	return b.String()
}

func writeInterface(b *strings.Builder, name string, lp *netstate.LinkProperties, maxAdv, minAdv int) {
	fmt.Fprintf(b, "interface %s\n{\n", name)
	b.WriteString("    AdvSendAdvert on;\n")
	if maxAdv > 0 {
		fmt.Fprintf(b, "    MaxRtrAdvInterval %d;\n", maxAdv)
	}
	if minAdv > 0 {
		fmt.Fprintf(b, "    MinRtrAdvInterval %d;\n", minAdv)
	}
	// Without an upstream default route we are not a router for the link.
	if !lp.HasIPv6DefaultRoute() {
		b.WriteString("    AdvDefaultLifetime 0;\n")
	}
	if lp.MTU > 0 {
		fmt.Fprintf(b, "    AdvLinkMTU %d;\n", lp.MTU)
	}
	b.WriteString("\n")

	var advertised []string
	for _, a := range lp.Addresses {
		pfx := a.Prefix.Masked().String()
		if slices.Contains(advertised, pfx) {
			continue
		}
		advertised = append(advertised, pfx)
		fmt.Fprintf(b, "    prefix %s\n    {\n", pfx)
		b.WriteString("        AdvOnLink on;\n")
		b.WriteString("        AdvAutonomous on;\n")
		b.WriteString("        DeprecatePrefix on;\n")
		b.WriteString("    };\n\n")
	}

	for _, r := range lp.Routes {
		if r.IsDefault() || !r.IsIPv6() {
			continue
		}
		dst := r.Destination.Masked().String()
		if slices.Contains(advertised, dst) {
			continue
		}
		fmt.Fprintf(b, "    route %s\n    {\n", dst)
		b.WriteString("        RemoveRoute on;\n")
		b.WriteString("    };\n\n")
	}

	if len(lp.DNSServers) > 0 {
		b.WriteString("    RDNSS")
		for _, dns := range lp.DNSServers {
			fmt.Fprintf(b, " %s", dns)
		}
		b.WriteString("\n    {\n    };\n\n")
	}

	if domains := strings.Fields(lp.Domains); len(domains) > 0 {
		fmt.Fprintf(b, "    DNSSL %s\n    {\n    };\n\n", strings.Join(domains, " "))
	}

	b.WriteString("};\n\n")
}

func (m *Manager) start() error {
	if err := m.run.Start("radvd", "-C", m.configPath, "-p", m.pidFile); err != nil {
		return fmt.Errorf("start radvd: %w", err)
	}
	m.log.Info("radvd started")
	return nil
}

func (m *Manager) reload() error {
	if err := m.run.Run("systemctl", "reload", "radvd"); err == nil {
		m.log.Info("radvd reloaded via systemctl")
		return nil
	}

	pidData, err := os.ReadFile(m.pidFile)
	if err != nil {
		return fmt.Errorf("radvd pidfile: %w", err)
	}
	pid := strings.TrimSpace(string(pidData))
	if err := m.run.Run("kill", "-HUP", pid); err != nil {
		return fmt.Errorf("radvd SIGHUP: %w", err)
	}
	m.log.Info("radvd reloaded via SIGHUP")
	return nil
}

func (m *Manager) stop() {
	if m.run.Run("systemctl", "stop", "radvd") == nil {
		m.log.Info("radvd stopped via systemctl")
		return
	}
	pidData, err := os.ReadFile(m.pidFile)
	if err != nil {
		return
	}
	m.run.Run("kill", strings.TrimSpace(string(pidData)))
	m.log.Info("radvd stopped")
}
