// Package daemon implements the tetherd daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/psaab/tetherd/pkg/api"
	"github.com/psaab/tetherd/pkg/config"
	"github.com/psaab/tetherd/pkg/dhcp"
	"github.com/psaab/tetherd/pkg/grpcapi"
	"github.com/psaab/tetherd/pkg/ipv6tether"
	"github.com/psaab/tetherd/pkg/logging"
	"github.com/psaab/tetherd/pkg/netmon"
	"github.com/psaab/tetherd/pkg/netstate"
	"github.com/psaab/tetherd/pkg/radvd"
	"github.com/psaab/tetherd/pkg/tethering"
)

const (
	eventBufferSize = 1000
	callTimeout     = 5 * time.Second
)

// Options configures the daemon.
type Options struct {
	ConfigFile string
	// LogHandler is the root handler; its syslog clients follow the
	// configuration. Nil disables syslog forwarding.
	LogHandler *logging.SyslogSlogHandler
	Logger     *slog.Logger
}

// Daemon is the main tetherd daemon.
type Daemon struct {
	opts Options
	log  *slog.Logger

	mu          sync.Mutex
	cfg         *config.Config
	downstreams map[string]config.DownstreamConfig
	syslog      []*logging.SyslogClient

	events *logging.EventBuffer
	coord  *tethering.Coordinator
	mon    *netmon.Monitor
	dhcp   *dhcp.Manager
	radvd  *radvd.Manager
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = config.DefaultPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		opts:        opts,
		log:         logger,
		downstreams: make(map[string]config.DownstreamConfig),
	}
}

// loadConfig reads the config file. A missing file yields the defaults.
func (d *Daemon) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(d.opts.ConfigFile)
	if errors.Is(err, os.ErrNotExist) {
		d.log.Warn("config file not found, using defaults", "config", d.opts.ConfigFile)
		return config.Parse(nil)
	}
	return cfg, err
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("starting tetherd", "config", d.opts.ConfigFile, "pid", os.Getpid())

	cfg, err := d.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	d.cfg = cfg
	d.applySyslog(cfg)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}

	tcfg, err := tetheringConfig(cfg)
	if err != nil {
		return err
	}
	rules, err := netmonRules(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	d.events = logging.NewEventBuffer(eventBufferSize)
	d.radvd = radvd.New(radvd.Options{
		ConfigPath:     cfg.Radvd.ConfigPath,
		PidFile:        cfg.Radvd.PidFile,
		MaxAdvInterval: cfg.Radvd.MaxAdvInterval,
		MinAdvInterval: cfg.Radvd.MinAdvInterval,
		Logger:         d.log,
	})
	defer func() {
		if err := d.radvd.Close(); err != nil {
			d.log.Warn("failed to stop radvd", "err", err)
		}
	}()

	d.dhcp, err = dhcp.New(cfg.StateDir, d.syncLeases, d.log)
	if err != nil {
		return fmt.Errorf("dhcpv6: %w", err)
	}
	defer d.dhcp.Close()

	d.mon, err = netmon.New(netmon.Options{
		Rules:  rules,
		Logger: d.log,
		OnLinkUp: func(name string, r netmon.Rule) {
			if !r.DHCPv6PD {
				return
			}
			d.dhcp.SetOptions(name, dhcp.Options{PDPrefLen: r.PDPrefixLen})
			d.dhcp.Start(ctx, name)
		},
	})
	if err != nil {
		return fmt.Errorf("network monitor: %w", err)
	}
	defer d.mon.Close()

	d.coord = tethering.New(tethering.Options{
		Config:    tcfg,
		Sink:      d.radvd,
		Requester: d.mon,
		Policy:    tethering.NewPolicy(cfg.CellularAllowed(), d.log),
		Events:    d.events,
		Logger:    d.log,
	})
	d.mon.SetObservers(d.coord.ListenAll(), d.coord.DefaultNetwork())

	var wg sync.WaitGroup
	coordCtx, stopCoord := context.WithCancel(context.Background())
	defer stopCoord()
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.coord.Run(coordCtx)
	}()

	errCh := make(chan error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.mon.Run(ctx); err != nil {
			errCh <- fmt.Errorf("network monitor: %w", err)
		}
	}()

	if cfg.APIAddr != "off" {
		srv := api.NewServer(api.Config{
			Addr:     cfg.APIAddr,
			Auth:     apiAuth(cfg),
			Backend:  d.coord,
			EventBuf: d.events,
			DHCP:     d.dhcp,
			Logger:   d.log,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("HTTP API: %w", err)
			}
		}()
	}
	if cfg.GRPCAddr != "off" {
		srv := grpcapi.NewServer(cfg.GRPCAddr, grpcapi.Config{
			Backend:  d.coord,
			EventBuf: d.events,
			Logger:   d.log,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("gRPC API: %w", err)
			}
		}()
	}

	d.syncDownstreams(ctx, cfg)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-hup:
			d.Reload(ctx)
		case err := <-errCh:
			runErr = err
			break loop
		case <-ctx.Done():
			d.log.Info("signal received, shutting down")
			break loop
		}
	}

	// Stop producers first so the coordinator withdraws every downstream
	// before radvd is stopped.
	stop()
	d.dhcp.StopAll()
	stopCoord()
	wg.Wait()
	d.closeSyslog()

	d.log.Info("shutdown complete")
	return runErr
}

// Reload re-reads the config file and applies what can change at runtime:
// upstream policy, interface rules, static downstreams and syslog.
// Listen addresses and state_dir need a restart.
func (d *Daemon) Reload(ctx context.Context) {
	cfg, err := d.loadConfig()
	if err != nil {
		d.log.Warn("config reload failed, keeping current config", "err", err)
		return
	}
	tcfg, err := tetheringConfig(cfg)
	if err != nil {
		d.log.Warn("config reload failed, keeping current config", "err", err)
		return
	}
	rules, err := netmonRules(cfg)
	if err != nil {
		d.log.Warn("config reload failed, keeping current config", "err", err)
		return
	}

	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	d.mu.Unlock()
	if old.APIAddr != cfg.APIAddr || old.GRPCAddr != cfg.GRPCAddr || old.StateDir != cfg.StateDir {
		d.log.Warn("listen address or state_dir change needs a restart")
	}

	d.applySyslog(cfg)
	d.mon.SetRules(rules)

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := d.coord.Reconfigure(cctx, tcfg); err != nil {
		d.log.Warn("failed to apply upstream policy", "err", err)
	}
	if err := d.coord.SetCellularPermitted(cctx, cfg.CellularAllowed()); err != nil {
		d.log.Warn("failed to apply cellular policy", "err", err)
	}
	d.syncDownstreams(ctx, cfg)
	d.log.Info("configuration reloaded", "config", d.opts.ConfigFile)
}

// syncDownstreams makes the configured static downstreams active. Only
// downstreams that came from the config are removed when they leave it;
// ones added through the API are left alone.
func (d *Daemon) syncDownstreams(ctx context.Context, cfg *config.Config) {
	d.mu.Lock()
	add, remove := diffDownstreams(d.downstreams, cfg.Downstreams)
	d.downstreams = make(map[string]config.DownstreamConfig, len(cfg.Downstreams))
	for _, ds := range cfg.Downstreams {
		d.downstreams[ds.Name] = ds
	}
	d.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	for _, name := range remove {
		if err := d.coord.RemoveDownstream(cctx, name); err != nil {
			d.log.Warn("failed to remove downstream", "interface", name, "err", err)
		}
	}
	for _, ds := range add {
		iface, mode, err := downstream(ds)
		if err != nil {
			d.log.Warn("invalid downstream", "interface", ds.Name, "err", err)
			continue
		}
		if err := d.coord.AddDownstream(cctx, iface, mode); err != nil {
			d.log.Warn("failed to add downstream", "interface", ds.Name, "err", err)
		}
	}
}

// syncLeases pushes the current DHCPv6 leases into the network monitor.
func (d *Daemon) syncLeases() {
	d.mon.ReplaceDHCPExtras(dhcpExtras(d.dhcp.Leases()))
}

func (d *Daemon) applySyslog(cfg *config.Config) {
	if d.opts.LogHandler == nil {
		return
	}
	clients := syslogClients(cfg, d.log)
	d.opts.LogHandler.SetClients(clients)

	d.mu.Lock()
	old := d.syslog
	d.syslog = clients
	d.mu.Unlock()
	for _, c := range old {
		c.Close()
	}
}

func (d *Daemon) closeSyslog() {
	if d.opts.LogHandler != nil {
		d.opts.LogHandler.SetClients(nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.syslog {
		c.Close()
	}
	d.syslog = nil
}

// tetheringConfig converts the upstream section.
func tetheringConfig(cfg *config.Config) (tethering.Config, error) {
	preferred, err := cfg.PreferredCategories()
	if err != nil {
		return tethering.Config{}, fmt.Errorf("upstream.preferred: %w", err)
	}
	return tethering.Config{
		ChooseAutomatically: cfg.Upstream.ChooseAutomatically,
		Preferred:           preferred,
		DunRequired:         cfg.Upstream.DunRequired,
	}, nil
}

// netmonRules converts the interface classification rules.
func netmonRules(cfg *config.Config) ([]netmon.Rule, error) {
	rules := make([]netmon.Rule, 0, len(cfg.Interfaces))
	for i, r := range cfg.Interfaces {
		transport, err := netstate.ParseTransport(r.Transport)
		if err != nil {
			return nil, fmt.Errorf("interfaces[%d]: %w", i, err)
		}
		rule := netmon.Rule{
			Match:       r.Match,
			Transport:   transport,
			OnDemand:    r.OnDemand,
			DHCPv6PD:    r.DHCPv6PD,
			PDPrefixLen: r.PDPrefixLength,
		}
		for _, c := range r.Capabilities {
			cp, err := netstate.ParseCapability(c)
			if err != nil {
				return nil, fmt.Errorf("interfaces[%d]: %w", i, err)
			}
			rule.Capabilities = append(rule.Capabilities, cp)
		}
		for _, s := range r.DNS {
			a, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("interfaces[%d]: dns: %w", i, err)
			}
			rule.DNS = append(rule.DNS, a)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func downstream(ds config.DownstreamConfig) (ipv6tether.Iface, ipv6tether.Mode, error) {
	typ, err := ipv6tether.ParseInterfaceType(ds.Type)
	if err != nil {
		return ipv6tether.Iface{}, 0, err
	}
	mode, err := ipv6tether.ParseMode(ds.Mode)
	if err != nil {
		return ipv6tether.Iface{}, 0, err
	}
	return ipv6tether.Iface{Name: ds.Name, Type: typ}, mode, nil
}

// diffDownstreams returns the configured downstreams to add and the names
// to remove. A downstream whose type or mode changed is removed and added
// again.
func diffDownstreams(current map[string]config.DownstreamConfig, want []config.DownstreamConfig) (add []config.DownstreamConfig, remove []string) {
	wanted := make(map[string]config.DownstreamConfig, len(want))
	for _, ds := range want {
		wanted[ds.Name] = ds
	}
	for name, ds := range current {
		if w, ok := wanted[name]; !ok || w != ds {
			remove = append(remove, name)
		}
	}
	slices.Sort(remove)
	for _, ds := range want {
		if cur, ok := current[ds.Name]; !ok || cur != ds {
			add = append(add, ds)
		}
	}
	return add, remove
}

// dhcpExtras maps leases to what the monitor merges into link properties.
func dhcpExtras(leases []*dhcp.Lease) map[string]netmon.Extras {
	out := make(map[string]netmon.Extras, len(leases))
	for _, l := range leases {
		out[l.Interface] = netmon.Extras{
			Prefix:  l.AdvertisedPrefix(),
			DNS:     l.DNS,
			Domains: l.Domains,
		}
	}
	return out
}

func apiAuth(cfg *config.Config) *api.AuthConfig {
	if cfg.APIAuth == nil {
		return nil
	}
	return &api.AuthConfig{
		Users:   cfg.APIAuth.Users,
		APIKeys: slices.Clone(cfg.APIAuth.APIKeys),
	}
}

// syslogClients builds a client per configured syslog server.
func syslogClients(cfg *config.Config, log *slog.Logger) []*logging.SyslogClient {
	var clients []*logging.SyslogClient
	for _, s := range cfg.Syslog {
		client, err := logging.NewSyslogClient(s.Host, s.Port)
		if err != nil {
			log.Warn("failed to create syslog client", "host", s.Host, "err", err)
			continue
		}
		client.MinSeverity = logging.ParseSeverity(s.Severity)
		client.Facility = logging.ParseFacility(s.Facility)
		log.Info("syslog server configured", "host", s.Host, "port", s.Port)
		clients = append(clients, client)
	}
	return clients
}
