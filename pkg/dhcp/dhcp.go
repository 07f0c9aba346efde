// Package dhcp runs DHCPv6 clients on upstream links to obtain a global
// address (IA_NA), delegated prefixes (IA_PD), DNS servers and a domain
// search list for the links tetherd may use as upstreams.
package dhcp

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/dhcpv6/nclient6"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/vishvananda/netlink"
	"go4.org/netipx"
)

const (
	// DefaultDebounce delays the change callback so a burst of lease
	// updates produces one resync.
	DefaultDebounce = 2 * time.Second

	minRenew    = 30 * time.Second
	maxBackoff  = 60 * time.Second
	exchangeTTL = 30 * time.Second
)

// Lease holds the result of a DHCPv6 exchange on one interface.
type Lease struct {
	Interface string
	Address   netip.Prefix // IA_NA /128, invalid when none was offered
	DNS       []netip.Addr
	Domains   []string
	Prefixes  []DelegatedPrefix
	LeaseTime time.Duration
	Obtained  time.Time
}

// AdvertisedPrefix returns the first /64 of the first delegated prefix,
// or an invalid prefix when nothing was delegated.
func (l *Lease) AdvertisedPrefix() netip.Prefix {
	if len(l.Prefixes) == 0 {
		return netip.Prefix{}
	}
	return DeriveSubPrefix(l.Prefixes[0].Prefix, 64)
}

func (l *Lease) clone() *Lease {
	lc := *l
	lc.DNS = slices.Clone(l.DNS)
	lc.Domains = slices.Clone(l.Domains)
	lc.Prefixes = slices.Clone(l.Prefixes)
	return &lc
}

// DelegatedPrefix holds a prefix received via DHCPv6 Prefix Delegation.
type DelegatedPrefix struct {
	Interface         string
	Prefix            netip.Prefix
	PreferredLifetime time.Duration
	ValidLifetime     time.Duration
	Obtained          time.Time
}

// Options holds per-interface client behavior.
type Options struct {
	PDPrefLen int // prefix length hint for IA_PD (0 = no hint)
}

type dhcpClient struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// linkHandle is the subset of *netlink.Handle used for IA_NA addresses.
type linkHandle interface {
	LinkByName(name string) (netlink.Link, error)
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
}

type solicitFunc func(ctx context.Context, ifaceName string, mods ...dhcpv6.Modifier) (*dhcpv6.Message, error)

// Manager manages DHCPv6 clients for multiple interfaces.
type Manager struct {
	log *slog.Logger

	mu          sync.Mutex
	clients     map[string]*dhcpClient
	leases      map[string]*Lease
	duids       map[string]dhcpv6.DUID
	opts        map[string]Options
	onChange    func()
	changeTimer *time.Timer
	debounce    time.Duration
	stateDir    string

	nl            linkHandle
	nlClose       func()
	solicit       solicitFunc
	waitLinkLocal func(ctx context.Context, ifaceName string) error
	hardwareAddr  func(ifaceName string) (net.HardwareAddr, error)
}

// New creates a DHCPv6 manager. stateDir is where DUID files are persisted.
// onChange is called (debounced) whenever a lease is obtained, renewed or
// dropped.
func New(stateDir string, onChange func(), logger *slog.Logger) (*Manager, error) {
	nlh, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	m := newManager(stateDir, nlh, onChange, logger)
	m.nlClose = nlh.Close
	return m, nil
}

func newManager(stateDir string, nl linkHandle, onChange func(), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:           logger.With("component", "dhcpv6"),
		clients:       make(map[string]*dhcpClient),
		leases:        make(map[string]*Lease),
		duids:         make(map[string]dhcpv6.DUID),
		opts:          make(map[string]Options),
		onChange:      onChange,
		debounce:      DefaultDebounce,
		stateDir:      stateDir,
		nl:            nl,
		solicit:       rapidSolicit,
		waitLinkLocal: waitForLinkLocal,
		hardwareAddr:  interfaceHardwareAddr,
	}
}

// SetOptions configures an interface's client. Must be called before Start.
func (m *Manager) SetOptions(ifaceName string, opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts[ifaceName] = opts
}

// Start launches a client loop on the interface unless one is running.
func (m *Manager) Start(ctx context.Context, ifaceName string) {
	m.mu.Lock()
	if _, exists := m.clients[ifaceName]; exists {
		m.mu.Unlock()
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	dc := &dhcpClient{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.clients[ifaceName] = dc
	m.mu.Unlock()

	go func() {
		defer close(dc.done)
		m.run(cctx, ifaceName)
	}()
}

// StopAll stops all running clients and removes their addresses.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*dhcpClient, 0, len(m.clients))
	for name, dc := range m.clients {
		clients = append(clients, dc)
		delete(m.clients, name)
	}
	m.mu.Unlock()

	for _, dc := range clients {
		dc.cancel()
		<-dc.done
	}

	m.mu.Lock()
	if m.changeTimer != nil {
		m.changeTimer.Stop()
		m.changeTimer = nil
	}
	m.mu.Unlock()
}

// Close releases the netlink handle.
func (m *Manager) Close() {
	if m.nlClose != nil {
		m.nlClose()
	}
}

// Leases returns a snapshot of all current leases, sorted by interface.
func (m *Manager) Leases() []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Lease, 0, len(m.leases))
	for _, l := range m.leases {
		result = append(result, l.clone())
	}
	slices.SortFunc(result, func(a, b *Lease) int {
		return cmp.Compare(a.Interface, b.Interface)
	})
	return result
}

// LeaseFor returns the current lease of an interface, or nil.
func (m *Manager) LeaseFor(ifaceName string) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[ifaceName]
	if !ok {
		return nil
	}
	return l.clone()
}

// getDUID returns the DUID-LL of an interface, loading it from disk or
// generating it from the hardware address as needed.
func (m *Manager) getDUID(ifaceName string) (dhcpv6.DUID, error) {
	m.mu.Lock()
	if d, ok := m.duids[ifaceName]; ok {
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	if d, err := m.loadDUID(ifaceName); err == nil {
		m.mu.Lock()
		m.duids[ifaceName] = d
		m.mu.Unlock()
		m.log.Info("loaded persisted DUID", "interface", ifaceName, "duid", d)
		return d, nil
	}

	hw, err := m.hardwareAddr(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("interface lookup for DUID: %w", err)
	}
	duid := &dhcpv6.DUIDLL{
		HWType:        iana.HWTypeEthernet,
		LinkLayerAddr: hw,
	}
	if err := m.saveDUID(ifaceName, duid); err != nil {
		m.log.Warn("failed to persist DUID", "interface", ifaceName, "err", err)
	}

	m.mu.Lock()
	m.duids[ifaceName] = duid
	m.mu.Unlock()
	m.log.Info("generated DUID", "interface", ifaceName, "duid", duid)
	return duid, nil
}

func (m *Manager) duidPath(ifaceName string) string {
	return filepath.Join(m.stateDir, "dhcpv6-duid-"+ifaceName)
}

func (m *Manager) loadDUID(ifaceName string) (dhcpv6.DUID, error) {
	if m.stateDir == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(m.duidPath(ifaceName))
	if err != nil {
		return nil, err
	}
	return dhcpv6.DUIDFromBytes(data)
}

func (m *Manager) saveDUID(ifaceName string, duid dhcpv6.DUID) error {
	if m.stateDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(m.duidPath(ifaceName), duid.ToBytes(), 0644)
}

// run solicits with exponential backoff and renews at T1 until ctx ends.
// The link may not exist yet (on-demand upstreams), so waiting for a
// link-local address is retried rather than fatal.
func (m *Manager) run(ctx context.Context, ifaceName string) {
	backoff := time.Second
	wait := func() bool {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff = min(backoff*2, maxBackoff)
		return true
	}

	for {
		err := m.waitLinkLocal(ctx, ifaceName)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Debug("no link-local address yet", "interface", ifaceName, "err", err)
		if !wait() {
			return
		}
	}
	backoff = time.Second

	var current *Lease
	defer func() {
		if current != nil && current.Address.IsValid() {
			m.removeAddress(ifaceName, current.Address)
		}
		m.mu.Lock()
		_, had := m.leases[ifaceName]
		delete(m.leases, ifaceName)
		m.mu.Unlock()
		if had {
			m.notify()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		m.log.Info("starting solicit", "interface", ifaceName)

		lease, err := m.exchange(ctx, ifaceName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("solicit failed, retrying",
				"interface", ifaceName, "err", err, "backoff", backoff)
			if !wait() {
				return
			}
			continue
		}
		backoff = time.Second

		if current != nil && current.Address.IsValid() && current.Address != lease.Address {
			m.removeAddress(ifaceName, current.Address)
		}
		if lease.Address.IsValid() {
			if err := m.applyAddress(ifaceName, lease.Address); err != nil {
				m.log.Warn("failed to apply address", "interface", ifaceName, "err", err)
			}
		}
		current = lease

		m.mu.Lock()
		m.leases[ifaceName] = lease
		m.mu.Unlock()
		m.notify()

		m.log.Info("lease obtained",
			"interface", ifaceName,
			"address", lease.Address,
			"delegated_prefixes", len(lease.Prefixes),
			"lease_time", lease.LeaseTime)

		select {
		case <-time.After(renewAfter(lease.LeaseTime)):
			m.log.Info("T1 expired, renewing", "interface", ifaceName)
		case <-ctx.Done():
			return
		}
	}
}

// renewAfter returns T1: half the lease time, at least 30 seconds.
func renewAfter(leaseTime time.Duration) time.Duration {
	return max(leaseTime/2, minRenew)
}

// exchange performs a single solicit / reply exchange.
func (m *Manager) exchange(ctx context.Context, ifaceName string) (*Lease, error) {
	exCtx, cancel := context.WithTimeout(ctx, exchangeTTL)
	defer cancel()

	m.mu.Lock()
	opts := m.opts[ifaceName]
	m.mu.Unlock()

	reply, err := m.solicit(exCtx, ifaceName, m.buildDHCPv6Modifiers(ifaceName, opts)...)
	if err != nil {
		return nil, fmt.Errorf("DHCPv6 solicit: %w", err)
	}
	lease, err := parseReply(reply, ifaceName, time.Now())
	if err != nil {
		return nil, err
	}
	for _, dp := range lease.Prefixes {
		m.log.Info("received delegated prefix",
			"interface", ifaceName,
			"prefix", dp.Prefix,
			"preferred", dp.PreferredLifetime,
			"valid", dp.ValidLifetime)
	}
	return lease, nil
}

func rapidSolicit(ctx context.Context, ifaceName string, mods ...dhcpv6.Modifier) (*dhcpv6.Message, error) {
	client, err := nclient6.New(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("create DHCPv6 client: %w", err)
	}
	defer client.Close()
	return client.RapidSolicit(ctx, mods...)
}

// buildDHCPv6Modifiers constructs the solicit modifiers: client id, IA_PD
// with an optional length hint, and the DNS / search list option request.
func (m *Manager) buildDHCPv6Modifiers(ifaceName string, opts Options) []dhcpv6.Modifier {
	var mods []dhcpv6.Modifier

	if duid, err := m.getDUID(ifaceName); err == nil {
		mods = append(mods, dhcpv6.WithClientID(duid))
	} else {
		m.log.Warn("no DUID, using client default", "interface", ifaceName, "err", err)
	}

	iaid := [4]byte{0, 0, 0, 1}
	if opts.PDPrefLen > 0 {
		hint := &dhcpv6.OptIAPrefix{
			Prefix: &net.IPNet{
				IP:   net.IPv6zero,
				Mask: net.CIDRMask(opts.PDPrefLen, 128),
			},
		}
		mods = append(mods, dhcpv6.WithIAPD(iaid, hint))
	} else {
		mods = append(mods, dhcpv6.WithIAPD(iaid))
	}

	mods = append(mods, dhcpv6.WithRequestedOptions(
		dhcpv6.OptionDNSRecursiveNameServer,
		dhcpv6.OptionDomainSearchList,
	))
	return mods
}

// parseReply extracts a lease from a DHCPv6 reply. A reply carrying neither
// an IA_NA address nor a delegated prefix is an error.
func parseReply(msg *dhcpv6.Message, ifaceName string, now time.Time) (*Lease, error) {
	lease := &Lease{
		Interface: ifaceName,
		Obtained:  now,
		Prefixes:  extractDelegatedPrefixes(msg, ifaceName, now),
	}

	var validLT time.Duration
	for _, opt := range msg.Options.Options {
		ianaOpt, ok := opt.(*dhcpv6.OptIANA)
		if !ok {
			continue
		}
		for _, subOpt := range ianaOpt.Options.Options {
			if iaaddr, ok := subOpt.(*dhcpv6.OptIAAddress); ok {
				if a, ok := netip.AddrFromSlice(iaaddr.IPv6Addr); ok {
					lease.Address = netip.PrefixFrom(a.Unmap(), 128)
					validLT = iaaddr.ValidLifetime
				}
			}
		}
	}

	if !lease.Address.IsValid() && len(lease.Prefixes) == 0 {
		return nil, fmt.Errorf("no IA_NA address or IA_PD prefix in DHCPv6 reply")
	}

	if lease.Address.IsValid() {
		lease.LeaseTime = validLT
	} else {
		// PD only: renew on the first prefix's lifetime.
		lease.LeaseTime = lease.Prefixes[0].ValidLifetime
	}
	if lease.LeaseTime == 0 {
		lease.LeaseTime = 3600 * time.Second
	}

	for _, dns := range msg.Options.DNS() {
		if a, ok := netip.AddrFromSlice(dns); ok {
			lease.DNS = append(lease.DNS, a.Unmap())
		}
	}
	if labels := msg.Options.DomainSearchList(); labels != nil {
		lease.Domains = append(lease.Domains, labels.Labels...)
	}
	return lease, nil
}

// extractDelegatedPrefixes parses IA_PD options from a DHCPv6 reply.
func extractDelegatedPrefixes(msg *dhcpv6.Message, ifaceName string, now time.Time) []DelegatedPrefix {
	var result []DelegatedPrefix
	for _, opt := range msg.Options.Options {
		iapdOpt, ok := opt.(*dhcpv6.OptIAPD)
		if !ok {
			continue
		}
		for _, prefix := range iapdOpt.Options.Prefixes() {
			if prefix.Prefix == nil {
				continue
			}
			p, ok := netipx.FromStdIPNet(prefix.Prefix)
			if !ok {
				continue
			}
			result = append(result, DelegatedPrefix{
				Interface:         ifaceName,
				Prefix:            p,
				PreferredLifetime: prefix.PreferredLifetime,
				ValidLifetime:     prefix.ValidLifetime,
				Obtained:          now,
			})
		}
	}
	return result
}

// waitForLinkLocal waits until the interface has a link-local IPv6 address.
func waitForLinkLocal(ctx context.Context, ifaceName string) error {
	deadline := time.After(exchangeTTL)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timeout waiting for link-local on %s", ifaceName)
		case <-ticker.C:
			iface, err := net.InterfaceByName(ifaceName)
			if err != nil {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipNet, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				if ipNet.IP.To4() == nil && ipNet.IP.IsLinkLocalUnicast() {
					return nil
				}
			}
		}
	}
}

func interfaceHardwareAddr(ifaceName string) (net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, err
	}
	if len(iface.HardwareAddr) == 0 {
		return nil, fmt.Errorf("%s has no hardware address", ifaceName)
	}
	return iface.HardwareAddr, nil
}

// applyAddress sets the IA_NA address on the interface via netlink.
func (m *Manager) applyAddress(ifaceName string, addr netip.Prefix) error {
	link, err := m.nl.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", ifaceName, err)
	}
	if err := m.nl.AddrReplace(link, &netlink.Addr{IPNet: netipx.PrefixIPNet(addr)}); err != nil {
		return fmt.Errorf("addr replace: %w", err)
	}
	return nil
}

func (m *Manager) removeAddress(ifaceName string, addr netip.Prefix) {
	link, err := m.nl.LinkByName(ifaceName)
	if err != nil {
		return
	}
	if err := m.nl.AddrDel(link, &netlink.Addr{IPNet: netipx.PrefixIPNet(addr)}); err != nil {
		m.log.Warn("failed to remove address",
			"interface", ifaceName, "address", addr, "err", err)
	}
}

// notify debounces change notifications.
func (m *Manager) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.onChange == nil {
		return
	}
	if m.changeTimer != nil {
		m.changeTimer.Stop()
	}
	m.changeTimer = time.AfterFunc(m.debounce, m.onChange)
}

// DeriveSubPrefix derives a sub-prefix from a delegated prefix for RA advertisement.
// If subPrefLen is 0 or equal to the delegated prefix length, the prefix is returned as-is.
// Otherwise, the first sub-prefix of the requested length is derived (e.g., /48 → first /64).
// Returns an invalid prefix if the sub-prefix length is shorter than the delegated prefix.
func DeriveSubPrefix(delegated netip.Prefix, subPrefLen int) netip.Prefix {
	bits := delegated.Bits()
	if subPrefLen == 0 || subPrefLen == bits {
		return delegated
	}
	if subPrefLen < bits {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(delegated.Masked().Addr(), subPrefLen)
}
