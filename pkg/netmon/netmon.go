// Package netmon turns rtnetlink state into network notifications: links
// that match a classification rule become networks with capabilities and
// link properties, and the owner of the best default route becomes the
// default network.
package netmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"go4.org/netipx"
	"golang.org/x/sys/unix"

	"github.com/psaab/tetherd/pkg/netstate"
)

// DefaultDebounce coalesces bursts of netlink updates into one resync.
const DefaultDebounce = 200 * time.Millisecond

// Rule classifies the links whose name matches Match (a path.Match glob).
type Rule struct {
	Match        string
	Transport    netstate.Transport
	Capabilities []netstate.Capability // added on top of internet
	DNS          []netip.Addr          // static servers merged into link properties
	OnDemand     bool                  // brought up only for a mobile request
	DHCPv6PD     bool                  // run a DHCPv6 prefix delegation client
	PDPrefixLen  int                   // IA_PD length hint, 0 for none
}

func (r *Rule) capabilities() netstate.Capabilities {
	caps := netstate.NewCapabilities().
		WithTransport(r.Transport).
		WithCapability(netstate.CapInternet)
	for _, c := range r.Capabilities {
		caps = caps.WithCapability(c)
	}
	return caps
}

// Extras is what DHCPv6 learned about an upstream link.
type Extras struct {
	Prefix  netip.Prefix // delegated /64 advertised as a global address
	DNS     []netip.Addr
	Domains []string
}

// nlHandle is the subset of *netlink.Handle the monitor needs.
type nlHandle interface {
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
}

// Options configures a Monitor.
type Options struct {
	Rules    []Rule
	Debounce time.Duration
	Logger   *slog.Logger

	// OnLinkUp is called during a resync for each matched link that was
	// not up in the previous scan, and for every matched link after
	// SetRules. It must not block.
	OnLinkUp func(name string, rule Rule)
}

// Monitor watches links, addresses and routes. It also serves mobile
// network requests by raising on-demand links.
type Monitor struct {
	log      *slog.Logger
	nl       nlHandle
	nlClose  func()
	onLinkUp func(string, Rule)
	debounce time.Duration
	kick     chan struct{}
	linkKick chan struct{}

	resyncMu sync.Mutex
	all      netstate.Observer
	def      netstate.Observer
	known    map[netstate.NetworkID]netstate.Record
	order    []netstate.NetworkID
	defID    netstate.NetworkID
	defCaps  netstate.Capabilities

	mu     sync.Mutex
	rules  []Rule
	refire bool
	extras map[string]Extras
	want   *networkRequest // nil when no mobile request is outstanding
	raised []string
	timer  *time.Timer
}

// New creates a monitor backed by a fresh netlink handle.
func New(opts Options) (*Monitor, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	m := newMonitor(h, opts)
	m.nlClose = h.Close
	return m, nil
}

func newMonitor(nl nlHandle, opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce == 0 {
		debounce = DefaultDebounce
	}
	return &Monitor{
		log:      logger.With("component", "netmon"),
		nl:       nl,
		onLinkUp: opts.OnLinkUp,
		rules:    slices.Clone(opts.Rules),
		debounce: debounce,
		kick:     make(chan struct{}, 1),
		linkKick: make(chan struct{}, 1),
		known:    make(map[netstate.NetworkID]netstate.Record),
		extras:   make(map[string]Extras),
	}
}

// SetObservers installs the receivers of per-network and default-network
// notifications. Must be called before Run.
func (m *Monitor) SetObservers(all, def netstate.Observer) {
	m.resyncMu.Lock()
	defer m.resyncMu.Unlock()
	m.all = all
	m.def = def
}

// Close releases the netlink handle.
func (m *Monitor) Close() {
	if m.nlClose != nil {
		m.nlClose()
	}
}

// Run subscribes to rtnetlink, performs an initial resync and keeps the
// observers current until ctx is cancelled. Raised on-demand links are
// brought back down on return.
func (m *Monitor) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	onErr := func(err error) {
		m.log.Warn("netlink subscription error", "err", err)
	}
	linkCh := make(chan netlink.LinkUpdate, 64)
	if err := netlink.LinkSubscribeWithOptions(linkCh, done, netlink.LinkSubscribeOptions{ErrorCallback: onErr}); err != nil {
		return fmt.Errorf("subscribe links: %w", err)
	}
	addrCh := make(chan netlink.AddrUpdate, 64)
	if err := netlink.AddrSubscribeWithOptions(addrCh, done, netlink.AddrSubscribeOptions{ErrorCallback: onErr}); err != nil {
		return fmt.Errorf("subscribe addresses: %w", err)
	}
	routeCh := make(chan netlink.RouteUpdate, 64)
	if err := netlink.RouteSubscribeWithOptions(routeCh, done, netlink.RouteSubscribeOptions{ErrorCallback: onErr}); err != nil {
		return fmt.Errorf("subscribe routes: %w", err)
	}

	if err := m.Resync(); err != nil {
		m.log.Warn("initial resync failed", "err", err)
	}
	return m.loop(ctx, linkCh, addrCh, routeCh)
}

func (m *Monitor) loop(ctx context.Context, linkCh <-chan netlink.LinkUpdate, addrCh <-chan netlink.AddrUpdate, routeCh <-chan netlink.RouteUpdate) error {
	defer m.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-linkCh:
			if !ok {
				return errors.New("link subscription closed")
			}
			m.scheduleResync()
		case _, ok := <-addrCh:
			if !ok {
				return errors.New("address subscription closed")
			}
			m.scheduleResync()
		case _, ok := <-routeCh:
			if !ok {
				return errors.New("route subscription closed")
			}
			m.scheduleResync()
		case <-m.kick:
			if err := m.Resync(); err != nil {
				m.log.Warn("resync failed", "err", err)
			}
		case <-m.linkKick:
			m.applyRequest()
		}
	}
}

func (m *Monitor) stop() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.want = nil
	m.mu.Unlock()
	m.applyRequest()
}

// scheduleResync debounces resync requests onto the Run goroutine.
func (m *Monitor) scheduleResync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	})
}

// SetDHCPExtras records what DHCPv6 learned on an interface; a zero Extras
// forgets it.
func (m *Monitor) SetDHCPExtras(ifaceName string, ex Extras) {
	m.mu.Lock()
	if !ex.Prefix.IsValid() && len(ex.DNS) == 0 && len(ex.Domains) == 0 {
		delete(m.extras, ifaceName)
	} else {
		m.extras[ifaceName] = ex
	}
	m.mu.Unlock()
	m.scheduleResync()
}

// ReplaceDHCPExtras swaps the whole DHCPv6 extras table.
func (m *Monitor) ReplaceDHCPExtras(all map[string]Extras) {
	m.mu.Lock()
	m.extras = make(map[string]Extras, len(all))
	for name, ex := range all {
		m.extras[name] = ex
	}
	m.mu.Unlock()
	m.scheduleResync()
}

// SetRules replaces the classification rules and schedules a resync.
func (m *Monitor) SetRules(rules []Rule) {
	m.mu.Lock()
	m.rules = slices.Clone(rules)
	m.refire = true
	m.mu.Unlock()
	m.scheduleResync()
}

// matchRule returns the first rule whose glob matches name.
func matchRule(rules []Rule, name string) *Rule {
	for i := range rules {
		if ok, _ := path.Match(rules[i].Match, name); ok {
			return &rules[i]
		}
	}
	return nil
}

// Resync lists links, addresses and routes and reports every difference
// from the previous scan to the observers.
func (m *Monitor) Resync() error {
	m.resyncMu.Lock()
	defer m.resyncMu.Unlock()

	records, order, defID, err := m.scan()
	if err != nil {
		return err
	}
	m.notifyLinksUp(records, order)

	if m.all != nil {
		for _, id := range order {
			rec := records[id]
			old, seen := m.known[id]
			if !seen {
				m.all.OnAvailable(id)
			}
			if !seen || *old.Capabilities != *rec.Capabilities {
				m.all.OnCapabilitiesChanged(id, *rec.Capabilities)
			}
			if !seen || !old.LinkProperties.Equal(rec.LinkProperties) {
				m.all.OnLinkPropertiesChanged(id, rec.LinkProperties)
			}
		}
		for _, id := range m.order {
			if _, ok := records[id]; !ok {
				m.all.OnLost(id)
			}
		}
	}

	if m.def != nil {
		switch {
		case defID == netstate.NoNetwork && m.defID != netstate.NoNetwork:
			m.def.OnLost(m.defID)
		case defID != netstate.NoNetwork && defID != m.defID:
			m.def.OnAvailable(defID)
			m.def.OnCapabilitiesChanged(defID, *records[defID].Capabilities)
		case defID != netstate.NoNetwork && *records[defID].Capabilities != m.defCaps:
			m.def.OnCapabilitiesChanged(defID, *records[defID].Capabilities)
		}
	}

	if defID != m.defID {
		m.log.Info("default network changed", "from", m.defID, "to", defID)
	}
	m.known = records
	m.order = order
	m.defID = defID
	m.defCaps = netstate.Capabilities{}
	if defID != netstate.NoNetwork {
		m.defCaps = *records[defID].Capabilities
	}
	return nil
}

func (m *Monitor) notifyLinksUp(records map[netstate.NetworkID]netstate.Record, order []netstate.NetworkID) {
	if m.onLinkUp == nil {
		return
	}
	m.mu.Lock()
	refire := m.refire
	m.refire = false
	rules := m.rules
	m.mu.Unlock()

	for _, id := range order {
		if _, seen := m.known[id]; seen && !refire {
			continue
		}
		name := records[id].LinkProperties.InterfaceName
		if r := matchRule(rules, name); r != nil {
			m.onLinkUp(name, *r)
		}
	}
}

type defaultCandidate struct {
	id     netstate.NetworkID
	metric int
	v6     bool
}

func (c defaultCandidate) better(o defaultCandidate) bool {
	if c.metric != o.metric {
		return c.metric < o.metric
	}
	return c.v6 && !o.v6
}

// scan builds a record per matched, administratively up link in link index
// order and picks the default network.
func (m *Monitor) scan() (map[netstate.NetworkID]netstate.Record, []netstate.NetworkID, netstate.NetworkID, error) {
	links, err := m.nl.LinkList()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("list links: %w", err)
	}

	routesByLink := make(map[int][]netlink.Route)
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		filter := &netlink.Route{Table: unix.RT_TABLE_MAIN}
		routes, err := m.nl.RouteListFiltered(family, filter, netlink.RT_FILTER_TABLE)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("list routes: %w", err)
		}
		for _, r := range routes {
			if r.Family == 0 {
				r.Family = family
			}
			routesByLink[r.LinkIndex] = append(routesByLink[r.LinkIndex], r)
		}
	}

	m.mu.Lock()
	rules := m.rules
	extras := make(map[string]Extras, len(m.extras))
	for k, v := range m.extras {
		extras[k] = v
	}
	m.mu.Unlock()

	records := make(map[netstate.NetworkID]netstate.Record)
	var order []netstate.NetworkID
	var best *defaultCandidate

	for _, link := range links {
		attrs := link.Attrs()
		rule := matchRule(rules, attrs.Name)
		if rule == nil || attrs.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := m.nl.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			m.log.Warn("list addresses", "interface", attrs.Name, "err", err)
			continue
		}

		id := netstate.NetworkID(attrs.Index)
		caps := rule.capabilities()
		lp := buildLinkProperties(attrs, addrs, routesByLink[attrs.Index])
		mergeDNS(lp, rule.DNS)
		if ex, ok := extras[attrs.Name]; ok {
			mergeExtras(lp, ex)
		}
		records[id] = netstate.Record{Network: id, Capabilities: &caps, LinkProperties: lp}
		order = append(order, id)

		for _, r := range routesByLink[attrs.Index] {
			if !isDefaultRoute(r) {
				continue
			}
			c := defaultCandidate{id: id, metric: r.Priority, v6: r.Family == netlink.FAMILY_V6}
			if best == nil || c.better(*best) {
				best = &c
			}
		}
	}
	slices.Sort(order)

	defID := netstate.NoNetwork
	if best != nil {
		defID = best.id
	}
	return records, order, defID, nil
}

func isDefaultRoute(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

func buildLinkProperties(attrs *netlink.LinkAttrs, addrs []netlink.Addr, routes []netlink.Route) *netstate.LinkProperties {
	lp := &netstate.LinkProperties{
		InterfaceName: attrs.Name,
		MTU:           attrs.MTU,
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		p, ok := netipx.FromStdIPNet(a.IPNet)
		if !ok {
			continue
		}
		lp.Addresses = append(lp.Addresses, netstate.LinkAddress{
			Prefix: p,
			Flags:  uint32(a.Flags),
			Scope:  uint8(a.Scope),
		})
	}
	for _, r := range routes {
		rt, ok := convertRoute(r, attrs.Name)
		if !ok {
			continue
		}
		lp.Routes = append(lp.Routes, rt)
	}
	return lp
}

// convertRoute maps a kernel route; link-local and multicast destinations
// are dropped since they never describe upstream reachability.
func convertRoute(r netlink.Route, ifaceName string) (netstate.Route, bool) {
	var dst netip.Prefix
	if r.Dst == nil {
		if r.Family == netlink.FAMILY_V6 {
			dst = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
		} else {
			dst = netip.PrefixFrom(netip.IPv4Unspecified(), 0)
		}
	} else {
		p, ok := netipx.FromStdIPNet(r.Dst)
		if !ok {
			return netstate.Route{}, false
		}
		dst = p.Masked()
	}
	if dst.Bits() > 0 && (dst.Addr().IsLinkLocalUnicast() || dst.Addr().IsMulticast()) {
		return netstate.Route{}, false
	}
	rt := netstate.Route{Destination: dst, Interface: ifaceName}
	if gw, ok := netipx.FromStdIP(r.Gw); ok {
		rt.Gateway = gw
	}
	return rt, true
}

func mergeDNS(lp *netstate.LinkProperties, servers []netip.Addr) {
	for _, s := range servers {
		if !slices.Contains(lp.DNSServers, s) {
			lp.DNSServers = append(lp.DNSServers, s)
		}
	}
}

func mergeExtras(lp *netstate.LinkProperties, ex Extras) {
	if ex.Prefix.IsValid() {
		addr := netip.PrefixFrom(ex.Prefix.Masked().Addr().Next(), ex.Prefix.Bits())
		if !slices.ContainsFunc(lp.Addresses, func(la netstate.LinkAddress) bool { return la.Prefix == addr }) {
			lp.Addresses = append(lp.Addresses, netstate.NewLinkAddress(addr))
		}
	}
	mergeDNS(lp, ex.DNS)
	if lp.Domains == "" && len(ex.Domains) > 0 {
		lp.Domains = strings.Join(ex.Domains, " ")
	}
}

type networkRequest struct {
	req    netstate.Capabilities
	legacy netstate.Category
}

// RequestNetwork asks for every on-demand link whose rule satisfies req to
// be raised. The links are brought up later on the Run goroutine.
func (m *Monitor) RequestNetwork(req netstate.Capabilities, legacy netstate.Category) {
	m.mu.Lock()
	m.want = &networkRequest{req: req, legacy: legacy}
	m.mu.Unlock()
	m.wakeLinks()
}

// ReleaseNetworkRequest asks for raised on-demand links to be brought back
// down on the Run goroutine.
func (m *Monitor) ReleaseNetworkRequest() {
	m.mu.Lock()
	m.want = nil
	m.mu.Unlock()
	m.wakeLinks()
}

func (m *Monitor) wakeLinks() {
	select {
	case m.linkKick <- struct{}{}:
	default:
	}
}

// applyRequest brings on-demand links up or down to match the outstanding
// request. Raised links the request no longer covers go down.
func (m *Monitor) applyRequest() {
	m.mu.Lock()
	want := m.want
	rules := m.rules
	raised := slices.Clone(m.raised)
	m.mu.Unlock()

	if want == nil && len(raised) == 0 {
		return
	}
	links, err := m.nl.LinkList()
	if err != nil {
		m.log.Warn("list links for network request", "err", err)
		return
	}

	var keep []string
	for _, link := range links {
		name := link.Attrs().Name
		rule := matchRule(rules, name)
		wanted := false
		if want != nil && rule != nil && rule.OnDemand {
			caps := rule.capabilities()
			wanted = want.req.SatisfiedBy(&caps)
		}
		isRaised := slices.Contains(raised, name)
		switch {
		case wanted && isRaised:
			keep = append(keep, name)
		case wanted:
			if err := m.nl.LinkSetUp(link); err != nil {
				m.log.Warn("bring up on-demand link", "interface", name, "err", err)
				continue
			}
			keep = append(keep, name)
			m.log.Info("on-demand link up", "interface", name, "type", want.legacy)
		case isRaised:
			if err := m.nl.LinkSetDown(link); err != nil {
				m.log.Warn("bring down on-demand link", "interface", name, "err", err)
				keep = append(keep, name)
				continue
			}
			m.log.Info("on-demand link down", "interface", name)
		}
	}

	m.mu.Lock()
	m.raised = keep
	m.mu.Unlock()
}

// Raised returns the on-demand links currently held up by a request.
func (m *Monitor) Raised() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.raised)
}
