// Package ipv6tether decides the IPv6 configuration each active downstream
// interface advertises: the upstream's global /64, a locally generated ULA
// /64, or nothing.
//
// A Coordinator does no locking and must be driven from a single goroutine.
package ipv6tether

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"strings"

	"go4.org/netipx"

	"github.com/psaab/tetherd/pkg/netstate"
)

const (
	// MaxSubnetID is the largest subnet id handed out; ids wrap to 0 after it.
	MaxSubnetID = 0x7fff

	// EtherMTU is the MTU advertised with unique local configurations.
	EtherMTU = 1500
)

// Mode is how a downstream is served.
type Mode int

const (
	// ModeTethered routes the downstream through the upstream network.
	ModeTethered Mode = iota + 1
	// ModeLocalOnly serves the downstream a ULA /64 and no upstream.
	ModeLocalOnly
)

func (m Mode) String() string {
	switch m {
	case ModeTethered:
		return "tethered"
	case ModeLocalOnly:
		return "local-only"
	}
	return "unknown"
}

// ParseMode converts "tethered" or "local-only".
func ParseMode(s string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "-") {
	case "tethered", "":
		return ModeTethered, nil
	case "local-only", "localonly":
		return ModeLocalOnly, nil
	}
	return 0, fmt.Errorf("unknown downstream mode %q", s)
}

// InterfaceType is the kind of downstream interface.
type InterfaceType int

const (
	TypeUSB InterfaceType = iota + 1
	TypeWiFi
	TypeWiFiP2P
	TypeBluetooth
	TypeEthernet
)

var typeNames = map[InterfaceType]string{
	TypeUSB:       "usb",
	TypeWiFi:      "wifi",
	TypeWiFiP2P:   "wifi-p2p",
	TypeBluetooth: "bluetooth",
	TypeEthernet:  "ethernet",
}

func (t InterfaceType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseInterfaceType converts an interface type name.
func ParseInterfaceType(s string) (InterfaceType, error) {
	norm := strings.ReplaceAll(strings.ToLower(s), "_", "-")
	for t, n := range typeNames {
		if n == norm {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown interface type %q", s)
}

// Iface is a downstream interface. Downstreams are identified by Name.
type Iface struct {
	Name string
	Type InterfaceType
}

// DownstreamSink receives IPv6 configuration pushes. A nil configuration
// withdraws whatever was advertised on the interface.
type DownstreamSink interface {
	ApplyIPv6Config(iface Iface, cfg *netstate.LinkProperties)
}

// UpstreamState is the selected upstream handed to the coordinator.
type UpstreamState struct {
	Network        netstate.NetworkID
	Capabilities   *netstate.Capabilities
	LinkProperties *netstate.LinkProperties
}

func (s *UpstreamState) clone() *UpstreamState {
	if s == nil {
		return nil
	}
	out := &UpstreamState{Network: s.Network, LinkProperties: s.LinkProperties.Clone()}
	if s.Capabilities != nil {
		caps := *s.Capabilities
		out.Capabilities = &caps
	}
	return out
}

// Downstream is one active downstream with its subnet id.
type Downstream struct {
	Iface    Iface
	Mode     Mode
	SubnetID uint16
}

// Options configures a Coordinator.
type Options struct {
	Sink DownstreamSink
	// RequestedFn reports whether any downstream is still requested by the
	// tethering layer. The subnet counter resets once none is. Defaults to
	// "any downstream active".
	RequestedFn func() bool
	// Rand supplies the ULA global id. Defaults to crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger
}

// Coordinator tracks active downstreams in arrival order and computes the
// IPv6 configuration for each.
type Coordinator struct {
	log       *slog.Logger
	sink      DownstreamSink
	requested func() bool

	active        []Downstream
	ula           netip.Prefix
	nextSubnetID  uint16
	upstream      *UpstreamState
	localPrefixes []netip.Prefix
}

// New creates a Coordinator and generates its unique local /48.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	c := &Coordinator{
		log:  logger.With("component", "ipv6tether"),
		sink: opts.Sink,
	}
	c.requested = opts.RequestedFn
	if c.requested == nil {
		c.requested = func() bool { return len(c.active) > 0 }
	}
	c.ula = generateUniqueLocalPrefix(r, c.log)
	c.log.Info("generated unique local prefix", "prefix", c.ula)
	return c
}

// UniqueLocalPrefix returns the device's /48.
func (c *Coordinator) UniqueLocalPrefix() netip.Prefix { return c.ula }

// Downstreams returns the active downstreams in arrival order.
func (c *Coordinator) Downstreams() []Downstream { return slices.Clone(c.active) }

// Upstream returns a copy of the current upstream state, or nil.
func (c *Coordinator) Upstream() *UpstreamState { return c.upstream.clone() }

// NextSubnetID returns the subnet id the next downstream will try first.
func (c *Coordinator) NextSubnetID() uint16 { return c.nextSubnetID }

// SetLocalPrefixes records prefixes already reachable from the device. A
// warning is logged when they overlap the unique local /48.
func (c *Coordinator) SetLocalPrefixes(prefixes []netip.Prefix) {
	c.localPrefixes = slices.Clone(prefixes)
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(p)
	}
	set, err := b.IPSet()
	if err != nil {
		c.log.Warn("invalid local prefixes", "err", err)
		return
	}
	if set.OverlapsPrefix(c.ula) {
		c.log.Warn("local prefixes overlap unique local prefix", "ula", c.ula, "prefixes", prefixes)
	}
}

// AddActiveDownstream appends iface to the active set with the next free
// subnet id and recomputes every downstream. Adding an active interface
// again is a no-op; changing its mode requires removing it first.
func (c *Coordinator) AddActiveDownstream(iface Iface, mode Mode) {
	if c.find(iface.Name) >= 0 {
		return
	}
	id := c.allocSubnetID()
	c.active = append(c.active, Downstream{Iface: iface, Mode: mode, SubnetID: id})
	c.log.Info("downstream active", "iface", iface.Name, "type", iface.Type, "mode", mode, "subnet", id)
	c.updateIPv6TetheringInterfaces()
}

// RemoveActiveDownstream withdraws iface's configuration, drops it from the
// active set and recomputes the rest. Once no downstream is requested the
// subnet counter restarts at 0.
func (c *Coordinator) RemoveActiveDownstream(iface Iface) {
	c.apply(iface, nil)
	if i := c.find(iface.Name); i >= 0 {
		c.active = slices.Delete(c.active, i, i+1)
		c.log.Info("downstream inactive", "iface", iface.Name)
		c.updateIPv6TetheringInterfaces()
	}
	if !c.requested() {
		if len(c.active) > 0 {
			c.log.Error("no downstream requested but downstreams still active", "active", len(c.active))
		}
		c.nextSubnetID = 0
	}
}

// UpdateUpstreamNetworkState takes a new upstream. An upstream without an
// IPv6 default route withdraws IPv6 from tethered downstreams; a different
// network withdraws before the new configuration is pushed.
func (c *Coordinator) UpdateUpstreamNetworkState(ns *UpstreamState) {
	if ns == nil || ns.LinkProperties.IPv6DefaultRouteInterface() == "" {
		c.stopIPv6TetheringOnAllInterfaces()
		c.setUpstream(nil)
		return
	}
	if c.upstream != nil && ns.Network != c.upstream.Network {
		c.stopIPv6TetheringOnAllInterfaces()
	}
	c.setUpstream(ns)
	c.updateIPv6TetheringInterfaces()
}

func (c *Coordinator) setUpstream(ns *UpstreamState) {
	if ns == nil {
		if c.upstream != nil {
			c.log.Info("upstream cleared", "network", c.upstream.Network)
		}
		c.upstream = nil
		return
	}
	c.upstream = ns.clone()
	c.log.Info("upstream IPv6 state", "network", ns.Network,
		"iface", ns.LinkProperties.IPv6DefaultRouteInterface(), "lp", ns.LinkProperties)
}

func (c *Coordinator) find(name string) int {
	return slices.IndexFunc(c.active, func(d Downstream) bool { return d.Iface.Name == name })
}

func (c *Coordinator) subnetInUse(id uint16) bool {
	return slices.ContainsFunc(c.active, func(d Downstream) bool { return d.SubnetID == id })
}

// allocSubnetID hands out the counter value and advances it, wrapping past
// MaxSubnetID and skipping ids still held by an active downstream.
func (c *Coordinator) allocSubnetID() uint16 {
	for range MaxSubnetID + 1 {
		id := c.nextSubnetID
		c.nextSubnetID = nextSubnetID(id)
		if !c.subnetInUse(id) {
			return id
		}
	}
	// Unreachable with fewer than 32768 downstreams.
	c.log.Error("subnet id space exhausted", "active", len(c.active))
	return c.nextSubnetID
}

func nextSubnetID(id uint16) uint16 {
	if id >= MaxSubnetID {
		return 0
	}
	return id + 1
}

func (c *Coordinator) apply(iface Iface, cfg *netstate.LinkProperties) {
	if c.sink != nil {
		c.sink.ApplyIPv6Config(iface, cfg)
	}
}

func (c *Coordinator) stopIPv6TetheringOnAllInterfaces() {
	for _, d := range c.active {
		if d.Mode == ModeTethered {
			c.apply(d.Iface, nil)
		}
	}
}

func (c *Coordinator) updateIPv6TetheringInterfaces() {
	for _, d := range slices.Clone(c.active) {
		c.apply(d.Iface, c.interfaceIPv6Config(d))
	}
}

// eligible returns the name of the oldest tethered downstream, or "". A
// bluetooth downstream at the front still wins, so nothing behind it gets
// the upstream prefix.
func (c *Coordinator) eligible() string {
	for _, d := range c.active {
		if d.Mode == ModeTethered {
			return d.Iface.Name
		}
	}
	return ""
}

func (c *Coordinator) interfaceIPv6Config(d Downstream) *netstate.LinkProperties {
	if d.Iface.Type == TypeBluetooth {
		return nil
	}
	if d.Mode == ModeLocalOnly {
		return uniqueLocalConfig(c.ula, d.SubnetID)
	}
	if c.upstream == nil || c.upstream.LinkProperties == nil {
		return nil
	}
	if c.eligible() != d.Iface.Name {
		return nil
	}
	v6 := ipv6OnlyLinkProperties(c.upstream.LinkProperties)
	if v6.HasIPv6DefaultRoute() && v6.HasGlobalIPv6Address() {
		return v6
	}
	return nil
}

// ipv6OnlyLinkProperties keeps what a downstream can advertise: global
// preferred /64 addresses, IPv6 routes no longer than /64, global IPv6 DNS
// servers and the search domains.
func ipv6OnlyLinkProperties(lp *netstate.LinkProperties) *netstate.LinkProperties {
	v6 := &netstate.LinkProperties{}
	if lp == nil {
		return v6
	}
	v6.InterfaceName = lp.InterfaceName
	v6.MTU = lp.MTU
	for _, a := range lp.Addresses {
		if a.Prefix.Addr().Is6() && a.IsGlobalPreferred() && a.Prefix.Bits() == 64 {
			v6.Addresses = append(v6.Addresses, a)
		}
	}
	for _, r := range lp.Routes {
		if r.IsIPv6() && r.Destination.Bits() <= 64 {
			v6.Routes = append(v6.Routes, r)
		}
	}
	for _, dns := range lp.DNSServers {
		if isIPv6GlobalAddress(dns) {
			v6.DNSServers = append(v6.DNSServers, dns)
		}
	}
	v6.Domains = lp.Domains
	return v6
}

func isIPv6GlobalAddress(a netip.Addr) bool {
	return a.Is6() && !a.Is4In6() &&
		!a.IsUnspecified() &&
		!a.IsLoopback() &&
		!a.IsLinkLocalUnicast() &&
		!netstate.IsSiteLocal(a) &&
		!a.IsMulticast()
}

// generateUniqueLocalPrefix returns fdXX:XXXX:XXXX::/48 with a random 40-bit
// global id.
func generateUniqueLocalPrefix(r io.Reader, log *slog.Logger) netip.Prefix {
	var b [16]byte
	if _, err := io.ReadFull(r, b[1:6]); err != nil {
		log.Error("reading random global id", "err", err)
	}
	b[0] = 0xfd
	return netip.PrefixFrom(netip.AddrFrom16(b), 48)
}

// uniqueLocalPrefix places subnetID in bytes 6-7 of the /48 and masks the
// result to bits.
func uniqueLocalPrefix(ula netip.Prefix, subnetID uint16, bits int) netip.Prefix {
	b := ula.Addr().As16()
	binary.BigEndian.PutUint16(b[6:8], subnetID)
	return netip.PrefixFrom(netip.AddrFrom16(b), bits).Masked()
}

func uniqueLocalConfig(ula netip.Prefix, subnetID uint16) *netstate.LinkProperties {
	local48 := uniqueLocalPrefix(ula, 0, 48)
	local64 := uniqueLocalPrefix(ula, subnetID, 64)
	return &netstate.LinkProperties{
		Addresses: []netstate.LinkAddress{netstate.NewLinkAddress(local64)},
		Routes:    []netstate.Route{{Destination: local48}},
		MTU:       EtherMTU,
	}
}
