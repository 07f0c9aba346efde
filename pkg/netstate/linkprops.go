package netstate

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"go4.org/netipx"
	"golang.org/x/sys/unix"
)

var siteLocalPrefix = netip.MustParsePrefix("fec0::/10")

// IsULA reports whether a is an IPv6 unique local address (fc00::/7).
func IsULA(a netip.Addr) bool {
	return a.Is6() && !a.Is4In6() && a.As16()[0]&0xfe == 0xfc
}

// IsSiteLocal reports whether a is in the deprecated fec0::/10 range.
func IsSiteLocal(a netip.Addr) bool {
	return a.Is6() && siteLocalPrefix.Contains(a)
}

// ScopeForAddr returns the kernel scope (RT_SCOPE_*) an address of this kind
// is assigned. Private IPv4 ranges stay at universe scope.
func ScopeForAddr(a netip.Addr) uint8 {
	switch {
	case a.IsUnspecified():
		return unix.RT_SCOPE_HOST
	case a.IsLoopback(), a.IsLinkLocalUnicast():
		return unix.RT_SCOPE_LINK
	case IsSiteLocal(a):
		return unix.RT_SCOPE_SITE
	default:
		return unix.RT_SCOPE_UNIVERSE
	}
}

// LinkAddress is an address with its prefix length, IFA_F_* flags and
// RT_SCOPE_* scope.
type LinkAddress struct {
	Prefix netip.Prefix
	Flags  uint32
	Scope  uint8
}

// NewLinkAddress builds a LinkAddress with no flags and the scope the
// address kind implies.
func NewLinkAddress(p netip.Prefix) LinkAddress {
	return LinkAddress{Prefix: p, Scope: ScopeForAddr(p.Addr())}
}

// IsGlobalPreferred reports whether the address may be used as a preferred
// global source: universe scope, not ULA, not deprecated or DAD-failed, and
// not tentative unless optimistic.
func (la LinkAddress) IsGlobalPreferred() bool {
	if la.Scope != unix.RT_SCOPE_UNIVERSE || IsULA(la.Prefix.Addr()) {
		return false
	}
	if la.Flags&(unix.IFA_F_DADFAILED|unix.IFA_F_DEPRECATED) != 0 {
		return false
	}
	return la.Flags&unix.IFA_F_TENTATIVE == 0 || la.Flags&unix.IFA_F_OPTIMISTIC != 0
}

func (la LinkAddress) String() string {
	return la.Prefix.String()
}

// Route is a destination prefix reachable through a gateway (optional) on
// an interface (empty means the owning link).
type Route struct {
	Destination netip.Prefix
	Gateway     netip.Addr
	Interface   string
}

// IsDefault reports whether r is a default route of its family.
func (r Route) IsDefault() bool {
	return r.Destination.IsValid() && r.Destination.Bits() == 0
}

func (r Route) IsIPv6() bool {
	return r.Destination.Addr().Is6()
}

func (r Route) String() string {
	var b strings.Builder
	b.WriteString(r.Destination.String())
	if r.Gateway.IsValid() {
		b.WriteString(" via ")
		b.WriteString(r.Gateway.String())
	}
	if r.Interface != "" {
		b.WriteString(" dev ")
		b.WriteString(r.Interface)
	}
	return b.String()
}

// LinkProperties describes the layer 3 configuration of one link. Values
// stored in a network record are never mutated; an update replaces the
// whole value.
type LinkProperties struct {
	InterfaceName string
	Addresses     []LinkAddress
	Routes        []Route
	DNSServers    []netip.Addr
	Domains       string
	MTU           int
}

// Clone returns a deep copy. Cloning nil returns nil.
func (lp *LinkProperties) Clone() *LinkProperties {
	if lp == nil {
		return nil
	}
	out := *lp
	out.Addresses = slices.Clone(lp.Addresses)
	out.Routes = slices.Clone(lp.Routes)
	out.DNSServers = slices.Clone(lp.DNSServers)
	return &out
}

// Equal compares two link properties. Address, route and DNS lists are
// compared as multisets.
func (lp *LinkProperties) Equal(o *LinkProperties) bool {
	if lp == nil || o == nil {
		return lp == o
	}
	return lp.InterfaceName == o.InterfaceName &&
		lp.Domains == o.Domains &&
		lp.MTU == o.MTU &&
		sameElements(lp.Addresses, o.Addresses) &&
		sameElements(lp.Routes, o.Routes) &&
		sameElements(lp.DNSServers, o.DNSServers)
}

func sameElements[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[T]int, len(a))
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		if counts[v] == 0 {
			return false
		}
		counts[v]--
	}
	return true
}

// HasIPv6DefaultRoute reports whether any route is an IPv6 default route.
func (lp *LinkProperties) HasIPv6DefaultRoute() bool {
	if lp == nil {
		return false
	}
	for _, r := range lp.Routes {
		if r.IsDefault() && r.IsIPv6() {
			return true
		}
	}
	return false
}

// HasGlobalIPv6Address reports whether any address is a global preferred
// IPv6 address.
func (lp *LinkProperties) HasGlobalIPv6Address() bool {
	if lp == nil {
		return false
	}
	for _, a := range lp.Addresses {
		if a.Prefix.Addr().Is6() && a.IsGlobalPreferred() {
			return true
		}
	}
	return false
}

// IPv6DefaultRouteInterface returns the interface the IPv6 default route
// leaves through, or "" when there is none.
func (lp *LinkProperties) IPv6DefaultRouteInterface() string {
	if lp == nil {
		return ""
	}
	for _, r := range lp.Routes {
		if r.IsDefault() && r.IsIPv6() {
			if r.Interface != "" {
				return r.Interface
			}
			return lp.InterfaceName
		}
	}
	return ""
}

func (lp *LinkProperties) String() string {
	if lp == nil {
		return "{}"
	}
	addrs := make([]string, len(lp.Addresses))
	for i, a := range lp.Addresses {
		addrs[i] = a.String()
	}
	routes := make([]string, len(lp.Routes))
	for i, r := range lp.Routes {
		routes[i] = r.String()
	}
	return fmt.Sprintf("{iface:%s addrs:[%s] routes:[%s] dns:%v domains:%q mtu:%d}",
		lp.InterfaceName, strings.Join(addrs, ","), strings.Join(routes, ","),
		lp.DNSServers, lp.Domains, lp.MTU)
}

// LocalPrefixes returns the masked prefixes of every address that is not
// link-local, deduplicated and sorted.
func LocalPrefixes(lp *LinkProperties) []netip.Prefix {
	if lp == nil {
		return nil
	}
	var out []netip.Prefix
	for _, a := range lp.Addresses {
		ip := a.Prefix.Addr()
		if ip.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, a.Prefix.Masked())
	}
	return SortPrefixes(out)
}

// SortPrefixes sorts prefixes (IPv4 first, then by length and address) and
// drops duplicates in place.
func SortPrefixes(ps []netip.Prefix) []netip.Prefix {
	slices.SortFunc(ps, netipx.ComparePrefix)
	return slices.Compact(ps)
}
