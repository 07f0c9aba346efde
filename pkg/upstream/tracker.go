// Package upstream tracks every network the device can see and picks the
// one tethered downstreams should route through.
//
// A Tracker does no locking. Its methods and the observers it hands out
// must all be driven from the single goroutine that owns it.
package upstream

import (
	"log/slog"
	"net/netip"
	"slices"

	"github.com/psaab/tetherd/pkg/netstate"
)

// EventKind identifies a tracker notification.
type EventKind int

const (
	EventCapabilities EventKind = iota + 1
	EventLinkProperties
	EventLost
	EventLocalPrefixes
)

func (k EventKind) String() string {
	switch k {
	case EventCapabilities:
		return "capabilities"
	case EventLinkProperties:
		return "link-properties"
	case EventLost:
		return "lost"
	case EventLocalPrefixes:
		return "local-prefixes"
	}
	return "unknown"
}

// Event is delivered to the Target. Record is set for per-network events;
// LocalPrefixes is set for EventLocalPrefixes.
type Event struct {
	Kind          EventKind
	Record        netstate.Record
	LocalPrefixes []netip.Prefix
}

// Target receives tracker events, synchronously, on the owning goroutine.
type Target interface {
	HandleUpstreamEvent(ev Event)
}

// NetworkRequester brings up a network matching a requirement. Only one
// request is outstanding at a time.
type NetworkRequester interface {
	RequestNetwork(req netstate.Capabilities, legacy netstate.Category)
	ReleaseNetworkRequest()
}

// Entitlement answers whether cellular upstreams may be used and is told
// when the default network's cellular-ness changes.
type Entitlement interface {
	CellularUpstreamPermitted() bool
	MaybeRunProvisioning()
	NotifyUpstream(isCellular bool)
}

// Options configures a Tracker. A nil Entitlement permits cellular upstreams;
// a nil Requester drops mobile requests after logging them.
type Options struct {
	Target      Target
	Requester   NetworkRequester
	Entitlement Entitlement
	Logger      *slog.Logger
}

// Tracker keeps the network map, the aggregate local prefixes, the default
// network and the outstanding mobile request.
type Tracker struct {
	log         *slog.Logger
	target      Target
	requester   NetworkRequester
	entitlement Entitlement

	networks      map[netstate.NetworkID]netstate.Record
	order         []netstate.NetworkID
	localPrefixes []netip.Prefix

	mobileRequested   bool
	dunRequired       bool
	defaultNetwork    netstate.NetworkID
	defaultIsCellular bool
	current           netstate.NetworkID
}

// New creates a Tracker.
func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		log:         logger.With("component", "upstream"),
		target:      opts.Target,
		requester:   opts.Requester,
		entitlement: opts.Entitlement,
		networks:    make(map[netstate.NetworkID]netstate.Record),
	}
}

// Stop releases any mobile request and forgets every network. The tracker
// can be fed again afterwards.
func (t *Tracker) Stop() {
	t.ReleaseMobileNetworkRequest()
	clear(t.networks)
	t.order = nil
	t.localPrefixes = nil
	t.defaultNetwork = netstate.NoNetwork
	t.defaultIsCellular = false
	t.current = netstate.NoNetwork
}

// UpdateMobileRequiresDun sets whether mobile requests ask for DUN. An
// outstanding request is filed again with the new type.
func (t *Tracker) UpdateMobileRequiresDun(dun bool) {
	if t.dunRequired == dun {
		return
	}
	t.dunRequired = dun
	if t.mobileRequested {
		t.ReleaseMobileNetworkRequest()
		t.RegisterMobileNetworkRequest()
	}
}

func (t *Tracker) DunRequired() bool { return t.dunRequired }

// MobileNetworkRequested reports whether a mobile request is outstanding.
func (t *Tracker) MobileNetworkRequested() bool { return t.mobileRequested }

// DefaultNetworkID returns the system default network.
func (t *Tracker) DefaultNetworkID() netstate.NetworkID { return t.defaultNetwork }

// SetCurrentUpstream records which network is in use, for signal-strength
// logging.
func (t *Tracker) SetCurrentUpstream(id netstate.NetworkID) { t.current = id }

func (t *Tracker) CurrentUpstream() netstate.NetworkID { return t.current }

// Networks returns a snapshot of every tracked network in arrival order.
func (t *Tracker) Networks() []netstate.Record {
	out := make([]netstate.Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.networks[id])
	}
	return out
}

// Lookup returns the record for id.
func (t *Tracker) Lookup(id netstate.NetworkID) (netstate.Record, bool) {
	r, ok := t.networks[id]
	return r, ok
}

// LocalPrefixes returns the aggregate local prefixes of all tracked networks.
func (t *Tracker) LocalPrefixes() []netip.Prefix {
	return slices.Clone(t.localPrefixes)
}

func (t *Tracker) cellularPermitted() bool {
	return t.entitlement == nil || t.entitlement.CellularUpstreamPermitted()
}

func (t *Tracker) notify(kind EventKind, rec netstate.Record) {
	if t.target != nil {
		t.target.HandleUpstreamEvent(Event{Kind: kind, Record: rec})
	}
}

func (t *Tracker) handleAvailable(id netstate.NetworkID) {
	if _, ok := t.networks[id]; ok {
		return
	}
	t.networks[id] = netstate.Record{Network: id}
	t.order = append(t.order, id)
}

func (t *Tracker) handleCapabilities(id netstate.NetworkID, caps netstate.Capabilities) {
	prev, ok := t.networks[id]
	if !ok {
		return
	}
	if prev.Capabilities != nil && *prev.Capabilities == caps {
		return
	}
	if id == t.current {
		if s, has := caps.SignalStrength(); has {
			old, hadOld := 0, false
			if prev.Capabilities != nil {
				old, hadOld = prev.Capabilities.SignalStrength()
			}
			if !hadOld || old != s {
				t.log.Info("upstream signal strength", "network", id, "old", old, "new", s)
			}
		}
	}
	rec := netstate.Record{Network: id, Capabilities: &caps, LinkProperties: prev.LinkProperties}
	t.networks[id] = rec
	t.notify(EventCapabilities, rec)
}

func (t *Tracker) handleLinkProperties(id netstate.NetworkID, lp *netstate.LinkProperties) {
	prev, ok := t.networks[id]
	if !ok {
		return
	}
	if prev.LinkProperties.Equal(lp) {
		return
	}
	rec := netstate.Record{Network: id, Capabilities: prev.Capabilities, LinkProperties: lp.Clone()}
	t.networks[id] = rec
	t.notify(EventLinkProperties, rec)
}

func (t *Tracker) handleLost(id netstate.NetworkID) {
	prev, ok := t.networks[id]
	if !ok {
		return
	}
	delete(t.networks, id)
	t.order = slices.DeleteFunc(t.order, func(n netstate.NetworkID) bool { return n == id })
	t.notify(EventLost, prev)
}

func (t *Tracker) recomputeLocalPrefixes() {
	var all []netip.Prefix
	for _, id := range t.order {
		all = append(all, netstate.LocalPrefixes(t.networks[id].LinkProperties)...)
	}
	all = netstate.SortPrefixes(all)
	if slices.Equal(all, t.localPrefixes) {
		return
	}
	t.localPrefixes = all
	if t.target != nil {
		t.target.HandleUpstreamEvent(Event{Kind: EventLocalPrefixes, LocalPrefixes: slices.Clone(all)})
	}
}

func (t *Tracker) handleDefaultCapabilities(id netstate.NetworkID, caps netstate.Capabilities) {
	t.defaultNetwork = id
	cellular := netstate.IsCellular(&caps)
	if cellular == t.defaultIsCellular {
		return
	}
	t.defaultIsCellular = cellular
	t.log.Info("default network cellular state changed", "network", id, "cellular", cellular)
	if t.entitlement != nil {
		t.entitlement.NotifyUpstream(cellular)
	}
}

func (t *Tracker) handleDefaultLost() {
	t.defaultNetwork = netstate.NoNetwork
	t.defaultIsCellular = false
	if t.entitlement != nil {
		t.entitlement.NotifyUpstream(false)
	}
}
