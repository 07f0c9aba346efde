package tethering

import (
	"context"
	"fmt"

	"github.com/psaab/tetherd/pkg/netstate"
)

// Status is a point-in-time view of the coordinator.
type Status struct {
	Upstream            *UpstreamStatus    `json:"upstream,omitempty"`
	Category            string             `json:"category"`
	ChooseAutomatically bool               `json:"choose_automatically"`
	Preferred           []string           `json:"preferred"`
	DefaultNetwork      int                `json:"default_network,omitempty"`
	CellularPermitted   bool               `json:"cellular_permitted"`
	DunRequired         bool               `json:"dun_required"`
	MobileRequested     bool               `json:"mobile_requested"`
	UniqueLocalPrefix   string             `json:"unique_local_prefix"`
	LocalPrefixes       []string           `json:"local_prefixes,omitempty"`
	Networks            []NetworkStatus    `json:"networks"`
	Downstreams         []DownstreamStatus `json:"downstreams"`
	UpstreamSelections  uint64             `json:"upstream_selections"`
	ConfigPushes        uint64             `json:"config_pushes"`
	ProvisioningRuns    uint64             `json:"provisioning_runs"`
}

// UpstreamStatus describes the selected upstream.
type UpstreamStatus struct {
	Network   int    `json:"network"`
	Interface string `json:"interface,omitempty"`
	Category  string `json:"category"`
	IPv6      bool   `json:"ipv6"`
}

// NetworkStatus describes one tracked network.
type NetworkStatus struct {
	Network        int      `json:"network"`
	Interface      string   `json:"interface,omitempty"`
	Category       string   `json:"category"`
	Transports     []string `json:"transports,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	SignalStrength *int     `json:"signal_strength,omitempty"`
	Addresses      []string `json:"addresses,omitempty"`
	Routes         []string `json:"routes,omitempty"`
	DNSServers     []string `json:"dns_servers,omitempty"`
	MTU            int      `json:"mtu,omitempty"`
	Default        bool     `json:"default,omitempty"`
	Upstream       bool     `json:"upstream,omitempty"`
}

// DownstreamStatus describes one active downstream and what it advertises.
type DownstreamStatus struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Mode     string      `json:"mode"`
	SubnetID uint16      `json:"subnet_id"`
	IPv6     *IPv6Config `json:"ipv6,omitempty"`
}

// IPv6Config is the printable form of a pushed configuration.
type IPv6Config struct {
	Addresses  []string `json:"addresses,omitempty"`
	Routes     []string `json:"routes,omitempty"`
	DNSServers []string `json:"dns_servers,omitempty"`
	Domains    string   `json:"domains,omitempty"`
	MTU        int      `json:"mtu,omitempty"`
}

// Status returns a snapshot taken on the coordinator goroutine.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	var st *Status
	if err := c.call(ctx, func() { st = c.snapshot() }); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *Coordinator) snapshot() *Status {
	st := &Status{
		Category:            c.category.String(),
		ChooseAutomatically: c.cfg.ChooseAutomatically,
		DefaultNetwork:      int(c.tracker.DefaultNetworkID()),
		CellularPermitted:   c.policy.CellularUpstreamPermitted(),
		DunRequired:         c.tracker.DunRequired(),
		MobileRequested:     c.tracker.MobileNetworkRequested(),
		UniqueLocalPrefix:   c.ipv6.UniqueLocalPrefix().String(),
		LocalPrefixes:       stringsOf(c.tracker.LocalPrefixes()),
		Networks:            []NetworkStatus{},
		Downstreams:         []DownstreamStatus{},
		UpstreamSelections:  c.selections,
		ConfigPushes:        c.sink.pushes,
		ProvisioningRuns:    c.policy.ProvisioningRuns(),
	}
	for _, p := range c.cfg.Preferred {
		st.Preferred = append(st.Preferred, p.String())
	}
	if c.upstream != nil {
		st.Upstream = &UpstreamStatus{
			Network:   int(c.upstream.Network),
			Interface: c.upstream.Interface(),
			Category:  c.category.String(),
			IPv6:      c.ipv6.Upstream() != nil,
		}
	}
	for _, rec := range c.tracker.Networks() {
		st.Networks = append(st.Networks, networkStatus(rec, c.tracker.DefaultNetworkID(), c.tracker.CurrentUpstream()))
	}
	for _, d := range c.ipv6.Downstreams() {
		st.Downstreams = append(st.Downstreams, DownstreamStatus{
			Name:     d.Iface.Name,
			Type:     d.Iface.Type.String(),
			Mode:     d.Mode.String(),
			SubnetID: d.SubnetID,
			IPv6:     ipv6Config(c.sink.last[d.Iface.Name]),
		})
	}
	return st
}

func networkStatus(rec netstate.Record, dflt, current netstate.NetworkID) NetworkStatus {
	ns := NetworkStatus{
		Network:   int(rec.Network),
		Interface: rec.Interface(),
		Category:  netstate.CategoryFor(rec.Capabilities).String(),
		Default:   rec.Network == dflt,
		Upstream:  rec.Network == current,
	}
	if caps := rec.Capabilities; caps != nil {
		for _, t := range caps.Transports() {
			ns.Transports = append(ns.Transports, t.String())
		}
		for _, cp := range caps.Capabilities() {
			ns.Capabilities = append(ns.Capabilities, cp.String())
		}
		if s, ok := caps.SignalStrength(); ok {
			ns.SignalStrength = &s
		}
	}
	if lp := rec.LinkProperties; lp != nil {
		for _, a := range lp.Addresses {
			ns.Addresses = append(ns.Addresses, a.String())
		}
		for _, r := range lp.Routes {
			ns.Routes = append(ns.Routes, r.String())
		}
		ns.DNSServers = stringsOf(lp.DNSServers)
		ns.MTU = lp.MTU
	}
	return ns
}

func ipv6Config(lp *netstate.LinkProperties) *IPv6Config {
	if lp == nil {
		return nil
	}
	cfg := &IPv6Config{
		DNSServers: stringsOf(lp.DNSServers),
		Domains:    lp.Domains,
		MTU:        lp.MTU,
	}
	for _, a := range lp.Addresses {
		cfg.Addresses = append(cfg.Addresses, a.String())
	}
	for _, r := range lp.Routes {
		cfg.Routes = append(cfg.Routes, r.String())
	}
	return cfg
}

func stringsOf[T fmt.Stringer](vs []T) []string {
	if len(vs) == 0 {
		return nil
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}
