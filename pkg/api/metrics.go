package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// tetherdCollector implements prometheus.Collector, reading a coordinator
// status snapshot on each scrape.
type tetherdCollector struct {
	srv *Server

	upstreamSelected   *prometheus.Desc
	upstreamInfo       *prometheus.Desc
	upstreamSelections *prometheus.Desc
	configPushes       *prometheus.Desc
	provisioningRuns   *prometheus.Desc
	cellularPermitted  *prometheus.Desc
	mobileRequested    *prometheus.Desc
	networks           *prometheus.Desc
	downstreams        *prometheus.Desc
	localPrefixes      *prometheus.Desc
	eventsTotal        *prometheus.Desc
	dhcpLeases         *prometheus.Desc
	dhcpPrefixes       *prometheus.Desc
}

func newCollector(srv *Server) *tetherdCollector {
	return &tetherdCollector{
		srv: srv,

		upstreamSelected: prometheus.NewDesc(
			"tetherd_upstream_selected",
			"Whether an upstream network is selected (1) or not (0).",
			nil, nil,
		),
		upstreamInfo: prometheus.NewDesc(
			"tetherd_upstream_info",
			"The selected upstream network.",
			[]string{"interface", "category"}, nil,
		),
		upstreamSelections: prometheus.NewDesc(
			"tetherd_upstream_selections_total",
			"Total upstream selection changes.",
			nil, nil,
		),
		configPushes: prometheus.NewDesc(
			"tetherd_ipv6_config_pushes_total",
			"Total IPv6 configurations pushed to downstream interfaces.",
			nil, nil,
		),
		provisioningRuns: prometheus.NewDesc(
			"tetherd_provisioning_checks_total",
			"Total entitlement checks run for mobile upstreams.",
			nil, nil,
		),
		cellularPermitted: prometheus.NewDesc(
			"tetherd_cellular_permitted",
			"Whether tethering over cellular is permitted.",
			nil, nil,
		),
		mobileRequested: prometheus.NewDesc(
			"tetherd_mobile_network_requested",
			"Whether a mobile network request is outstanding.",
			nil, nil,
		),
		networks: prometheus.NewDesc(
			"tetherd_networks",
			"Tracked networks per category.",
			[]string{"category"}, nil,
		),
		downstreams: prometheus.NewDesc(
			"tetherd_downstreams",
			"Active downstream interfaces.",
			[]string{"mode", "ipv6"}, nil,
		),
		localPrefixes: prometheus.NewDesc(
			"tetherd_local_prefixes",
			"Number of prefixes considered local.",
			nil, nil,
		),
		eventsTotal: prometheus.NewDesc(
			"tetherd_events_total",
			"Total tethering events recorded.",
			nil, nil,
		),
		dhcpLeases: prometheus.NewDesc(
			"tetherd_dhcpv6_leases",
			"Active DHCPv6 leases.",
			nil, nil,
		),
		dhcpPrefixes: prometheus.NewDesc(
			"tetherd_dhcpv6_delegated_prefixes",
			"Delegated prefixes held.",
			nil, nil,
		),
	}
}

func (c *tetherdCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.upstreamSelected
	ch <- c.upstreamInfo
	ch <- c.upstreamSelections
	ch <- c.configPushes
	ch <- c.provisioningRuns
	ch <- c.cellularPermitted
	ch <- c.mobileRequested
	ch <- c.networks
	ch <- c.downstreams
	ch <- c.localPrefixes
	ch <- c.eventsTotal
	ch <- c.dhcpLeases
	ch <- c.dhcpPrefixes
}

func (c *tetherdCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectStatus(ch)
	c.collectDHCP(ch)
	if c.srv.eventBuf != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsTotal, prometheus.CounterValue,
			float64(c.srv.eventBuf.Total()))
	}
}

func (c *tetherdCollector) collectStatus(ch chan<- prometheus.Metric) {
	if c.srv.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := c.srv.backend.Status(ctx)
	if err != nil {
		c.srv.log.Debug("metrics status snapshot failed", "err", err)
		return
	}

	selected := 0.0
	if st.Upstream != nil {
		selected = 1
		ch <- prometheus.MustNewConstMetric(c.upstreamInfo, prometheus.GaugeValue, 1,
			st.Upstream.Interface, st.Upstream.Category)
	}
	ch <- prometheus.MustNewConstMetric(c.upstreamSelected, prometheus.GaugeValue, selected)
	ch <- prometheus.MustNewConstMetric(c.upstreamSelections, prometheus.CounterValue,
		float64(st.UpstreamSelections))
	ch <- prometheus.MustNewConstMetric(c.configPushes, prometheus.CounterValue,
		float64(st.ConfigPushes))
	ch <- prometheus.MustNewConstMetric(c.provisioningRuns, prometheus.CounterValue,
		float64(st.ProvisioningRuns))
	ch <- prometheus.MustNewConstMetric(c.cellularPermitted, prometheus.GaugeValue,
		boolValue(st.CellularPermitted))
	ch <- prometheus.MustNewConstMetric(c.mobileRequested, prometheus.GaugeValue,
		boolValue(st.MobileRequested))
	ch <- prometheus.MustNewConstMetric(c.localPrefixes, prometheus.GaugeValue,
		float64(len(st.LocalPrefixes)))

	perCategory := make(map[string]int)
	for _, n := range st.Networks {
		perCategory[n.Category]++
	}
	for cat, n := range perCategory {
		ch <- prometheus.MustNewConstMetric(c.networks, prometheus.GaugeValue, float64(n), cat)
	}

	type dsKey struct {
		mode string
		ipv6 bool
	}
	perMode := make(map[dsKey]int)
	for _, d := range st.Downstreams {
		perMode[dsKey{d.Mode, d.IPv6 != nil}]++
	}
	for k, n := range perMode {
		ipv6 := "false"
		if k.ipv6 {
			ipv6 = "true"
		}
		ch <- prometheus.MustNewConstMetric(c.downstreams, prometheus.GaugeValue, float64(n), k.mode, ipv6)
	}
}

func (c *tetherdCollector) collectDHCP(ch chan<- prometheus.Metric) {
	if c.srv.dhcp == nil {
		return
	}
	leases := c.srv.dhcp.Leases()
	var prefixes int
	for _, l := range leases {
		prefixes += len(l.Prefixes)
	}
	ch <- prometheus.MustNewConstMetric(c.dhcpLeases, prometheus.GaugeValue, float64(len(leases)))
	ch <- prometheus.MustNewConstMetric(c.dhcpPrefixes, prometheus.GaugeValue, float64(prefixes))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
