package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/psaab/tetherd/pkg/tethering"
)

func printStatus(w io.Writer, st *tethering.Status) {
	if up := st.Upstream; up != nil {
		ipv6 := "no"
		if up.IPv6 {
			ipv6 = "yes"
		}
		fmt.Fprintf(w, "Upstream: network %d (%s, %s) IPv6: %s\n", up.Network, orDash(up.Interface), up.Category, ipv6)
	} else {
		fmt.Fprintln(w, "Upstream: none")
	}
	printPolicy(w, st)
	fmt.Fprintf(w, "ULA prefix: %s\n", st.UniqueLocalPrefix)
	fmt.Fprintf(w, "Selections: %d  Config pushes: %d  Provisioning checks: %d\n",
		st.UpstreamSelections, st.ConfigPushes, st.ProvisioningRuns)

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NETWORK\tINTERFACE\tCATEGORY\tADDRESSES\tFLAGS")
	for _, n := range st.Networks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", n.Network, orDash(n.Interface), n.Category,
			orDash(strings.Join(n.Addresses, ",")), networkFlags(n))
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DOWNSTREAM\tTYPE\tMODE\tSUBNET\tIPV6")
	for _, d := range st.Downstreams {
		ipv6 := "-"
		if d.IPv6 != nil && len(d.IPv6.Routes) > 0 {
			ipv6 = strings.Join(d.IPv6.Routes, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t0x%04x\t%s\n", d.Name, d.Type, d.Mode, d.SubnetID, ipv6)
	}
	tw.Flush()
}

func printPolicy(w io.Writer, st *tethering.Status) {
	fmt.Fprintf(w, "Policy: automatic=%t cellular=%t dun=%t preferred=%s\n",
		st.ChooseAutomatically, st.CellularPermitted, st.DunRequired, orDash(strings.Join(st.Preferred, ",")))
}

func networkFlags(n tethering.NetworkStatus) string {
	var flags []string
	if n.Default {
		flags = append(flags, "default")
	}
	if n.Upstream {
		flags = append(flags, "upstream")
	}
	return orDash(strings.Join(flags, ","))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
