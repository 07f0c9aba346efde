package netmon

import (
	"bytes"
	"context"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/psaab/tetherd/pkg/ipv6tether"
	"github.com/psaab/tetherd/pkg/netstate"
	"github.com/psaab/tetherd/pkg/tethering"
)

func coordinatorStatus(t *testing.T, c *tethering.Coordinator) *tethering.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func TestOnDemandCellularRaisedForDownstream(t *testing.T) {
	nl := &fakeNL{
		links: []netlink.Link{
			dummy(3, "wlan0", false),
			dummy(5, "rmnet0", false),
		},
		addrs: map[string][]netlink.Addr{
			"wlan0": {addr("2001:db8:1::5/64")},
		},
		routes: map[int][]netlink.Route{
			netlink.FAMILY_V6: {route(3, "2001:db8:1::/64", "", 256)},
		},
	}
	m := newMonitor(nl, Options{Rules: testRules})

	coord := tethering.New(tethering.Options{
		Config: tethering.Config{
			Preferred: []netstate.Category{netstate.CategoryWiFi, netstate.CategoryMobileHIPRI},
		},
		Requester: m,
		Rand:      bytes.NewReader([]byte{1, 2, 3, 4, 5}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-coord.Done()
	})
	m.SetObservers(coord.ListenAll(), coord.DefaultNetwork())

	if err := m.Resync(); err != nil {
		t.Fatal(err)
	}
	if st := coordinatorStatus(t, coord); st.MobileRequested {
		t.Fatal("mobile request filed with no downstreams")
	}

	usb := ipv6tether.Iface{Name: "usb0", Type: ipv6tether.TypeUSB}
	if err := coord.AddDownstream(context.Background(), usb, ipv6tether.ModeTethered); err != nil {
		t.Fatal(err)
	}
	if st := coordinatorStatus(t, coord); !st.MobileRequested || st.Upstream != nil {
		t.Fatalf("status = %+v, want pending mobile request", st)
	}

	m.applyRequest()
	if !slices.Equal(nl.ups, []string{"rmnet0"}) {
		t.Fatalf("ups = %v, want [rmnet0]", nl.ups)
	}
	if !slices.Equal(m.Raised(), []string{"rmnet0"}) {
		t.Fatalf("Raised() = %v", m.Raised())
	}

	if err := m.Resync(); err != nil {
		t.Fatal(err)
	}
	st := coordinatorStatus(t, coord)
	if st.Upstream == nil || st.Upstream.Network != 5 {
		t.Fatalf("upstream = %+v, want rmnet0", st.Upstream)
	}

	nl.link("wlan0").Attrs().Flags |= net.FlagUp
	if err := m.Resync(); err != nil {
		t.Fatal(err)
	}
	st = coordinatorStatus(t, coord)
	if st.Upstream == nil || st.Upstream.Network != 3 {
		t.Fatalf("upstream = %+v, want wlan0", st.Upstream)
	}
	if st.MobileRequested {
		t.Error("mobile request still outstanding with wifi selected")
	}

	m.applyRequest()
	if !slices.Equal(nl.downs, []string{"rmnet0"}) {
		t.Errorf("downs = %v, want [rmnet0]", nl.downs)
	}
	if len(m.Raised()) != 0 {
		t.Errorf("Raised() = %v after wifi won", m.Raised())
	}
}
