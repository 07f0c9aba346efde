package upstream

import (
	"bytes"
	"log/slog"
	"net/netip"
	"strings"
	"testing"

	"github.com/psaab/tetherd/pkg/netstate"
)

type recordingTarget struct {
	events []Event
}

func (r *recordingTarget) HandleUpstreamEvent(ev Event) { r.events = append(r.events, ev) }

func (r *recordingTarget) count(kind EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fakeRequester struct {
	requests []netstate.Category
	releases int
}

func (f *fakeRequester) RequestNetwork(_ netstate.Capabilities, legacy netstate.Category) {
	f.requests = append(f.requests, legacy)
}

func (f *fakeRequester) ReleaseNetworkRequest() { f.releases++ }

type fakeEntitlement struct {
	permitted    bool
	provisioning int
	notified     []bool
}

func (f *fakeEntitlement) CellularUpstreamPermitted() bool { return f.permitted }
func (f *fakeEntitlement) MaybeRunProvisioning()           { f.provisioning++ }
func (f *fakeEntitlement) NotifyUpstream(c bool)           { f.notified = append(f.notified, c) }

func wifiCaps() netstate.Capabilities {
	return netstate.NewCapabilities().WithTransport(netstate.TransportWiFi).WithCapability(netstate.CapInternet)
}

func cellCaps() netstate.Capabilities {
	return netstate.NewCapabilities().WithTransport(netstate.TransportCellular).WithCapability(netstate.CapInternet)
}

func newTestTracker() (*Tracker, *recordingTarget, *fakeRequester, *fakeEntitlement) {
	target := &recordingTarget{}
	req := &fakeRequester{}
	ent := &fakeEntitlement{permitted: true}
	tr := New(Options{Target: target, Requester: req, Entitlement: ent})
	return tr, target, req, ent
}

func addNetwork(tr *Tracker, id netstate.NetworkID, caps netstate.Capabilities, iface string) {
	obs := tr.ListenAll()
	obs.OnAvailable(id)
	obs.OnCapabilitiesChanged(id, caps)
	obs.OnLinkPropertiesChanged(id, &netstate.LinkProperties{InterfaceName: iface})
}

func TestSelectPreferredUpstreamType_Priority(t *testing.T) {
	tr, _, req, _ := newTestTracker()
	addNetwork(tr, 100, wifiCaps(), "wlan0")
	addNetwork(tr, 101, cellCaps(), "rmnet0")

	prefs := []netstate.Category{netstate.CategoryWiFi, netstate.CategoryMobileHIPRI}
	cat, rec := tr.SelectPreferredUpstreamType(prefs)
	if cat != netstate.CategoryWiFi {
		t.Fatalf("got %v, want wifi", cat)
	}
	if rec == nil || rec.Network != 100 {
		t.Fatalf("got record %+v, want network 100", rec)
	}
	if len(req.requests) != 0 {
		t.Errorf("mobile requests = %v, want none", req.requests)
	}
	if tr.MobileNetworkRequested() {
		t.Error("mobile request outstanding after wifi selection")
	}

	// Wi-Fi loses internet.
	noInternet := wifiCaps().WithoutCapability(netstate.CapInternet)
	tr.ListenAll().OnCapabilitiesChanged(100, noInternet)

	cat, rec = tr.SelectPreferredUpstreamType(prefs)
	if cat != netstate.CategoryMobileHIPRI {
		t.Fatalf("got %v, want mobile_hipri", cat)
	}
	if rec == nil || rec.Network != 101 {
		t.Fatalf("got record %+v, want network 101", rec)
	}
	if len(req.requests) != 1 || req.requests[0] != netstate.CategoryMobileHIPRI {
		t.Errorf("mobile requests = %v, want [mobile_hipri]", req.requests)
	}
	if !tr.MobileNetworkRequested() {
		t.Error("mobile request not recorded")
	}
}

func TestSelectPreferredUpstreamType_ReleaseOnNonCellular(t *testing.T) {
	tr, _, req, _ := newTestTracker()
	addNetwork(tr, 1, cellCaps(), "rmnet0")
	tr.SelectPreferredUpstreamType([]netstate.Category{netstate.CategoryMobileHIPRI})
	if !tr.MobileNetworkRequested() {
		t.Fatal("expected mobile request")
	}
	addNetwork(tr, 2, wifiCaps(), "wlan0")
	tr.SelectPreferredUpstreamType([]netstate.Category{netstate.CategoryWiFi, netstate.CategoryMobileHIPRI})
	if tr.MobileNetworkRequested() {
		t.Error("mobile request kept after wifi selection")
	}
	if req.releases != 1 {
		t.Errorf("releases = %d, want 1", req.releases)
	}
}

func TestSelectPreferredUpstreamType_NoneKeepsRequest(t *testing.T) {
	tr, _, req, ent := newTestTracker()
	tr.RegisterMobileNetworkRequest()

	cat, rec := tr.SelectPreferredUpstreamType([]netstate.Category{netstate.CategoryMobileHIPRI})
	if cat != netstate.CategoryNone || rec != nil {
		t.Fatalf("got %v %+v, want none", cat, rec)
	}
	if !tr.MobileNetworkRequested() || req.releases != 0 {
		t.Error("none selection released request while cellular permitted")
	}

	ent.permitted = false
	tr.SelectPreferredUpstreamType([]netstate.Category{netstate.CategoryMobileHIPRI})
	if tr.MobileNetworkRequested() || req.releases != 1 {
		t.Error("none selection kept request while cellular not permitted")
	}
}

func TestSelectPreferredUpstreamType_CellularNotPermitted(t *testing.T) {
	tr, _, req, ent := newTestTracker()
	ent.permitted = false
	addNetwork(tr, 1, cellCaps(), "rmnet0")
	cat, _ := tr.SelectPreferredUpstreamType([]netstate.Category{netstate.CategoryMobileHIPRI})
	if cat != netstate.CategoryNone {
		t.Errorf("got %v, want none", cat)
	}
	if len(req.requests) != 0 {
		t.Errorf("requests = %v, want none", req.requests)
	}
}

func TestSelectPreferredUpstreamType_UnknownCategorySkipped(t *testing.T) {
	tr, _, _, _ := newTestTracker()
	addNetwork(tr, 1, wifiCaps(), "wlan0")
	cat, rec := tr.SelectPreferredUpstreamType([]netstate.Category{netstate.Category(42), netstate.CategoryVPN, netstate.CategoryWiFi})
	if cat != netstate.CategoryWiFi || rec == nil {
		t.Errorf("got %v %+v, want wifi", cat, rec)
	}
}

func TestSelectPreferredUpstreamType_Provisioning(t *testing.T) {
	tr, _, req, ent := newTestTracker()
	tr.UpdateMobileRequiresDun(true)
	dun := netstate.NewCapabilities().WithTransport(netstate.TransportCellular).WithCapability(netstate.CapDUN)
	addNetwork(tr, 7, dun, "rmnet1")

	cat, _ := tr.SelectPreferredUpstreamType([]netstate.Category{netstate.CategoryMobileDUN})
	if cat != netstate.CategoryMobileDUN {
		t.Fatalf("got %v, want mobile_dun", cat)
	}
	if ent.provisioning != 1 {
		t.Errorf("provisioning runs = %d, want 1", ent.provisioning)
	}
	if len(req.requests) != 1 || req.requests[0] != netstate.CategoryMobileDUN {
		t.Errorf("requests = %v, want [mobile_dun]", req.requests)
	}

	// Default network turns cellular: no further provisioning.
	tr.DefaultNetwork().OnCapabilitiesChanged(7, dun)
	tr.SelectPreferredUpstreamType([]netstate.Category{netstate.CategoryMobileDUN})
	if ent.provisioning != 1 {
		t.Errorf("provisioning runs = %d, want 1", ent.provisioning)
	}
}

func TestSelectPreferredUpstreamType_CellularReselectQuiet(t *testing.T) {
	var logs bytes.Buffer
	req := &fakeRequester{}
	tr := New(Options{
		Target:      &recordingTarget{},
		Requester:   req,
		Entitlement: &fakeEntitlement{permitted: true},
		Logger:      slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	addNetwork(tr, 101, cellCaps(), "rmnet0")

	prefs := []netstate.Category{netstate.CategoryWiFi, netstate.CategoryMobileHIPRI}
	for range 3 {
		if cat, _ := tr.SelectPreferredUpstreamType(prefs); cat != netstate.CategoryMobileHIPRI {
			t.Fatalf("got %v, want mobile_hipri", cat)
		}
	}
	if len(req.requests) != 1 {
		t.Errorf("requests = %v, want one", req.requests)
	}
	if strings.Contains(logs.String(), "level=ERROR") {
		t.Errorf("reselecting the same cellular upstream logged an error:\n%s", logs.String())
	}
}

func TestRegisterMobileNetworkRequest_Twice(t *testing.T) {
	tr, _, req, _ := newTestTracker()
	tr.RegisterMobileNetworkRequest()
	tr.RegisterMobileNetworkRequest()
	if len(req.requests) != 1 {
		t.Errorf("requests = %d, want 1", len(req.requests))
	}
	tr.ReleaseMobileNetworkRequest()
	tr.ReleaseMobileNetworkRequest()
	if req.releases != 1 {
		t.Errorf("releases = %d, want 1", req.releases)
	}
}

func TestUpdateMobileRequiresDun_Refiles(t *testing.T) {
	tr, _, req, _ := newTestTracker()
	tr.UpdateMobileRequiresDun(false)
	tr.RegisterMobileNetworkRequest()
	tr.UpdateMobileRequiresDun(true)
	tr.UpdateMobileRequiresDun(true)

	want := []netstate.Category{netstate.CategoryMobileHIPRI, netstate.CategoryMobileDUN}
	if len(req.requests) != len(want) {
		t.Fatalf("requests = %v, want %v", req.requests, want)
	}
	for i := range want {
		if req.requests[i] != want[i] {
			t.Errorf("request %d = %v, want %v", i, req.requests[i], want[i])
		}
	}
	if req.releases != 1 {
		t.Errorf("releases = %d, want 1", req.releases)
	}
	if !tr.MobileNetworkRequested() || !tr.DunRequired() {
		t.Error("request should stay outstanding with DUN required")
	}
}

func TestCapabilitiesChanged_Idempotent(t *testing.T) {
	tr, target, _, _ := newTestTracker()
	obs := tr.ListenAll()
	obs.OnAvailable(5)
	obs.OnCapabilitiesChanged(5, wifiCaps())
	first, _ := tr.Lookup(5)
	obs.OnCapabilitiesChanged(5, wifiCaps())
	second, _ := tr.Lookup(5)

	if got := target.count(EventCapabilities); got != 1 {
		t.Errorf("capability events = %d, want 1", got)
	}
	if first.Capabilities != second.Capabilities {
		t.Error("duplicate notification replaced the stored capabilities")
	}
}

func TestUpdates_UnknownNetworkDropped(t *testing.T) {
	tr, target, _, _ := newTestTracker()
	obs := tr.ListenAll()
	obs.OnCapabilitiesChanged(9, wifiCaps())
	obs.OnLinkPropertiesChanged(9, &netstate.LinkProperties{InterfaceName: "x"})
	obs.OnLost(9)
	if len(target.events) != 0 {
		t.Errorf("events = %v, want none", target.events)
	}
	if len(tr.Networks()) != 0 {
		t.Error("unknown network was inserted")
	}
}

func TestAvailable_IdempotentAndOrdered(t *testing.T) {
	tr, _, _, _ := newTestTracker()
	obs := tr.ListenAll()
	obs.OnAvailable(3)
	obs.OnAvailable(1)
	obs.OnAvailable(3)
	nets := tr.Networks()
	if len(nets) != 2 || nets[0].Network != 3 || nets[1].Network != 1 {
		t.Errorf("networks = %+v, want [3 1]", nets)
	}
	obs.OnLost(3)
	nets = tr.Networks()
	if len(nets) != 1 || nets[0].Network != 1 {
		t.Errorf("networks after loss = %+v, want [1]", nets)
	}
}

func TestLinkProperties_ImmutableReplacement(t *testing.T) {
	tr, target, _, _ := newTestTracker()
	obs := tr.ListenAll()
	obs.OnAvailable(1)
	lp := &netstate.LinkProperties{InterfaceName: "eth0", MTU: 1500}
	obs.OnLinkPropertiesChanged(1, lp)
	lp.MTU = 9000

	rec, _ := tr.Lookup(1)
	if rec.LinkProperties.MTU != 1500 {
		t.Errorf("stored MTU = %d, caller mutation leaked", rec.LinkProperties.MTU)
	}
	obs.OnLinkPropertiesChanged(1, &netstate.LinkProperties{InterfaceName: "eth0", MTU: 1500})
	if got := target.count(EventLinkProperties); got != 1 {
		t.Errorf("link property events = %d, want 1", got)
	}
}

func TestLocalPrefixes(t *testing.T) {
	tr, target, _, _ := newTestTracker()
	obs := tr.ListenAll()
	obs.OnAvailable(1)
	obs.OnLinkPropertiesChanged(1, &netstate.LinkProperties{
		InterfaceName: "wlan0",
		Addresses: []netstate.LinkAddress{
			netstate.NewLinkAddress(netip.MustParsePrefix("192.168.7.3/24")),
			netstate.NewLinkAddress(netip.MustParsePrefix("fe80::1/64")),
		},
	})
	if got := target.count(EventLocalPrefixes); got != 1 {
		t.Fatalf("local prefix events = %d, want 1", got)
	}
	want := netip.MustParsePrefix("192.168.7.0/24")
	if got := tr.LocalPrefixes(); len(got) != 1 || got[0] != want {
		t.Errorf("LocalPrefixes() = %v, want [%v]", got, want)
	}

	// Same prefix from a second network: aggregate unchanged, no event.
	obs.OnAvailable(2)
	obs.OnLinkPropertiesChanged(2, &netstate.LinkProperties{
		InterfaceName: "eth0",
		Addresses:     []netstate.LinkAddress{netstate.NewLinkAddress(netip.MustParsePrefix("192.168.7.9/24"))},
	})
	if got := target.count(EventLocalPrefixes); got != 1 {
		t.Errorf("local prefix events = %d, want 1", got)
	}

	obs.OnLost(1)
	obs.OnLost(2)
	if got := target.count(EventLocalPrefixes); got != 2 {
		t.Errorf("local prefix events = %d, want 2", got)
	}
	if len(tr.LocalPrefixes()) != 0 {
		t.Errorf("LocalPrefixes() = %v, want empty", tr.LocalPrefixes())
	}
}

func TestGetCurrentPreferredUpstream(t *testing.T) {
	tr, _, _, ent := newTestTracker()
	addNetwork(tr, 1, cellCaps(), "rmnet0")
	addNetwork(tr, 2, wifiCaps(), "wlan0")

	if rec := tr.GetCurrentPreferredUpstream(); rec != nil {
		t.Errorf("got %+v with no default network, want nil", rec)
	}

	tr.DefaultNetwork().OnCapabilitiesChanged(2, wifiCaps())
	if rec := tr.GetCurrentPreferredUpstream(); rec == nil || rec.Network != 2 {
		t.Errorf("got %+v, want network 2", rec)
	}

	tr.DefaultNetwork().OnCapabilitiesChanged(1, cellCaps())
	if rec := tr.GetCurrentPreferredUpstream(); rec == nil || rec.Network != 1 {
		t.Errorf("got %+v, want cellular default 1", rec)
	}
	if len(ent.notified) != 1 || !ent.notified[0] {
		t.Errorf("notified = %v, want [true]", ent.notified)
	}

	tr.UpdateMobileRequiresDun(true)
	if rec := tr.GetCurrentPreferredUpstream(); rec != nil {
		t.Errorf("got %+v with DUN required and no DUN network, want nil", rec)
	}
	dun := cellCaps().WithCapability(netstate.CapDUN)
	addNetwork(tr, 3, dun, "rmnet1")
	if rec := tr.GetCurrentPreferredUpstream(); rec == nil || rec.Network != 3 {
		t.Errorf("got %+v, want DUN network 3", rec)
	}

	ent.permitted = false
	if rec := tr.GetCurrentPreferredUpstream(); rec != nil {
		t.Errorf("got %+v with cellular not permitted, want nil", rec)
	}

	tr.DefaultNetwork().OnLost(1)
	if tr.DefaultNetworkID() != netstate.NoNetwork {
		t.Error("default network kept after loss")
	}
	if last := ent.notified[len(ent.notified)-1]; last {
		t.Error("default loss did not notify non-cellular")
	}
}

func TestDefaultCallback_DoesNotTouchMap(t *testing.T) {
	tr, target, _, _ := newTestTracker()
	addNetwork(tr, 1, wifiCaps(), "wlan0")
	before := len(target.events)
	tr.DefaultNetwork().OnCapabilitiesChanged(1, wifiCaps().WithSignalStrength(-50))
	tr.DefaultNetwork().OnLinkPropertiesChanged(1, &netstate.LinkProperties{InterfaceName: "other"})
	tr.DefaultNetwork().OnLost(1)
	if len(target.events) != before {
		t.Errorf("default callback emitted %d events", len(target.events)-before)
	}
	if _, ok := tr.Lookup(1); !ok {
		t.Error("default loss removed the network record")
	}
}

func TestStop(t *testing.T) {
	tr, _, req, _ := newTestTracker()
	addNetwork(tr, 1, cellCaps(), "rmnet0")
	tr.RegisterMobileNetworkRequest()
	tr.Stop()
	if req.releases != 1 {
		t.Errorf("releases = %d, want 1", req.releases)
	}
	if len(tr.Networks()) != 0 {
		t.Error("networks kept after Stop")
	}
}
