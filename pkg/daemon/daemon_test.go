package daemon

import (
	"io"
	"log/slog"
	"net/netip"
	"path/filepath"
	"slices"
	"testing"

	"github.com/psaab/tetherd/pkg/config"
	"github.com/psaab/tetherd/pkg/dhcp"
	"github.com/psaab/tetherd/pkg/logging"
	"github.com/psaab/tetherd/pkg/netstate"
)

const sampleConfig = `
upstream:
  preferred: [wifi, mobile_hipri]
  dun_required: true
interfaces:
  - match: "wlan*"
    transport: wifi
    dhcpv6_pd: true
    pd_prefix_length: 60
  - match: rmnet0
    transport: cellular
    capabilities: [dun]
    dns: ["2001:db8::53"]
    on_demand: true
downstreams:
  - {name: usb0, type: usb}
api_auth:
  api_keys: [k1]
syslog:
  - host: 127.0.0.1
    port: 5514
    severity: warning
    facility: local3
`

func mustParse(t *testing.T, s string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestTetheringConfig(t *testing.T) {
	tc, err := tetheringConfig(mustParse(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	want := []netstate.Category{netstate.CategoryWiFi, netstate.CategoryMobileHIPRI}
	if !slices.Equal(tc.Preferred, want) || !tc.DunRequired || tc.ChooseAutomatically {
		t.Errorf("config = %+v", tc)
	}
}

func TestNetmonRules(t *testing.T) {
	rules, err := netmonRules(mustParse(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %+v", rules)
	}
	if r := rules[0]; r.Transport != netstate.TransportWiFi || !r.DHCPv6PD || r.PDPrefixLen != 60 {
		t.Errorf("wlan rule = %+v", r)
	}
	r := rules[1]
	if !r.OnDemand || !slices.Contains(r.Capabilities, netstate.CapDUN) {
		t.Errorf("rmnet rule = %+v", r)
	}
	if len(r.DNS) != 1 || r.DNS[0] != netip.MustParseAddr("2001:db8::53") {
		t.Errorf("dns = %v", r.DNS)
	}
}

func TestDiffDownstreams(t *testing.T) {
	usb := config.DownstreamConfig{Name: "usb0", Type: "usb", Mode: "tethered"}
	wifi := config.DownstreamConfig{Name: "wlan1", Type: "wifi", Mode: "tethered"}
	wifiLocal := config.DownstreamConfig{Name: "wlan1", Type: "wifi", Mode: "local-only"}

	tests := []struct {
		name       string
		current    []config.DownstreamConfig
		want       []config.DownstreamConfig
		wantAdd    []string
		wantRemove []string
	}{
		{"initial", nil, []config.DownstreamConfig{usb, wifi}, []string{"usb0", "wlan1"}, nil},
		{"unchanged", []config.DownstreamConfig{usb}, []config.DownstreamConfig{usb}, nil, nil},
		{"removed", []config.DownstreamConfig{usb, wifi}, []config.DownstreamConfig{usb}, nil, []string{"wlan1"}},
		{"mode changed", []config.DownstreamConfig{wifi}, []config.DownstreamConfig{wifiLocal}, []string{"wlan1"}, []string{"wlan1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := make(map[string]config.DownstreamConfig)
			for _, ds := range tt.current {
				cur[ds.Name] = ds
			}
			add, remove := diffDownstreams(cur, tt.want)
			var addNames []string
			for _, ds := range add {
				addNames = append(addNames, ds.Name)
			}
			if !slices.Equal(addNames, tt.wantAdd) {
				t.Errorf("add = %v, want %v", addNames, tt.wantAdd)
			}
			if !slices.Equal(remove, tt.wantRemove) {
				t.Errorf("remove = %v, want %v", remove, tt.wantRemove)
			}
		})
	}
}

func TestDownstream(t *testing.T) {
	iface, mode, err := downstream(config.DownstreamConfig{Name: "p2p0", Type: "wifi-p2p", Mode: "local-only"})
	if err != nil {
		t.Fatal(err)
	}
	if iface.Name != "p2p0" || iface.Type.String() != "wifi-p2p" || mode.String() != "local-only" {
		t.Errorf("got %+v %v", iface, mode)
	}
	if _, _, err := downstream(config.DownstreamConfig{Name: "x", Type: "serial", Mode: "tethered"}); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestDHCPExtras(t *testing.T) {
	leases := []*dhcp.Lease{
		{
			Interface: "wlan0",
			DNS:       []netip.Addr{netip.MustParseAddr("2001:db8::53")},
			Domains:   []string{"example.net"},
			Prefixes:  []dhcp.DelegatedPrefix{{Prefix: netip.MustParsePrefix("2001:db8:aa00::/56")}},
		},
		{Interface: "eth0"},
	}
	ex := dhcpExtras(leases)
	if got := ex["wlan0"].Prefix; got != netip.MustParsePrefix("2001:db8:aa00::/64") {
		t.Errorf("wlan0 prefix = %s", got)
	}
	if len(ex["wlan0"].DNS) != 1 || ex["wlan0"].Domains[0] != "example.net" {
		t.Errorf("wlan0 extras = %+v", ex["wlan0"])
	}
	if ex["eth0"].Prefix.IsValid() {
		t.Errorf("eth0 has no delegation, got %s", ex["eth0"].Prefix)
	}
}

func TestAPIAuth(t *testing.T) {
	if apiAuth(mustParse(t, "")) != nil {
		t.Error("auth configured without api_auth")
	}
	a := apiAuth(mustParse(t, sampleConfig))
	if a == nil || len(a.APIKeys) != 1 || a.APIKeys[0] != "k1" {
		t.Errorf("auth = %+v", a)
	}
}

func TestSyslogClients(t *testing.T) {
	clients := syslogClients(mustParse(t, sampleConfig), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if len(clients) != 1 {
		t.Fatalf("clients = %d", len(clients))
	}
	defer clients[0].Close()
	if clients[0].MinSeverity != logging.SyslogWarning || clients[0].Facility != logging.FacilityLocal3 {
		t.Errorf("client = %+v", clients[0])
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	d := New(Options{ConfigFile: filepath.Join(t.TempDir(), "absent.yaml")})
	cfg, err := d.loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIAddr != config.DefaultAPIAddr || len(cfg.Upstream.Preferred) != len(config.DefaultPreferred) {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}
