package radvd

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psaab/tetherd/pkg/ipv6tether"
	"github.com/psaab/tetherd/pkg/netstate"
)

type fakeRunner struct {
	mu       sync.Mutex
	cmds     []string
	failRun  map[string]bool
	startErr error
}

func (f *fakeRunner) Run(name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := strings.Join(append([]string{name}, args...), " ")
	f.cmds = append(f.cmds, cmd)
	if f.failRun[name] {
		return errors.New("exit status 1")
	}
	return nil
}

func (f *fakeRunner) Start(name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, "start "+strings.Join(append([]string{name}, args...), " "))
	return f.startErr
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func newTestManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()
	m := New(Options{
		ConfigPath: filepath.Join(dir, "radvd.conf"),
		PidFile:    filepath.Join(dir, "radvd.pid"),
		Debounce:   10 * time.Millisecond,
	})
	r := &fakeRunner{failRun: map[string]bool{}}
	m.run = r
	return m, r
}

func tetheredConfig() *netstate.LinkProperties {
	return &netstate.LinkProperties{
		InterfaceName: "rmnet0",
		Addresses:     []netstate.LinkAddress{netstate.NewLinkAddress(netip.MustParsePrefix("2001:db8:1::5/64"))},
		Routes: []netstate.Route{
			{Destination: netip.MustParsePrefix("::/0")},
			{Destination: netip.MustParsePrefix("2001:db8:1::/64")},
			{Destination: netip.MustParsePrefix("2001:db8:ff::/56")},
		},
		DNSServers: []netip.Addr{netip.MustParseAddr("2001:4860:4860::8888"), netip.MustParseAddr("2001:4860:4860::8844")},
		Domains:    "example.com  corp.example.com",
		MTU:        1430,
	}
}

func ulaConfig() *netstate.LinkProperties {
	return &netstate.LinkProperties{
		Addresses: []netstate.LinkAddress{netstate.NewLinkAddress(netip.MustParsePrefix("fd11:2233:4455:3::/64"))},
		Routes:    []netstate.Route{{Destination: netip.MustParsePrefix("fd11:2233:4455::/48")}},
		MTU:       1500,
	}
}

func TestGenerateConfig_Tethered(t *testing.T) {
	m, _ := newTestManager(t)
	m.ifaces["usb0"] = tetheredConfig()
	got := m.generateConfig()

	for _, want := range []string{
		"interface usb0\n",
		"AdvSendAdvert on;",
		"prefix 2001:db8:1::/64",
		"AdvOnLink on;",
		"AdvAutonomous on;",
		"route 2001:db8:ff::/56",
		"RDNSS 2001:4860:4860::8888 2001:4860:4860::8844",
		"DNSSL example.com corp.example.com",
		"AdvLinkMTU 1430;",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "AdvDefaultLifetime 0;") {
		t.Error("tethered config advertised as non-default router")
	}
	if strings.Contains(got, "route 2001:db8:1::/64") || strings.Contains(got, "route ::/0") {
		t.Errorf("on-link or default route rendered as route:\n%s", got)
	}
}

func TestGenerateConfig_LocalOnly(t *testing.T) {
	m, _ := newTestManager(t)
	m.ifaces["p2p0"] = ulaConfig()
	got := m.generateConfig()
	for _, want := range []string{
		"prefix fd11:2233:4455:3::/64",
		"route fd11:2233:4455::/48",
		"AdvDefaultLifetime 0;",
		"AdvLinkMTU 1500;",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "RDNSS") || strings.Contains(got, "DNSSL") {
		t.Error("empty DNS rendered")
	}
}

func TestGenerateConfig_Intervals(t *testing.T) {
	m := New(Options{MaxAdvInterval: 600, MinAdvInterval: 200})
	m.ifaces["usb0"] = ulaConfig()
	got := m.generateConfig()
	if !strings.Contains(got, "MaxRtrAdvInterval 600;") || !strings.Contains(got, "MinRtrAdvInterval 200;") {
		t.Errorf("intervals missing in:\n%s", got)
	}
}

func TestGenerateConfig_MultipleInterfacesSorted(t *testing.T) {
	m, _ := newTestManager(t)
	m.ifaces["wlan1"] = ulaConfig()
	m.ifaces["eth1"] = tetheredConfig()
	got := m.generateConfig()
	if strings.Index(got, "interface eth1") > strings.Index(got, "interface wlan1") {
		t.Errorf("interfaces not sorted:\n%s", got)
	}
}

func TestFlush_WritesAndReloads(t *testing.T) {
	m, r := newTestManager(t)
	m.ApplyIPv6Config(ipv6tether.Iface{Name: "usb0"}, tetheredConfig())
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "interface usb0") {
		t.Errorf("config file = %q", data)
	}
	if cmds := r.commands(); len(cmds) == 0 || cmds[0] != "systemctl reload radvd" {
		t.Errorf("commands = %v", cmds)
	}

	// Unchanged config is not rewritten.
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	if m.Reloads() != 1 {
		t.Errorf("reloads = %d, want 1", m.Reloads())
	}
}

func TestFlush_FallbackToStart(t *testing.T) {
	m, r := newTestManager(t)
	r.failRun["systemctl"] = true
	m.ApplyIPv6Config(ipv6tether.Iface{Name: "usb0"}, ulaConfig())
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	cmds := r.commands()
	if last := cmds[len(cmds)-1]; !strings.HasPrefix(last, "start radvd -C ") {
		t.Errorf("commands = %v, want radvd start", cmds)
	}
}

func TestFlush_SIGHUPFallback(t *testing.T) {
	m, r := newTestManager(t)
	r.failRun["systemctl"] = true
	if err := os.WriteFile(m.pidFile, []byte("4242\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m.ApplyIPv6Config(ipv6tether.Iface{Name: "usb0"}, ulaConfig())
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	cmds := r.commands()
	if last := cmds[len(cmds)-1]; last != "kill -HUP 4242" {
		t.Errorf("commands = %v, want SIGHUP", cmds)
	}
}

func TestWithdrawRemovesConfig(t *testing.T) {
	m, r := newTestManager(t)
	iface := ipv6tether.Iface{Name: "usb0"}
	m.ApplyIPv6Config(iface, ulaConfig())
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	m.ApplyIPv6Config(iface, nil)
	if len(m.Interfaces()) != 0 {
		t.Errorf("interfaces = %v", m.Interfaces())
	}
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(m.configPath); !os.IsNotExist(err) {
		t.Errorf("config still present: %v", err)
	}
	cmds := r.commands()
	if last := cmds[len(cmds)-1]; last != "systemctl stop radvd" {
		t.Errorf("commands = %v, want stop", cmds)
	}
}

func TestDebouncedFlush(t *testing.T) {
	m, r := newTestManager(t)
	m.debounce = 50 * time.Millisecond
	for _, name := range []string{"usb0", "wlan1", "eth1"} {
		m.ApplyIPv6Config(ipv6tether.Iface{Name: name}, ulaConfig())
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Reloads() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Reloads() != 1 {
		t.Fatalf("reloads = %d, want 1", m.Reloads())
	}
	if n := len(r.commands()); n != 1 {
		t.Errorf("commands = %d, want a single reload", n)
	}
	data, _ := os.ReadFile(m.configPath)
	if strings.Count(string(data), "interface ") != 3 {
		t.Errorf("config = %s", data)
	}
}

func TestWithdrawUnknownIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	m.ApplyIPv6Config(ipv6tether.Iface{Name: "usb0"}, nil)
	m.mu.Lock()
	pending := m.timer != nil
	m.mu.Unlock()
	if pending {
		t.Error("withdrawing an unknown interface scheduled an update")
	}
}
