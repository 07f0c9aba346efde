package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psaab/tetherd/pkg/dhcp"
	"github.com/psaab/tetherd/pkg/ipv6tether"
	"github.com/psaab/tetherd/pkg/logging"
	"github.com/psaab/tetherd/pkg/netstate"
	"github.com/psaab/tetherd/pkg/tethering"
)

type fakeBackend struct {
	mu      sync.Mutex
	status  tethering.Status
	added   []ipv6tether.Iface
	modes   []ipv6tether.Mode
	removed []string
	policy  []tethering.PolicyUpdate
	err     error
}

func (f *fakeBackend) Status(context.Context) (*tethering.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	st := f.status
	return &st, nil
}

func (f *fakeBackend) AddDownstream(_ context.Context, iface ipv6tether.Iface, mode ipv6tether.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, iface)
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakeBackend) RemoveDownstream(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeBackend) UpdatePolicy(_ context.Context, u tethering.PolicyUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.policy = append(f.policy, u)
	if u.CellularPermitted != nil {
		f.status.CellularPermitted = *u.CellularPermitted
	}
	return nil
}

type fakeLeases []*dhcp.Lease

func (f fakeLeases) Leases() []*dhcp.Lease { return f }

func sampleStatus() tethering.Status {
	return tethering.Status{
		Upstream:           &tethering.UpstreamStatus{Network: 7, Interface: "wlan0", Category: "wifi", IPv6: true},
		Category:           "wifi",
		Preferred:          []string{"ethernet", "wifi"},
		CellularPermitted:  true,
		UniqueLocalPrefix:  "fd01:203:405::/48",
		UpstreamSelections: 3,
		ConfigPushes:       5,
		Networks: []tethering.NetworkStatus{
			{Network: 7, Interface: "wlan0", Category: "wifi", Upstream: true},
			{Network: 9, Interface: "rmnet0", Category: "mobile"},
		},
		Downstreams: []tethering.DownstreamStatus{
			{Name: "usb0", Type: "usb", Mode: "tethered", SubnetID: 1,
				IPv6: &tethering.IPv6Config{Addresses: []string{"2001:db8:1::1/64"}}},
		},
	}
}

func newTestServer(t *testing.T) (*Server, *fakeBackend, *logging.EventBuffer) {
	t.Helper()
	be := &fakeBackend{status: sampleStatus()}
	events := logging.NewEventBuffer(16)
	s := NewServer(Config{Addr: "127.0.0.1:0", Backend: be, EventBuf: events})
	return s, be, events
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var resp Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s %s: decode response: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, resp
}

func TestHealthHandler(t *testing.T) {
	s, _, _ := newTestServer(t)
	w, resp := do(t, s.Handler(), "GET", "/health", "")
	if w.Code != http.StatusOK || !resp.Success {
		t.Errorf("health = %d %+v", w.Code, resp)
	}
}

func TestStatusHandler(t *testing.T) {
	s, _, _ := newTestServer(t)
	w, resp := do(t, s.Handler(), "GET", "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
	data, _ := resp.Data.(map[string]any)
	if data["uptime"] == nil {
		t.Error("missing uptime")
	}
	if data["unique_local_prefix"] != "fd01:203:405::/48" {
		t.Errorf("unique_local_prefix = %v", data["unique_local_prefix"])
	}
	up, _ := data["upstream"].(map[string]any)
	if up["interface"] != "wlan0" {
		t.Errorf("upstream = %v", data["upstream"])
	}
}

func TestListHandlers(t *testing.T) {
	s, _, _ := newTestServer(t)
	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/networks", 2},
		{"/api/v1/downstreams", 1},
		{"/api/v1/dhcp/leases", 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w, resp := do(t, s.Handler(), "GET", tt.path, "")
			if w.Code != http.StatusOK {
				t.Fatalf("code = %d", w.Code)
			}
			list, ok := resp.Data.([]any)
			if !ok && tt.want > 0 {
				t.Fatalf("data = %T, want list", resp.Data)
			}
			if len(list) != tt.want {
				t.Errorf("len = %d, want %d", len(list), tt.want)
			}
		})
	}
}

func TestAddDownstreamHandler(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantMode ipv6tether.Mode
	}{
		{"default mode", `{"name":"usb0","type":"usb"}`, http.StatusOK, ipv6tether.ModeTethered},
		{"local only", `{"name":"p2p0","type":"wifi-p2p","mode":"local-only"}`, http.StatusOK, ipv6tether.ModeLocalOnly},
		{"missing name", `{"type":"usb"}`, http.StatusBadRequest, 0},
		{"bad type", `{"name":"x0","type":"serial"}`, http.StatusBadRequest, 0},
		{"bad mode", `{"name":"x0","type":"usb","mode":"bridged"}`, http.StatusBadRequest, 0},
		{"unknown field", `{"name":"x0","type":"usb","vlan":3}`, http.StatusBadRequest, 0},
		{"not json", `usb0`, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, be, _ := newTestServer(t)
			w, resp := do(t, s.Handler(), "POST", "/api/v1/downstreams", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%+v)", w.Code, tt.wantCode, resp)
			}
			if tt.wantCode != http.StatusOK {
				if resp.Success || resp.Error == "" {
					t.Errorf("error response = %+v", resp)
				}
				if len(be.added) != 0 {
					t.Errorf("backend called on bad request")
				}
				return
			}
			if len(be.modes) != 1 || be.modes[0] != tt.wantMode {
				t.Errorf("modes = %v, want [%v]", be.modes, tt.wantMode)
			}
		})
	}
}

func TestRemoveDownstreamHandler(t *testing.T) {
	s, be, _ := newTestServer(t)
	w, _ := do(t, s.Handler(), "DELETE", "/api/v1/downstreams/usb0", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if len(be.removed) != 1 || be.removed[0] != "usb0" {
		t.Errorf("removed = %v", be.removed)
	}
}

func TestPolicyHandler(t *testing.T) {
	s, be, _ := newTestServer(t)
	w, resp := do(t, s.Handler(), "POST", "/api/v1/policy",
		`{"cellular_permitted":false,"preferred":["wifi","mobile_hipri"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d (%+v)", w.Code, resp)
	}
	if len(be.policy) != 1 {
		t.Fatalf("policy updates = %d", len(be.policy))
	}
	u := be.policy[0]
	if u.CellularPermitted == nil || *u.CellularPermitted {
		t.Error("cellular_permitted not passed")
	}
	if u.DunRequired != nil || u.ChooseAutomatically != nil {
		t.Error("omitted fields should stay nil")
	}
	want := []netstate.Category{netstate.CategoryWiFi, netstate.CategoryMobileHIPRI}
	if len(u.Preferred) != 2 || u.Preferred[0] != want[0] || u.Preferred[1] != want[1] {
		t.Errorf("preferred = %v, want %v", u.Preferred, want)
	}
	data, _ := resp.Data.(map[string]any)
	if data["cellular_permitted"] != false {
		t.Errorf("returned status = %v", data)
	}

	w, _ = do(t, s.Handler(), "POST", "/api/v1/policy", `{"preferred":["satellite"]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown category: code = %d", w.Code)
	}
}

func TestBackendNotRunning(t *testing.T) {
	s, be, _ := newTestServer(t)
	be.err = tethering.ErrNotRunning
	w, resp := do(t, s.Handler(), "GET", "/api/v1/status", "")
	if w.Code != http.StatusServiceUnavailable || resp.Success {
		t.Errorf("code = %d resp = %+v", w.Code, resp)
	}
}

func TestEventsHandler(t *testing.T) {
	s, _, events := newTestServer(t)
	events.Add(logging.EventRecord{Type: logging.EventDownstreamAdd, Interface: "usb0"})
	events.Add(logging.EventRecord{Type: logging.EventUpstreamSelected, Interface: "wlan0"})
	events.Add(logging.EventRecord{Type: logging.EventDownstreamAdd, Interface: "p2p0"})

	tests := []struct {
		query string
		code  int
		want  int
	}{
		{"", http.StatusOK, 3},
		{"?limit=1", http.StatusOK, 1},
		{"?type=downstream_add", http.StatusOK, 2},
		{"?interface=wlan0", http.StatusOK, 1},
		{"?type=policy", http.StatusOK, 0},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=x", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w, resp := do(t, s.Handler(), "GET", "/api/v1/events"+tt.query, "")
			if w.Code != tt.code {
				t.Fatalf("code = %d, want %d", w.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			list, _ := resp.Data.([]any)
			if len(list) != tt.want {
				t.Errorf("events = %d, want %d", len(list), tt.want)
			}
		})
	}
}

func TestDHCPLeasesHandler(t *testing.T) {
	be := &fakeBackend{status: sampleStatus()}
	lease := &dhcp.Lease{
		Interface: "eth0",
		Address:   netip.MustParsePrefix("2001:db8::5/128"),
		DNS:       []netip.Addr{netip.MustParseAddr("2001:db8::53")},
		Prefixes:  []dhcp.DelegatedPrefix{{Interface: "eth0", Prefix: netip.MustParsePrefix("2001:db8:100::/56")}},
		LeaseTime: time.Hour,
		Obtained:  time.Now(),
	}
	s := NewServer(Config{Backend: be, DHCP: fakeLeases{lease}})
	w, resp := do(t, s.Handler(), "GET", "/api/v1/dhcp/leases", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	list, _ := resp.Data.([]any)
	if len(list) != 1 {
		t.Fatalf("leases = %v", resp.Data)
	}
	entry, _ := list[0].(map[string]any)
	if entry["advertised"] != "2001:db8:100::/64" {
		t.Errorf("advertised = %v", entry["advertised"])
	}
	if entry["address"] != "2001:db8::5/128" {
		t.Errorf("address = %v", entry["address"])
	}
}

func TestServeShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
