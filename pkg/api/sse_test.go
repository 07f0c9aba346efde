package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psaab/tetherd/pkg/logging"
)

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	setSSEHeaders(w)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "42", "UPSTREAM_SELECTED", `{"key":"value"}`)

	body := w.Body.String()
	for _, want := range []string{"id: 42\n", "event: UPSTREAM_SELECTED\n", "data: {\"key\":\"value\"}\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in %q", want, body)
		}
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("SSE event should end with double newline")
	}

	w = httptest.NewRecorder()
	writeSSEEvent(w, "1", "", "hello")
	if strings.Contains(w.Body.String(), "event:") {
		t.Errorf("should not have event line when empty, got %q", w.Body.String())
	}
}

// streamEvents runs the SSE handler for path, adds recs once it is
// subscribed and returns the body written.
func streamEvents(t *testing.T, path string, recs ...logging.EventRecord) string {
	t.Helper()
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", path, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.eventStreamHandler(w, req)
		close(done)
	}()

	// Wait for subscription to be set up
	time.Sleep(50 * time.Millisecond)
	for _, rec := range recs {
		buf.Add(rec)
	}
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	return w.Body.String()
}

func TestEventStreamHandler(t *testing.T) {
	body := streamEvents(t, "/api/v1/events/stream",
		logging.EventRecord{Type: logging.EventUpstreamSelected, Network: 7, Interface: "wlan0", Category: "wifi"})

	if !strings.Contains(body, "event: UPSTREAM_SELECTED") {
		t.Errorf("expected UPSTREAM_SELECTED event in response, got %q", body)
	}
	if !strings.Contains(body, "id: 1\n") {
		t.Errorf("expected sequence id 1, got %q", body)
	}
	if !strings.Contains(body, `"interface":"wlan0"`) {
		t.Errorf("expected interface in event data, got %q", body)
	}
}

func TestEventStreamFilter(t *testing.T) {
	body := streamEvents(t, "/api/v1/events/stream?interface=usb0",
		logging.EventRecord{Type: logging.EventUpstreamSelected, Interface: "wlan0"},
		logging.EventRecord{Type: logging.EventIPv6Config, Interface: "usb0"},
	)

	if strings.Contains(body, "UPSTREAM_SELECTED") {
		t.Errorf("wlan0 event should be filtered out, got %q", body)
	}
	if !strings.Contains(body, "event: IPV6_CONFIG") {
		t.Errorf("expected IPV6_CONFIG event, got %q", body)
	}
}
