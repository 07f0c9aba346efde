package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SyslogSlogHandler passes records to a base handler and copies them to the
// configured syslog collectors. A "component" attribute becomes a bracketed
// message prefix so collectors can filter per subsystem.
type SyslogSlogHandler struct {
	base      slog.Handler
	shared    *syslogClients
	component string
	attrs     []slog.Attr
	groups    []string
}

type syslogClients struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

// NewSyslogSlogHandler wraps base with syslog forwarding. It forwards nothing
// until SetClients is called.
func NewSyslogSlogHandler(base slog.Handler) *SyslogSlogHandler {
	return &SyslogSlogHandler{base: base, shared: &syslogClients{}}
}

// SetClients replaces the collectors and closes the previous ones. Handlers
// derived with With share the new set.
func (h *SyslogSlogHandler) SetClients(clients []*SyslogClient) {
	h.shared.mu.Lock()
	old := h.shared.clients
	h.shared.clients = clients
	h.shared.mu.Unlock()

	for _, c := range old {
		c.Close()
	}
}

func (h *SyslogSlogHandler) Close() {
	h.SetClients(nil)
}

func (h *SyslogSlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *SyslogSlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.shared.mu.RLock()
	clients := h.shared.clients
	h.shared.mu.RUnlock()
	if len(clients) == 0 {
		return err
	}

	severity := slogLevelToSyslog(r.Level)
	msg := h.format(r)
	for _, c := range clients {
		if c.ShouldSend(severity) {
			c.Send(severity, msg)
		}
	}
	return err
}

func (h *SyslogSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.base = h.base.WithAttrs(attrs)
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" && len(h.groups) == 0 {
			nh.component = a.Value.String()
			continue
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *SyslogSlogHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.base = h.base.WithGroup(name)
	nh.groups = append(append([]string{}, h.groups...), name)
	return &nh
}

func slogLevelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	default:
		return SyslogDebug
	}
}

func (h *SyslogSlogHandler) format(r slog.Record) string {
	var b strings.Builder
	if h.component != "" {
		fmt.Fprintf(&b, "[%s] ", h.component)
	}
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s%s=%s", prefix, a.Key, a.Value.String())
		return true
	})
	return b.String()
}
