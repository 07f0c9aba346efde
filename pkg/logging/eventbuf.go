package logging

import (
	"strings"
	"sync"
	"time"
)

// Event types recorded by the tethering coordinator.
const (
	EventUpstreamSelected = "UPSTREAM_SELECTED"
	EventUpstreamLost     = "UPSTREAM_LOST"
	EventNetworkLost      = "NETWORK_LOST"
	EventLocalPrefixes    = "LOCAL_PREFIXES"
	EventDownstreamAdd    = "DOWNSTREAM_ADD"
	EventDownstreamRemove = "DOWNSTREAM_REMOVE"
	EventIPv6Config       = "IPV6_CONFIG"
	EventIPv6Withdraw     = "IPV6_WITHDRAW"
	EventPolicy           = "POLICY"
)

// EventRecord is one tethering state change.
type EventRecord struct {
	Time      time.Time `json:"time"`
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Network   int       `json:"network,omitempty"`
	Interface string    `json:"interface,omitempty"`
	Category  string    `json:"category,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// EventBuffer is a fixed-size ring of recent events with live subscribers.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int
	count int
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives events added after it was created.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. The channel is left open.
func (s *Subscription) Close() {
	s.eb.subMu.Lock()
	delete(s.eb.subs, s)
	s.eb.subMu.Unlock()
}

// NewEventBuffer creates a buffer holding the last size events.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add stores rec, stamping Seq and (when zero) Time, and offers it to
// every subscriber without blocking. Slow subscribers miss events.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	eb.seq++
	rec.Seq = eb.seq
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default:
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a subscription with a channel of bufSize (64 if < 1).
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{C: make(chan EventRecord, bufSize), eb: eb}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

// Total returns how many events were ever added.
func (eb *EventBuffer) Total() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// EventFilter selects events by type and interface. Empty fields match all.
type EventFilter struct {
	Type      string // case-insensitive exact match
	Interface string // exact match
}

func (f EventFilter) IsEmpty() bool {
	return f.Type == "" && f.Interface == ""
}

func (f EventFilter) Matches(rec *EventRecord) bool {
	if f.Type != "" && !strings.EqualFold(rec.Type, f.Type) {
		return false
	}
	return f.Interface == "" || rec.Interface == f.Interface
}

// Latest returns up to n of the newest events matching f, newest first.
func (eb *EventBuffer) Latest(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	var out []EventRecord
	for i := 0; i < eb.count && len(out) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.Matches(&eb.buf[idx]) {
			out = append(out, eb.buf[idx])
		}
	}
	return out
}
