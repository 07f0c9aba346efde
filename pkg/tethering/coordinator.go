// Package tethering runs upstream selection and IPv6 downstream coordination
// on one goroutine. Network notifications, API calls and policy changes are
// all posted to that goroutine, so the trackers underneath need no locks.
package tethering

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/psaab/tetherd/pkg/ipv6tether"
	"github.com/psaab/tetherd/pkg/logging"
	"github.com/psaab/tetherd/pkg/netstate"
	"github.com/psaab/tetherd/pkg/upstream"
)

// ErrNotRunning is returned by calls made after the coordinator stopped.
var ErrNotRunning = errors.New("tethering coordinator not running")

const mailboxSize = 256

// Config is the upstream selection policy.
type Config struct {
	// ChooseAutomatically follows the system default network instead of
	// walking Preferred.
	ChooseAutomatically bool
	Preferred           []netstate.Category
	DunRequired         bool
}

// Options configures a Coordinator.
type Options struct {
	Config    Config
	Sink      ipv6tether.DownstreamSink
	Requester upstream.NetworkRequester
	Policy    *Policy
	Events    *logging.EventBuffer
	Rand      io.Reader
	Logger    *slog.Logger
}

// Coordinator owns an upstream.Tracker and an ipv6tether.Coordinator and
// wires the selected upstream from one into the other.
type Coordinator struct {
	cfg     Config
	log     *slog.Logger
	mailbox chan func()
	done    chan struct{}

	policy  *Policy
	events  *logging.EventBuffer
	tracker *upstream.Tracker
	ipv6    *ipv6tether.Coordinator
	sink    *configSink

	requested  map[string]ipv6tether.Iface
	category   netstate.Category
	upstream   *netstate.Record
	selections uint64
}

// New creates a Coordinator. Nothing happens until Run is called.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy == nil {
		policy = NewPolicy(true, logger)
	}
	c := &Coordinator{
		cfg:       opts.Config,
		log:       logger.With("component", "tethering"),
		mailbox:   make(chan func(), mailboxSize),
		done:      make(chan struct{}),
		policy:    policy,
		events:    opts.Events,
		requested: make(map[string]ipv6tether.Iface),
	}
	c.sink = &configSink{c: c, next: opts.Sink, last: make(map[string]*netstate.LinkProperties)}
	c.ipv6 = ipv6tether.New(ipv6tether.Options{
		Sink:        c.sink,
		RequestedFn: func() bool { return len(c.requested) > 0 },
		Rand:        opts.Rand,
		Logger:      logger,
	})
	c.tracker = upstream.New(upstream.Options{
		Target:      c,
		Requester:   opts.Requester,
		Entitlement: policy,
		Logger:      logger,
	})
	c.tracker.UpdateMobileRequiresDun(opts.Config.DunRequired)
	return c
}

// Run processes posted work until ctx is cancelled. On exit every downstream
// is withdrawn and the tracker is stopped.
func (c *Coordinator) Run(ctx context.Context) {
	c.log.Info("tethering coordinator started",
		"automatic", c.cfg.ChooseAutomatically, "preferred", c.cfg.Preferred)
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case fn := <-c.mailbox:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) shutdown() {
	for _, d := range c.ipv6.Downstreams() {
		delete(c.requested, d.Iface.Name)
		c.ipv6.RemoveActiveDownstream(d.Iface)
	}
	c.tracker.Stop()
	c.log.Info("tethering coordinator stopped")
}

func (c *Coordinator) post(fn func()) error {
	select {
	case <-c.done:
		return ErrNotRunning
	default:
	}
	select {
	case c.mailbox <- fn:
		return nil
	case <-c.done:
		return ErrNotRunning
	}
}

// call runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := c.post(func() {
		fn()
		close(finished)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrNotRunning
		}
	}
}

// AddDownstream activates a downstream interface.
func (c *Coordinator) AddDownstream(ctx context.Context, iface ipv6tether.Iface, mode ipv6tether.Mode) error {
	if iface.Name == "" {
		return fmt.Errorf("add downstream: empty interface name")
	}
	if mode != ipv6tether.ModeTethered && mode != ipv6tether.ModeLocalOnly {
		return fmt.Errorf("add downstream %s: invalid mode %d", iface.Name, mode)
	}
	return c.call(ctx, func() {
		if _, ok := c.requested[iface.Name]; ok {
			return
		}
		c.requested[iface.Name] = iface
		c.record(logging.EventRecord{Type: logging.EventDownstreamAdd, Interface: iface.Name,
			Detail: fmt.Sprintf("type=%s mode=%s", iface.Type, mode)})
		c.ipv6.AddActiveDownstream(iface, mode)
		c.chooseUpstream()
	})
}

// RemoveDownstream deactivates a downstream by name. Removing an unknown
// name still withdraws any configuration on it.
func (c *Coordinator) RemoveDownstream(ctx context.Context, name string) error {
	return c.call(ctx, func() {
		iface, ok := c.requested[name]
		if !ok {
			iface = ipv6tether.Iface{Name: name}
		}
		delete(c.requested, name)
		c.record(logging.EventRecord{Type: logging.EventDownstreamRemove, Interface: name})
		c.ipv6.RemoveActiveDownstream(iface)
		c.chooseUpstream()
	})
}

// PolicyUpdate changes parts of the selection policy. Nil fields are left
// alone.
type PolicyUpdate struct {
	CellularPermitted   *bool
	DunRequired         *bool
	ChooseAutomatically *bool
	Preferred           []netstate.Category
}

// UpdatePolicy applies u and reselects once.
func (c *Coordinator) UpdatePolicy(ctx context.Context, u PolicyUpdate) error {
	preferred := slices.Clone(u.Preferred)
	return c.call(ctx, func() {
		var changes []string
		if u.CellularPermitted != nil && c.policy.SetCellularPermitted(*u.CellularPermitted) {
			changes = append(changes, fmt.Sprintf("cellular_permitted=%t", *u.CellularPermitted))
		}
		if u.DunRequired != nil && c.cfg.DunRequired != *u.DunRequired {
			c.cfg.DunRequired = *u.DunRequired
			c.tracker.UpdateMobileRequiresDun(*u.DunRequired)
			changes = append(changes, fmt.Sprintf("dun_required=%t", *u.DunRequired))
		}
		if u.ChooseAutomatically != nil && c.cfg.ChooseAutomatically != *u.ChooseAutomatically {
			c.cfg.ChooseAutomatically = *u.ChooseAutomatically
			changes = append(changes, fmt.Sprintf("choose_automatically=%t", *u.ChooseAutomatically))
		}
		if preferred != nil && !slices.Equal(c.cfg.Preferred, preferred) {
			c.cfg.Preferred = preferred
			changes = append(changes, fmt.Sprintf("preferred=%s", strings.Join(stringsOf(preferred), ",")))
		}
		if len(changes) > 0 {
			c.log.Info("upstream policy changed", "changes", changes)
			c.record(logging.EventRecord{Type: logging.EventPolicy, Detail: strings.Join(changes, " ")})
		}
		c.chooseUpstream()
	})
}

// SetCellularPermitted changes the cellular entitlement and reselects.
func (c *Coordinator) SetCellularPermitted(ctx context.Context, permitted bool) error {
	return c.UpdatePolicy(ctx, PolicyUpdate{CellularPermitted: &permitted})
}

// SetDunRequired changes whether mobile requests ask for DUN and reselects.
func (c *Coordinator) SetDunRequired(ctx context.Context, dun bool) error {
	return c.UpdatePolicy(ctx, PolicyUpdate{DunRequired: &dun})
}

// Reconfigure replaces the selection policy and reselects.
func (c *Coordinator) Reconfigure(ctx context.Context, cfg Config) error {
	cfg.Preferred = slices.Clone(cfg.Preferred)
	return c.call(ctx, func() {
		c.cfg = cfg
		c.tracker.UpdateMobileRequiresDun(cfg.DunRequired)
		c.log.Info("upstream policy reconfigured", "automatic", cfg.ChooseAutomatically,
			"preferred", cfg.Preferred, "dun_required", cfg.DunRequired)
		c.chooseUpstream()
	})
}

// HandleUpstreamEvent implements upstream.Target. It runs on the coordinator
// goroutine, called from inside the tracker.
func (c *Coordinator) HandleUpstreamEvent(ev upstream.Event) {
	switch ev.Kind {
	case upstream.EventLocalPrefixes:
		c.ipv6.SetLocalPrefixes(ev.LocalPrefixes)
		c.record(logging.EventRecord{Type: logging.EventLocalPrefixes, Detail: fmt.Sprint(ev.LocalPrefixes)})
		return
	case upstream.EventLost:
		c.record(logging.EventRecord{Type: logging.EventNetworkLost, Network: int(ev.Record.Network),
			Interface: ev.Record.Interface()})
	}
	c.chooseUpstream()
}

func (c *Coordinator) chooseUpstream() {
	var (
		cat netstate.Category
		rec *netstate.Record
	)
	if c.cfg.ChooseAutomatically {
		rec = c.tracker.GetCurrentPreferredUpstream()
		cat = netstate.CategoryNone
		if rec != nil {
			cat = netstate.CategoryFor(rec.Capabilities)
		}
	} else {
		cat, rec = c.tracker.SelectPreferredUpstreamType(c.cfg.Preferred)
		if cat == netstate.CategoryNone {
			c.tryCellular()
		}
	}
	c.setUpstream(cat, rec)
}

// tryCellular files a mobile request when nothing usable is up, so on-demand
// cellular links get raised. The request is dropped again once the last
// downstream goes away without a cellular upstream having appeared.
func (c *Coordinator) tryCellular() {
	if len(c.requested) == 0 {
		if c.tracker.MobileNetworkRequested() {
			c.tracker.ReleaseMobileNetworkRequest()
		}
		return
	}
	if !c.policy.CellularUpstreamPermitted() || c.tracker.MobileNetworkRequested() {
		return
	}
	if slices.Contains(c.cfg.Preferred, netstate.CategoryMobileDUN) ||
		slices.Contains(c.cfg.Preferred, netstate.CategoryMobileHIPRI) {
		c.tracker.RegisterMobileNetworkRequest()
	}
}

func (c *Coordinator) setUpstream(cat netstate.Category, rec *netstate.Record) {
	prev := c.upstream
	c.category = cat
	if sameRecord(prev, rec) {
		return
	}
	c.upstream = rec

	id := netstate.NoNetwork
	if rec != nil {
		id = rec.Network
	}
	c.tracker.SetCurrentUpstream(id)

	switch {
	case rec == nil:
		c.log.Info("no upstream available", "previous", prev.Network)
		c.record(logging.EventRecord{Type: logging.EventUpstreamLost, Network: int(prev.Network),
			Interface: prev.Interface()})
	case prev == nil || prev.Network != rec.Network:
		c.selections++
		c.log.Info("upstream selected", "type", cat, "network", rec.Network, "iface", rec.Interface())
		c.record(logging.EventRecord{Type: logging.EventUpstreamSelected, Network: int(rec.Network),
			Interface: rec.Interface(), Category: cat.String()})
	}
	c.ipv6.UpdateUpstreamNetworkState(upstreamState(rec))
}

func sameRecord(a, b *netstate.Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Network != b.Network || !a.LinkProperties.Equal(b.LinkProperties) {
		return false
	}
	if a.Capabilities == nil || b.Capabilities == nil {
		return a.Capabilities == b.Capabilities
	}
	return *a.Capabilities == *b.Capabilities
}

func upstreamState(rec *netstate.Record) *ipv6tether.UpstreamState {
	if rec == nil {
		return nil
	}
	return &ipv6tether.UpstreamState{
		Network:        rec.Network,
		Capabilities:   rec.Capabilities,
		LinkProperties: rec.LinkProperties,
	}
}

func (c *Coordinator) record(rec logging.EventRecord) {
	if c.events != nil {
		c.events.Add(rec)
	}
}

// configSink remembers the last configuration pushed to each downstream
// before handing it on.
type configSink struct {
	c      *Coordinator
	next   ipv6tether.DownstreamSink
	last   map[string]*netstate.LinkProperties
	pushes uint64
}

func (s *configSink) ApplyIPv6Config(iface ipv6tether.Iface, cfg *netstate.LinkProperties) {
	s.pushes++
	prev, had := s.last[iface.Name]
	if cfg == nil {
		delete(s.last, iface.Name)
		if had {
			s.c.record(logging.EventRecord{Type: logging.EventIPv6Withdraw, Interface: iface.Name})
		}
	} else {
		s.last[iface.Name] = cfg
		if !prev.Equal(cfg) {
			s.c.record(logging.EventRecord{Type: logging.EventIPv6Config, Interface: iface.Name,
				Detail: cfg.String()})
		}
	}
	if s.next != nil {
		s.next.ApplyIPv6Config(iface, cfg)
	}
}
