package tethering

import (
	"github.com/psaab/tetherd/pkg/netstate"
)

// observer moves notifications from the source's goroutine onto the
// coordinator goroutine before the tracker sees them.
type observer struct {
	c         *Coordinator
	next      netstate.Observer
	reselects bool
}

// ListenAll returns an observer to register for every network.
func (c *Coordinator) ListenAll() netstate.Observer {
	return observer{c: c, next: c.tracker.ListenAll()}
}

// DefaultNetwork returns an observer to register for the system default
// network.
func (c *Coordinator) DefaultNetwork() netstate.Observer {
	return observer{c: c, next: c.tracker.DefaultNetwork(), reselects: true}
}

func (o observer) deliver(fn func()) {
	err := o.c.post(func() {
		fn()
		if o.reselects && o.c.cfg.ChooseAutomatically {
			o.c.chooseUpstream()
		}
	})
	if err != nil {
		o.c.log.Debug("dropping network notification", "err", err)
	}
}

func (o observer) OnAvailable(id netstate.NetworkID) {
	o.deliver(func() { o.next.OnAvailable(id) })
}

func (o observer) OnCapabilitiesChanged(id netstate.NetworkID, caps netstate.Capabilities) {
	o.deliver(func() { o.next.OnCapabilitiesChanged(id, caps) })
}

func (o observer) OnLinkPropertiesChanged(id netstate.NetworkID, lp *netstate.LinkProperties) {
	lp = lp.Clone()
	o.deliver(func() { o.next.OnLinkPropertiesChanged(id, lp) })
}

func (o observer) OnSuspended(id netstate.NetworkID) {
	o.deliver(func() { o.next.OnSuspended(id) })
}

func (o observer) OnResumed(id netstate.NetworkID) {
	o.deliver(func() { o.next.OnResumed(id) })
}

func (o observer) OnLost(id netstate.NetworkID) {
	o.deliver(func() { o.next.OnLost(id) })
}
