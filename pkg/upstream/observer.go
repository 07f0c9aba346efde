package upstream

import (
	"github.com/psaab/tetherd/pkg/netstate"
)

type callbackKind int

const (
	callbackListenAll callbackKind = iota + 1
	callbackDefault
)

type callback struct {
	t    *Tracker
	kind callbackKind
}

// ListenAll returns the observer for the every-network feed. It maintains the
// network map and the aggregate local prefixes.
func (t *Tracker) ListenAll() netstate.Observer {
	return callback{t: t, kind: callbackListenAll}
}

// DefaultNetwork returns the observer for the system default network feed.
// It only tracks which network is the default and whether it is cellular.
func (t *Tracker) DefaultNetwork() netstate.Observer {
	return callback{t: t, kind: callbackDefault}
}

func (cb callback) OnAvailable(id netstate.NetworkID) {
	cb.t.handleAvailable(id)
}

func (cb callback) OnCapabilitiesChanged(id netstate.NetworkID, caps netstate.Capabilities) {
	if cb.kind == callbackDefault {
		cb.t.handleDefaultCapabilities(id, caps)
		return
	}
	cb.t.handleCapabilities(id, caps)
}

func (cb callback) OnLinkPropertiesChanged(id netstate.NetworkID, lp *netstate.LinkProperties) {
	if cb.kind == callbackDefault {
		return
	}
	cb.t.handleLinkProperties(id, lp)
	cb.t.recomputeLocalPrefixes()
}

func (cb callback) OnSuspended(id netstate.NetworkID) {
	if cb.kind == callbackListenAll && id == cb.t.current {
		cb.t.log.Info("upstream network suspended", "network", id)
	}
}

func (cb callback) OnResumed(id netstate.NetworkID) {
	if cb.kind == callbackListenAll && id == cb.t.current {
		cb.t.log.Info("upstream network resumed", "network", id)
	}
}

func (cb callback) OnLost(id netstate.NetworkID) {
	if cb.kind == callbackDefault {
		cb.t.handleDefaultLost()
		return
	}
	cb.t.handleLost(id)
	cb.t.recomputeLocalPrefixes()
}
