package upstream

import (
	"github.com/psaab/tetherd/pkg/netstate"
)

// SelectPreferredUpstreamType walks preferred in order and returns the first
// category with a matching tracked network, or CategoryNone and nil. Cellular
// categories are skipped while cellular upstreams are not permitted.
//
// Selecting DUN or HIPRI files a mobile request unless one is outstanding
// (running provisioning first when the default network is not cellular).
// Selecting anything else releases it, except that None keeps a pending
// request alive while cellular is permitted.
func (t *Tracker) SelectPreferredUpstreamType(preferred []netstate.Category) (netstate.Category, *netstate.Record) {
	permitted := t.cellularPermitted()
	cat, rec := t.findFirstAvailable(preferred, permitted)

	t.log.Info("preferred upstream type", "type", cat)

	switch cat {
	case netstate.CategoryMobileDUN, netstate.CategoryMobileHIPRI:
		if !t.defaultIsCellular && t.entitlement != nil {
			t.entitlement.MaybeRunProvisioning()
		}
		if !t.mobileRequested {
			t.RegisterMobileNetworkRequest()
		}
	case netstate.CategoryNone:
		if !permitted {
			t.ReleaseMobileNetworkRequest()
		}
	default:
		t.ReleaseMobileNetworkRequest()
	}
	return cat, rec
}

func (t *Tracker) findFirstAvailable(preferred []netstate.Category, permitted bool) (netstate.Category, *netstate.Record) {
	for _, cat := range preferred {
		req, err := netstate.RequirementFor(cat)
		if err != nil {
			t.log.Error("no capability mapping for upstream type", "type", cat, "err", err)
			continue
		}
		if !permitted && netstate.IsCellular(&req) {
			continue
		}
		for _, id := range t.order {
			rec := t.networks[id]
			if req.SatisfiedBy(rec.Capabilities) {
				return cat, &rec
			}
		}
	}
	return netstate.CategoryNone, nil
}

// GetCurrentPreferredUpstream returns the default network when it is usable
// and not cellular. Otherwise, with cellular permitted, it returns the
// default network, or the first cellular DUN network when DUN is required.
func (t *Tracker) GetCurrentPreferredUpstream() *netstate.Record {
	var dflt *netstate.Record
	if t.defaultNetwork != netstate.NoNetwork {
		if rec, ok := t.networks[t.defaultNetwork]; ok {
			dflt = &rec
		}
	}
	if usableAndNotCellular(dflt) {
		return dflt
	}
	if !t.cellularPermitted() {
		return nil
	}
	if !t.dunRequired {
		return dflt
	}
	return t.firstDunNetwork()
}

func usableAndNotCellular(rec *netstate.Record) bool {
	return rec != nil && rec.Capabilities != nil && rec.LinkProperties != nil &&
		!netstate.IsCellular(rec.Capabilities)
}

func (t *Tracker) firstDunNetwork() *netstate.Record {
	for _, id := range t.order {
		rec := t.networks[id]
		if netstate.IsCellular(rec.Capabilities) && rec.Capabilities.HasCapability(netstate.CapDUN) {
			return &rec
		}
	}
	return nil
}

// RegisterMobileNetworkRequest files a request for a cellular upstream: DUN
// when DUN is required, HIPRI otherwise.
func (t *Tracker) RegisterMobileNetworkRequest() {
	if !t.cellularPermitted() {
		t.log.Info("cellular upstream not permitted, not requesting mobile network")
		t.ReleaseMobileNetworkRequest()
		return
	}
	if t.mobileRequested {
		t.log.Error("mobile network request already registered")
		return
	}

	legacy := netstate.CategoryMobileHIPRI
	if t.dunRequired {
		legacy = netstate.CategoryMobileDUN
	}
	req, err := netstate.RequirementFor(legacy)
	if err != nil {
		t.log.Error("no capability mapping for mobile request", "type", legacy, "err", err)
		return
	}

	t.mobileRequested = true
	t.log.Info("requesting mobile upstream network", "type", legacy, "capabilities", req)
	if t.requester != nil {
		t.requester.RequestNetwork(req, legacy)
	}
}

// ReleaseMobileNetworkRequest drops the outstanding mobile request, if any.
func (t *Tracker) ReleaseMobileNetworkRequest() {
	if !t.mobileRequested {
		return
	}
	t.mobileRequested = false
	t.log.Info("releasing mobile network request")
	if t.requester != nil {
		t.requester.ReleaseNetworkRequest()
	}
}
