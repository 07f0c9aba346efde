package tethering

import (
	"log/slog"
	"sync/atomic"
)

// Policy holds the cellular upstream entitlement. It is read from the
// coordinator goroutine and written from API handlers.
type Policy struct {
	log              *slog.Logger
	permitted        atomic.Bool
	defaultCellular  atomic.Bool
	provisioningRuns atomic.Uint64
}

// NewPolicy creates a Policy.
func NewPolicy(cellularPermitted bool, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Policy{log: logger.With("component", "policy")}
	p.permitted.Store(cellularPermitted)
	return p
}

func (p *Policy) CellularUpstreamPermitted() bool { return p.permitted.Load() }

// SetCellularPermitted changes the entitlement and reports whether it
// changed.
func (p *Policy) SetCellularPermitted(v bool) bool {
	if p.permitted.Swap(v) == v {
		return false
	}
	p.log.Info("cellular upstream permission changed", "permitted", v)
	return true
}

// MaybeRunProvisioning counts entitlement checks for a mobile upstream
// chosen while the default network is not cellular. No carrier check is run.
func (p *Policy) MaybeRunProvisioning() {
	n := p.provisioningRuns.Add(1)
	p.log.Info("entitlement check for mobile upstream", "runs", n)
}

// NotifyUpstream records whether the default network is cellular.
func (p *Policy) NotifyUpstream(isCellular bool) {
	p.defaultCellular.Store(isCellular)
	p.log.Debug("default network cellular", "cellular", isCellular)
}

func (p *Policy) DefaultIsCellular() bool { return p.defaultCellular.Load() }

func (p *Policy) ProvisioningRuns() uint64 { return p.provisioningRuns.Load() }
