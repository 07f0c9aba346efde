// Package netstate holds the network model shared by upstream tracking and
// IPv6 downstream coordination: capabilities, link properties, network
// records and the legacy upstream categories.
package netstate

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// NetworkID is an opaque network handle. Zero means no network.
type NetworkID int

// NoNetwork is the NetworkID of "no network".
const NoNetwork NetworkID = 0

func (id NetworkID) String() string {
	if id == NoNetwork {
		return "none"
	}
	return "net" + strconv.Itoa(int(id))
}

// Transport is a physical or virtual medium a network runs over.
type Transport uint8

const (
	TransportCellular Transport = iota
	TransportWiFi
	TransportBluetooth
	TransportEthernet
	TransportVPN
	numTransports
)

var transportNames = [numTransports]string{"cellular", "wifi", "bluetooth", "ethernet", "vpn"}

func (t Transport) String() string {
	if t < numTransports {
		return transportNames[t]
	}
	return "transport(" + strconv.Itoa(int(t)) + ")"
}

// ParseTransport converts a transport name ("cellular", "wifi", ...).
func ParseTransport(s string) (Transport, error) {
	for i, n := range transportNames {
		if strings.EqualFold(s, n) {
			return Transport(i), nil
		}
	}
	return 0, fmt.Errorf("unknown transport %q", s)
}

// Capability is a property a network may advertise.
type Capability uint8

const (
	CapInternet Capability = iota
	CapDUN
	CapNotVPN
	CapNotRestricted
	CapTrusted
	CapNotMetered
	numCapabilities
)

var capabilityNames = [numCapabilities]string{
	"internet", "dun", "not-vpn", "not-restricted", "trusted", "not-metered",
}

func (c Capability) String() string {
	if c < numCapabilities {
		return capabilityNames[c]
	}
	return "capability(" + strconv.Itoa(int(c)) + ")"
}

// ParseCapability converts a capability name ("internet", "dun", ...).
func ParseCapability(s string) (Capability, error) {
	for i, n := range capabilityNames {
		if strings.EqualFold(s, n) {
			return Capability(i), nil
		}
	}
	return 0, fmt.Errorf("unknown capability %q", s)
}

// Capabilities is an immutable set of transports and capabilities plus an
// optional signal strength. It is comparable with ==; "changing" a value
// means building a new one with the With* methods.
type Capabilities struct {
	transports uint32
	caps       uint64
	signal     int
	hasSignal  bool
}

// NewCapabilities returns the default capability set of a fresh network:
// not-vpn, not-restricted and trusted.
func NewCapabilities() Capabilities {
	return Capabilities{}.
		WithCapability(CapNotVPN).
		WithCapability(CapNotRestricted).
		WithCapability(CapTrusted)
}

// WithTransport adds t. A VPN transport clears not-vpn.
func (c Capabilities) WithTransport(t Transport) Capabilities {
	c.transports |= 1 << t
	if t == TransportVPN {
		c = c.WithoutCapability(CapNotVPN)
	}
	return c
}

func (c Capabilities) WithCapability(cp Capability) Capabilities {
	c.caps |= 1 << cp
	return c
}

func (c Capabilities) WithoutCapability(cp Capability) Capabilities {
	c.caps &^= 1 << cp
	return c
}

func (c Capabilities) WithSignalStrength(s int) Capabilities {
	c.signal = s
	c.hasSignal = true
	return c
}

func (c Capabilities) HasTransport(t Transport) bool {
	return c.transports&(1<<t) != 0
}

func (c Capabilities) HasCapability(cp Capability) bool {
	return c.caps&(1<<cp) != 0
}

// SignalStrength returns the advertised signal strength and whether one was
// set at all.
func (c Capabilities) SignalStrength() (int, bool) {
	return c.signal, c.hasSignal
}

// Transports lists the transports in the set, lowest first.
func (c Capabilities) Transports() []Transport {
	out := make([]Transport, 0, bits.OnesCount32(c.transports))
	for t := Transport(0); t < numTransports; t++ {
		if c.HasTransport(t) {
			out = append(out, t)
		}
	}
	return out
}

// Capabilities lists the capabilities in the set, lowest first.
func (c Capabilities) Capabilities() []Capability {
	out := make([]Capability, 0, bits.OnesCount64(c.caps))
	for cp := Capability(0); cp < numCapabilities; cp++ {
		if c.HasCapability(cp) {
			out = append(out, cp)
		}
	}
	return out
}

// SatisfiedBy reports whether nc meets the requirement c: at least one of
// c's transports (if c names any) and every capability in c.
func (c Capabilities) SatisfiedBy(nc *Capabilities) bool {
	if nc == nil {
		return false
	}
	if c.transports != 0 && c.transports&nc.transports == 0 {
		return false
	}
	return c.caps&nc.caps == c.caps
}

func (c Capabilities) String() string {
	var b strings.Builder
	b.WriteString("[")
	for i, t := range c.Transports() {
		if i > 0 {
			b.WriteString("|")
		}
		b.WriteString(t.String())
	}
	b.WriteString(" caps:")
	for i, cp := range c.Capabilities() {
		if i > 0 {
			b.WriteString("&")
		}
		b.WriteString(cp.String())
	}
	if c.hasSignal {
		fmt.Fprintf(&b, " signal:%d", c.signal)
	}
	b.WriteString("]")
	return b.String()
}

// IsCellular reports whether caps describe a cellular, non-VPN network.
func IsCellular(caps *Capabilities) bool {
	return caps != nil && caps.HasTransport(TransportCellular) && caps.HasCapability(CapNotVPN)
}
