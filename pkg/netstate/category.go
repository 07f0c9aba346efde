package netstate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownCategory is returned for categories that have no capability
// mapping.
var ErrUnknownCategory = errors.New("unknown upstream category")

// Category is a legacy upstream network type, used to express the
// preferred-upstream priority list.
type Category int

const (
	CategoryNone Category = iota
	CategoryMobile
	CategoryWiFi
	CategoryMobileDUN
	CategoryMobileHIPRI
	CategoryBluetooth
	CategoryEthernet
	CategoryVPN
	numCategories
)

var categoryNames = [numCategories]string{
	"none", "mobile", "wifi", "mobile_dun", "mobile_hipri", "bluetooth", "ethernet", "vpn",
}

func (c Category) String() string {
	if c >= 0 && c < numCategories {
		return categoryNames[c]
	}
	return "category(" + strconv.Itoa(int(c)) + ")"
}

// ParseCategory converts a category name. Dashes and underscores are
// interchangeable.
func ParseCategory(s string) (Category, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, n := range categoryNames {
		if norm == n {
			return Category(i), nil
		}
	}
	return CategoryNone, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// ParseCategories converts a list of names, failing on the first unknown one.
func ParseCategories(names []string) ([]Category, error) {
	out := make([]Category, 0, len(names))
	for _, n := range names {
		c, err := ParseCategory(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// RequirementFor returns the capability filter a network must satisfy to
// count as category c. Restricted capabilities (dun) drop not-restricted
// from the filter.
func RequirementFor(c Category) (Capabilities, error) {
	req := NewCapabilities()
	switch c {
	case CategoryMobile, CategoryMobileHIPRI:
		req = req.WithTransport(TransportCellular).WithCapability(CapInternet)
	case CategoryMobileDUN:
		req = req.WithTransport(TransportCellular).
			WithCapability(CapDUN).
			WithoutCapability(CapNotRestricted)
	case CategoryWiFi:
		req = req.WithTransport(TransportWiFi).WithCapability(CapInternet)
	case CategoryBluetooth:
		req = req.WithTransport(TransportBluetooth).WithCapability(CapInternet)
	case CategoryEthernet:
		req = req.WithTransport(TransportEthernet).WithCapability(CapInternet)
	default:
		return Capabilities{}, fmt.Errorf("%w: %s", ErrUnknownCategory, c)
	}
	return req, nil
}

// Matches reports whether caps satisfy category c.
func Matches(c Category, caps *Capabilities) bool {
	req, err := RequirementFor(c)
	if err != nil {
		return false
	}
	return req.SatisfiedBy(caps)
}

// CategoryFor labels a network by its capabilities, for display of an
// automatically chosen upstream.
func CategoryFor(caps *Capabilities) Category {
	switch {
	case caps == nil:
		return CategoryNone
	case caps.HasTransport(TransportVPN):
		return CategoryVPN
	case caps.HasTransport(TransportCellular):
		if caps.HasCapability(CapDUN) && !caps.HasCapability(CapInternet) {
			return CategoryMobileDUN
		}
		return CategoryMobile
	case caps.HasTransport(TransportWiFi):
		return CategoryWiFi
	case caps.HasTransport(TransportEthernet):
		return CategoryEthernet
	case caps.HasTransport(TransportBluetooth):
		return CategoryBluetooth
	}
	return CategoryNone
}

// Record is one tracked network. A record holds pointers to immutable
// values; either may be nil before the first notification of that kind.
type Record struct {
	Network        NetworkID
	Capabilities   *Capabilities
	LinkProperties *LinkProperties
}

// Interface returns the record's interface name, or "".
func (r *Record) Interface() string {
	if r == nil || r.LinkProperties == nil {
		return ""
	}
	return r.LinkProperties.InterfaceName
}

// Observer receives network notifications from a source such as netmon.
type Observer interface {
	OnAvailable(id NetworkID)
	OnCapabilitiesChanged(id NetworkID, caps Capabilities)
	OnLinkPropertiesChanged(id NetworkID, lp *LinkProperties)
	OnSuspended(id NetworkID)
	OnResumed(id NetworkID)
	OnLost(id NetworkID)
}
