package api

import "github.com/psaab/tetherd/pkg/tethering"

// Response is the envelope for every JSON reply.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Uptime string `json:"uptime"`
	*tethering.Status
}

// DownstreamRequest is the body of POST /api/v1/downstreams.
type DownstreamRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Mode string `json:"mode,omitempty"` // default "tethered"
}

// PolicyRequest is the body of POST /api/v1/policy. Omitted fields are
// left unchanged.
type PolicyRequest struct {
	CellularPermitted   *bool    `json:"cellular_permitted,omitempty"`
	DunRequired         *bool    `json:"dun_required,omitempty"`
	ChooseAutomatically *bool    `json:"choose_automatically,omitempty"`
	Preferred           []string `json:"preferred,omitempty"`
}

// LeaseEntry describes one DHCPv6 lease.
type LeaseEntry struct {
	Interface  string   `json:"interface"`
	Address    string   `json:"address,omitempty"`
	Prefixes   []string `json:"prefixes,omitempty"`
	Advertised string   `json:"advertised,omitempty"`
	DNS        []string `json:"dns,omitempty"`
	Domains    []string `json:"domains,omitempty"`
	LeaseTime  string   `json:"lease_time"`
	Obtained   string   `json:"obtained"`
}
