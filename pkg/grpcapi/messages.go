package grpcapi

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/tetherd/pkg/ipv6tether"
)

// DownstreamRequest is the AddDownstream body.
type DownstreamRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Mode string `json:"mode,omitempty"`
}

func (r DownstreamRequest) parse() (ipv6tether.Iface, ipv6tether.Mode, error) {
	if r.Name == "" {
		return ipv6tether.Iface{}, 0, fmt.Errorf("name is required")
	}
	typ, err := ipv6tether.ParseInterfaceType(r.Type)
	if err != nil {
		return ipv6tether.Iface{}, 0, err
	}
	if r.Mode == "" {
		r.Mode = ipv6tether.ModeTethered.String()
	}
	mode, err := ipv6tether.ParseMode(r.Mode)
	if err != nil {
		return ipv6tether.Iface{}, 0, err
	}
	return ipv6tether.Iface{Name: r.Name, Type: typ}, mode, nil
}

// PolicyRequest is the SetPolicy body. Omitted fields are left unchanged.
type PolicyRequest struct {
	CellularPermitted   *bool    `json:"cellular_permitted,omitempty"`
	DunRequired         *bool    `json:"dun_required,omitempty"`
	ChooseAutomatically *bool    `json:"choose_automatically,omitempty"`
	Preferred           []string `json:"preferred,omitempty"`
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v through its JSON form. Unknown fields are
// rejected.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
