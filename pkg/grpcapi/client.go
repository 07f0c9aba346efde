package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/tetherd/pkg/tethering"
)

// Client is a tetherd.v1.Tethering client.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // set when the client owns the connection
}

// Dial connects to a tetherd gRPC endpoint without transport security.
// The daemon listens on loopback by default.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection if the client opened it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Status fetches the coordinator status.
func (c *Client) Status(ctx context.Context) (*tethering.Status, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetStatus"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return decodeStatus(out)
}

// AddDownstream asks the daemon to start serving a downstream.
func (c *Client) AddDownstream(ctx context.Context, req DownstreamRequest) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, fullMethod("AddDownstream"), in, new(emptypb.Empty))
}

// RemoveDownstream stops serving the named downstream.
func (c *Client) RemoveDownstream(ctx context.Context, name string) error {
	in, err := structpb.NewStruct(map[string]any{"name": name})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, fullMethod("RemoveDownstream"), in, new(emptypb.Empty))
}

// SetPolicy changes the selection policy and returns the resulting status.
func (c *Client) SetPolicy(ctx context.Context, req PolicyRequest) (*tethering.Status, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("SetPolicy"), in, out); err != nil {
		return nil, err
	}
	return decodeStatus(out)
}

// Health reports the control service health status.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.cc).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func decodeStatus(s *structpb.Struct) (*tethering.Status, error) {
	b, err := s.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	var st tethering.Status
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}
