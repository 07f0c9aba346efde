// Package grpcapi implements the tetherd gRPC control service and the
// standard gRPC health service.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/tetherd/pkg/ipv6tether"
	"github.com/psaab/tetherd/pkg/logging"
	"github.com/psaab/tetherd/pkg/netstate"
	"github.com/psaab/tetherd/pkg/tethering"
)

// Backend is the tethering coordinator as seen by the gRPC service.
type Backend interface {
	Status(ctx context.Context) (*tethering.Status, error)
	AddDownstream(ctx context.Context, iface ipv6tether.Iface, mode ipv6tether.Mode) error
	RemoveDownstream(ctx context.Context, name string) error
	UpdatePolicy(ctx context.Context, u tethering.PolicyUpdate) error
}

// Config configures the gRPC server.
type Config struct {
	Backend  Backend
	EventBuf *logging.EventBuffer // drives health updates; optional
	Logger   *slog.Logger
}

// Server implements TetheringServer.
type Server struct {
	backend  Backend
	eventBuf *logging.EventBuffer
	health   *health.Server
	log      *slog.Logger
	addr     string
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend:  cfg.Backend,
		eventBuf: cfg.EventBuf,
		health:   health.NewServer(),
		log:      logger.With("component", "grpc"),
		addr:     addr,
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	RegisterTetheringServer(srv, s)
	healthpb.RegisterHealthServer(srv, s.health)

	var sub *logging.Subscription
	if s.eventBuf != nil {
		sub = s.eventBuf.Subscribe(32)
		defer sub.Close()
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchUpstream(watchCtx, sub)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	srv.GracefulStop()
	return nil
}

// watchUpstream reports the control service SERVING while an upstream is
// selected.
func (s *Server) watchUpstream(ctx context.Context, sub *logging.Subscription) {
	s.refreshHealth(ctx)
	if sub == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			switch rec.Type {
			case logging.EventUpstreamSelected, logging.EventUpstreamLost:
				s.refreshHealth(ctx)
			}
		}
	}
}

func (s *Server) refreshHealth(ctx context.Context) {
	st, err := s.backend.Status(ctx)
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if err == nil && st.Upstream != nil {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, serving)
}

func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return nil, backendError(err)
	}
	return toStruct(st)
}

func (s *Server) AddDownstream(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req DownstreamRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	iface, mode, err := req.parse()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if err := s.backend.AddDownstream(ctx, iface, mode); err != nil {
		return nil, backendError(err)
	}
	s.log.Info("downstream added via gRPC", "interface", iface.Name, "type", iface.Type, "mode", mode)
	return &emptypb.Empty{}, nil
}

func (s *Server) RemoveDownstream(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	name := in.GetFields()["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	if err := s.backend.RemoveDownstream(ctx, name); err != nil {
		return nil, backendError(err)
	}
	s.log.Info("downstream removed via gRPC", "interface", name)
	return &emptypb.Empty{}, nil
}

func (s *Server) SetPolicy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PolicyRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	u := tethering.PolicyUpdate{
		CellularPermitted:   req.CellularPermitted,
		DunRequired:         req.DunRequired,
		ChooseAutomatically: req.ChooseAutomatically,
	}
	if len(req.Preferred) > 0 {
		cats, err := netstate.ParseCategories(req.Preferred)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%v", err)
		}
		u.Preferred = cats
	}
	if err := s.backend.UpdatePolicy(ctx, u); err != nil {
		return nil, backendError(err)
	}
	return s.GetStatus(ctx, nil)
}

func backendError(err error) error {
	switch {
	case errors.Is(err, tethering.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
